package changestream

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/migrate/oplog"
	"github.com/percona/migrate-mongo/util"
)

// Handler applies a flushed batch of operations.
type Handler func(ctx context.Context, ops []oplog.Op) error

// Stream is an open change stream. The driver resumes it on resumable errors.
type Stream interface {
	TryNext(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// OpenFunc opens a stream at from. A zero from starts at the current time.
type OpenFunc func(ctx context.Context, from bson.Timestamp) (Stream, error)

// Reader watches the source and hands buffered operations to a handler.
type Reader struct {
	open OpenFunc
	opts oplog.ReaderOptions
}

// NewReader returns a reader buffering like the oplog reader.
func NewReader(open OpenFunc, opts oplog.ReaderOptions) *Reader {
	if opts.BatchSize < 1 {
		opts.BatchSize = oplog.DefaultBatchSize
	}

	if opts.FlushInterval <= 0 {
		opts.FlushInterval = oplog.DefaultFlushInterval
	}

	return &Reader{open: open, opts: opts}
}

// Run watches from the given operation time until ctx is done or handle fails.
func (r *Reader) Run(ctx context.Context, from bson.Timestamp, handle Handler) error {
	lg := log.Ctx(ctx)

	stream, err := r.open(ctx, from)
	if err != nil {
		return errors.Wrap(err, "open change stream")
	}

	defer func() {
		_ = stream.Close(context.WithoutCancel(ctx))
	}()

	lg.With(log.OpTime(from.T, from.I)).Info("Watching change stream")

	buf := util.NewBuffer[oplog.Op](r.opts.BatchSize, r.opts.FlushInterval)

	flush := func() error {
		ops := buf.Take()
		if len(ops) == 0 {
			return nil
		}

		startedAt := time.Now()

		err := handle(ctx, ops)
		if err != nil {
			return err
		}

		metrics.ObserveFlush(len(ops), time.Since(startedAt))

		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if stream.TryNext(ctx) {
			e, err := ParseEvent(stream.Current())
			if err != nil {
				return err
			}

			metrics.IncOplogEntriesRead()

			op, ok, err := ToOp(&e)
			if errors.Is(err, errUnsupportedEvent) {
				lg.Warnf("Skipping %s event on %s.%s", e.OperationType, e.NS.Database, e.NS.Collection)
			} else if err != nil {
				return err
			}

			if !ok {
				metrics.AddOplogEntriesSkipped(1)

				continue
			}

			if buf.Add(op) {
				err = flush()
				if err != nil {
					return err
				}
			}

			continue
		}

		err := stream.Err()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return errors.Wrap(err, "change stream")
		}

		if buf.Due() {
			err = flush()
			if err != nil {
				return err
			}
		}
	}
}

// Pipeline excludes events of internal databases.
func Pipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{"$match", bson.D{{"ns.db", bson.D{{"$nin", bson.A{"admin", "config", "local"}}}}}}},
	}
}

// NewStreamOpener returns an [OpenFunc] watching every database of source.
func NewStreamOpener(source *mongo.Client, maxAwait time.Duration) OpenFunc {
	if maxAwait <= 0 {
		maxAwait = oplog.DefaultMaxAwaitTime
	}

	return func(ctx context.Context, from bson.Timestamp) (Stream, error) {
		opts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetMaxAwaitTime(maxAwait)

		if !from.IsZero() {
			opts.SetStartAtOperationTime(&from)
		}

		cs, err := source.Watch(ctx, Pipeline(), opts)
		if err != nil {
			return nil, errors.Wrap(err, "watch")
		}

		return &clientStream{cs: cs}, nil
	}
}

type clientStream struct {
	cs *mongo.ChangeStream
}

func (s *clientStream) TryNext(ctx context.Context) bool {
	return s.cs.TryNext(ctx)
}

func (s *clientStream) Current() bson.Raw {
	return s.cs.Current
}

func (s *clientStream) Err() error {
	return s.cs.Err() //nolint:wrapcheck
}

func (s *clientStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx) //nolint:wrapcheck
}
