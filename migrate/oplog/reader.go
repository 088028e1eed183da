package oplog

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/util"
)

const (
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxAwaitTime  = time.Second

	reopenDelay = time.Second
)

// Handler applies a flushed batch of entries. The reader waits for it to return.
type Handler func(ctx context.Context, entries []Entry) error

// Cursor is a tailable cursor over raw oplog documents.
type Cursor interface {
	// TryNext reports whether a document is available without waiting past one getMore.
	TryNext(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	// Dead reports whether the server closed the cursor.
	Dead() bool
	Close(ctx context.Context) error
}

// OpenFunc opens a cursor over entries after from. A zero from reads the whole oplog.
type OpenFunc func(ctx context.Context, from bson.Timestamp) (Cursor, error)

// ReaderOptions configures the buffering of a [Reader].
type ReaderOptions struct {
	// BatchSize flushes the buffer once it holds that many entries. Default: 1000
	BatchSize int
	// FlushInterval flushes a partially filled buffer. Default: 5s
	FlushInterval time.Duration
}

// Reader tails the oplog and hands buffered entries to a handler.
type Reader struct {
	open OpenFunc
	opts ReaderOptions
}

// NewReader returns a reader over cursors opened by open.
func NewReader(open OpenFunc, opts ReaderOptions) *Reader {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	return &Reader{open: open, opts: opts}
}

// Run reads entries after from until ctx is done or handle fails. Entries still
// buffered on return are not handled.
func (r *Reader) Run(ctx context.Context, from bson.Timestamp, handle Handler) error {
	lg := log.Ctx(ctx)

	cur, err := r.open(ctx, from)
	if err != nil {
		return errors.Wrap(err, "open oplog cursor")
	}

	defer func() {
		_ = cur.Close(context.WithoutCancel(ctx))
	}()

	lg.With(log.OpTime(from.T, from.I)).Info("Tailing oplog")

	buf := util.NewBuffer[Entry](r.opts.BatchSize, r.opts.FlushInterval)
	last := from

	flush := func() error {
		entries := buf.Take()
		if len(entries) == 0 {
			return nil
		}

		startedAt := time.Now()

		err := handle(ctx, entries)
		if err != nil {
			return err
		}

		metrics.ObserveFlush(len(entries), time.Since(startedAt))

		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cur.TryNext(ctx) {
			e, err := ParseEntry(cur.Current())
			if err != nil {
				return err
			}

			metrics.IncOplogEntriesRead()
			lg.Tracef("Reading entry %s at %d.%d", e.Op, e.TS.T, e.TS.I)

			last = e.TS

			if buf.Add(e) {
				err = flush()
				if err != nil {
					return err
				}
			}

			continue
		}

		err := cur.Err()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return errors.Wrap(err, "oplog cursor")
		}

		if buf.Due() {
			err = flush()
			if err != nil {
				return err
			}
		}

		if cur.Dead() {
			_ = cur.Close(ctx)

			lg.Debugf("Oplog cursor closed by the server. Reopening after %d.%d", last.T, last.I)

			err = util.Sleep(ctx, reopenDelay)
			if err != nil {
				return err //nolint:wrapcheck
			}

			cur, err = r.open(ctx, last)
			if err != nil {
				return errors.Wrap(err, "reopen oplog cursor")
			}
		}
	}
}

// Query builds the oplog filter: no-ops excluded, entries after from, and in whitelist
// mode only the whitelisted namespaces, their commands and admin commands.
func Query(from bson.Timestamp, filter *sel.NamespaceFilter) bson.D {
	query := bson.D{{"op", bson.D{{"$ne", string(OpNoop)}}}}

	if !from.IsZero() {
		query = append(query, bson.E{"ts", bson.D{{"$gt", from}}})
	}

	nss := filter.WhitelistNamespaces()
	dbs := filter.WhitelistDatabases()

	if len(nss) == 0 && len(dbs) == 0 {
		return query
	}

	// transactions commit as applyOps on admin.$cmd whatever namespaces they touch
	in := bson.A{"admin." + commandCollection}
	seen := make(map[string]bool)

	for _, ns := range nss {
		in = append(in, ns)

		db, _, _ := strings.Cut(ns, ".")
		if !seen[db] {
			seen[db] = true
			in = append(in, db+"."+commandCollection)
		}
	}

	or := bson.A{bson.D{{"ns", bson.D{{"$in", in}}}}}

	if len(dbs) != 0 {
		quoted := make([]string, len(dbs))
		for i, db := range dbs {
			quoted[i] = regexp.QuoteMeta(db)
		}

		pattern := `^(` + strings.Join(quoted, "|") + `)\.`
		or = append(or, bson.D{{"ns", bson.Regex{Pattern: pattern}}})
	}

	return append(query, bson.E{"$or", or})
}

// NewCursorOpener returns an [OpenFunc] tailing local.oplog.rs of source.
func NewCursorOpener(source *mongo.Client, filter *sel.NamespaceFilter, maxAwait time.Duration) OpenFunc {
	if maxAwait <= 0 {
		maxAwait = DefaultMaxAwaitTime
	}

	coll := source.
		Database("local", options.Database().SetReadPreference(readpref.SecondaryPreferred())).
		Collection("oplog.rs")

	return func(ctx context.Context, from bson.Timestamp) (Cursor, error) {
		opts := options.Find().
			SetSort(bson.D{{"$natural", 1}}).
			SetCursorType(options.TailableAwait).
			SetNoCursorTimeout(true).
			SetMaxAwaitTime(maxAwait)

		cur, err := coll.Find(ctx, Query(from, filter), opts)
		if err != nil {
			return nil, errors.Wrap(err, "find oplog")
		}

		return &mongoCursor{cur: cur}, nil
	}
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) TryNext(ctx context.Context) bool {
	return c.cur.TryNext(ctx)
}

func (c *mongoCursor) Current() bson.Raw {
	return c.cur.Current
}

func (c *mongoCursor) Err() error {
	return c.cur.Err() //nolint:wrapcheck
}

func (c *mongoCursor) Dead() bool {
	return c.cur.ID() == 0
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx) //nolint:wrapcheck
}
