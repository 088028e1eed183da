package oplog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
	"github.com/percona/migrate-mongo/tracker"
)

// command errors meaning the command is already applied.
//
//nolint:gochecknoglobals
var appliedCommandCodes = []int{
	26, // NamespaceNotFound
	27, // IndexNotFound
	48, // NamespaceExists
	68, // IndexAlreadyExists
}

//nolint:gochecknoglobals
var bulkOptions = options.BulkWrite().SetOrdered(false)

// Target applies writes to the target cluster.
type Target interface {
	BulkWrite(ctx context.Context, res sel.Resource, models []mongo.WriteModel) error
	RunCommand(ctx context.Context, db string, cmd bson.D) error
}

// Source resolves documents of the source cluster.
type Source interface {
	// FindOne returns nil when no document matches.
	FindOne(ctx context.Context, res sel.Resource, filter bson.Raw) (bson.Raw, error)
}

// Writer applies translated oplog operations in order, grouped in runs of the same
// target namespace, and checkpoints each run after it is applied.
type Writer struct {
	target     Target
	source     Source
	filter     *sel.NamespaceFilter
	renamer    *sel.Renamer
	commands   commandTranslator
	checkpoint *tracker.Throttled

	applied atomic.Int64

	mu     sync.Mutex
	lastTS bson.Timestamp
}

// NewWriter returns a writer saving its position through checkpoint every
// saveFrequency runs.
func NewWriter(
	target Target,
	source Source,
	filter *sel.NamespaceFilter,
	renamer *sel.Renamer,
	checkpoint tracker.Writer,
	saveFrequency int,
) *Writer {
	return &Writer{
		target:     target,
		source:     source,
		filter:     filter,
		renamer:    renamer,
		commands:   commandTranslator{filter: filter, renamer: renamer},
		checkpoint: tracker.NewThrottled(checkpoint, saveFrequency),
	}
}

// Applied returns the number of applied operations.
func (w *Writer) Applied() int64 {
	return w.applied.Load()
}

// LastTS returns the timestamp of the last applied run.
func (w *Writer) LastTS() bson.Timestamp {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastTS
}

// Apply translates and applies oplog entries.
func (w *Writer) Apply(ctx context.Context, entries []Entry) error {
	ops, err := Translate(entries)
	if err != nil {
		return err
	}

	if skipped := len(entries) - len(ops); skipped > 0 {
		metrics.AddOplogEntriesSkipped(skipped)
	}

	return w.ApplyOps(ctx, ops)
}

type run struct {
	target sel.Resource
	models []mongo.WriteModel
	lastTS bson.Timestamp
}

// ApplyOps applies ops in order. Ops of filtered namespaces are dropped. A command
// ends the current run and is applied on its own.
func (w *Writer) ApplyOps(ctx context.Context, ops []Op) error {
	var cur *run

	flush := func() error {
		if cur == nil {
			return nil
		}

		r := cur
		cur = nil

		return w.applyRun(ctx, r)
	}

	for i := range ops {
		op := &ops[i]

		if op.Command != nil {
			err := flush()
			if err != nil {
				return err
			}

			err = w.applyCommand(ctx, op)
			if err != nil {
				return err
			}

			continue
		}

		if !w.filter.IsAllowed(op.NS.Namespace()) {
			metrics.AddOplogEntriesSkipped(1)

			continue
		}

		target := w.renamer.MapResource(op.NS)

		if cur != nil && cur.target != target {
			err := flush()
			if err != nil {
				return err
			}
		}

		if cur == nil {
			cur = &run{target: target}
		}

		model := op.Model
		if model == nil {
			var err error

			model, err = w.lookup(ctx, op)
			if err != nil {
				return err
			}
		}

		cur.models = append(cur.models, model)
		cur.lastTS = op.TS
	}

	return flush()
}

// lookup resolves an update by replacing the document with its current source version.
func (w *Writer) lookup(ctx context.Context, op *Op) (mongo.WriteModel, error) {
	var doc bson.Raw

	err := topo.Retry(ctx, "lookup "+op.NS.Namespace(), func(ctx context.Context) error {
		var err error

		doc, err = w.source.FindOne(ctx, op.NS, op.Lookup)

		return err //nolint:wrapcheck
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	if doc == nil {
		return &mongo.DeleteOneModel{Filter: op.Lookup}, nil
	}

	return &mongo.ReplaceOneModel{
		Filter:      bson.D{{"_id", doc.Lookup("_id")}},
		Replacement: doc,
		Upsert:      &yes,
	}, nil
}

func (w *Writer) applyRun(ctx context.Context, r *run) error {
	lg := log.Ctx(ctx).With(log.NS(r.target.Database, r.target.Collection))
	ns := r.target.Namespace()

	err := topo.Retry(ctx, "bulk write "+ns, func(ctx context.Context) error {
		return w.target.BulkWrite(ctx, r.target, r.models)
	})
	if err != nil {
		lg.Warnf("[WARN] %d bulk write operations for %s failed. Applying them one by one",
			len(r.models), ns)

		err = w.replay(ctx, r)
		if err != nil {
			return err
		}
	} else {
		lg.Debugf("All %d write operations for %s were applied", len(r.models), ns)
	}

	w.applied.Add(int64(len(r.models)))
	metrics.AddOplogEntriesApplied(len(r.models))

	return w.advance(ctx, r.lastTS)
}

// replay applies the models one at a time. Duplicate keys are ignored.
func (w *Writer) replay(ctx context.Context, r *run) error {
	lg := log.Ctx(ctx).With(log.NS(r.target.Database, r.target.Collection))
	ns := r.target.Namespace()

	var failed []error

	for i, m := range r.models {
		err := topo.Retry(ctx, "write "+ns, func(ctx context.Context) error {
			return w.target.BulkWrite(ctx, r.target, []mongo.WriteModel{m})
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			lg.Errorf(err, "[FATAL] operation %d of %d on %s failed", i+1, len(r.models), ns)
			failed = append(failed, err)
		}
	}

	if len(failed) != 0 {
		metrics.AddOplogEntriesFailed(len(failed))

		return errors.Wrapf(errors.Join(failed...),
			"%d of %d operations on %s failed", len(failed), len(r.models), ns)
	}

	lg.Infof("All %d operations on %s were applied one by one", len(r.models), ns)

	return nil
}

func (w *Writer) applyCommand(ctx context.Context, op *Op) error {
	lg := log.Ctx(ctx)

	cmd, err := w.commands.translate(op.Command)
	if err != nil {
		return errors.Wrapf(err, "command on %s at %d.%d", op.Command.Database, op.TS.T, op.TS.I)
	}

	if cmd == nil {
		lg.Debugf("Skipping command on %s: %s", op.Command.Database, op.Command.O)
		metrics.AddOplogEntriesSkipped(1)

		return w.advance(ctx, op.TS)
	}

	for _, c := range append([]*targetCommand{cmd}, cmd.Then...) {
		err = topo.Retry(ctx, "run command", func(ctx context.Context) error {
			err := w.target.RunCommand(ctx, c.Database, c.Command)
			if isAppliedCommandError(err) {
				lg.Infof("[IGNORE] command already applied: %s: %v", c, err)

				return nil
			}

			return err //nolint:wrapcheck
		})
		if err != nil {
			metrics.AddOplogEntriesFailed(1)

			return errors.Wrapf(err, "command %s", c)
		}
	}

	lg.Debugf("Completed command on %s", cmd)

	w.applied.Add(1)
	metrics.AddOplogEntriesApplied(1)

	return w.advance(ctx, op.TS)
}

func isAppliedCommandError(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}

	for _, code := range appliedCommandCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return false
}

func (w *Writer) advance(ctx context.Context, ts bson.Timestamp) error {
	w.mu.Lock()
	w.lastTS = ts
	w.mu.Unlock()

	err := tracker.SaveTimestamp(ctx, w.checkpoint, ts)
	if err != nil {
		return errors.Wrap(err, "save oplog checkpoint")
	}

	return nil
}

// Flush persists the position skipped by the save frequency.
func (w *Writer) Flush(ctx context.Context) error {
	return errors.Wrap(w.checkpoint.Flush(ctx), "flush oplog checkpoint")
}

type clientTarget struct {
	m *mongo.Client
}

// NewTarget returns a [Target] writing to m.
func NewTarget(m *mongo.Client) Target {
	return &clientTarget{m: m}
}

func (t *clientTarget) BulkWrite(ctx context.Context, res sel.Resource, models []mongo.WriteModel) error {
	_, err := t.m.Database(res.Database).Collection(res.Collection).BulkWrite(ctx, models, bulkOptions)

	return err //nolint:wrapcheck
}

func (t *clientTarget) RunCommand(ctx context.Context, db string, cmd bson.D) error {
	return t.m.Database(db).RunCommand(ctx, cmd).Err() //nolint:wrapcheck
}

type clientSource struct {
	m *mongo.Client
}

// NewSource returns a [Source] reading from m.
func NewSource(m *mongo.Client) Source {
	return &clientSource{m: m}
}

func (s *clientSource) FindOne(ctx context.Context, res sel.Resource, filter bson.Raw) (bson.Raw, error) {
	raw, err := s.m.Database(res.Database).Collection(res.Collection).FindOne(ctx, filter).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, err //nolint:wrapcheck
	}

	return raw, nil
}
