/*
Package migrate runs a migration between MongoDB clusters.

A migration has two phases:

  - Initial sync: every allowed collection is copied in _id order by [clone.Clone].

  - Replication: the source oplog (or a change stream) is applied to the target from the
    position recorded before the initial sync started, until the migration is stopped.

Both phases resume from the checkpoints kept on the oplog store.
*/
package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/migrate/changestream"
	"github.com/percona/migrate-mongo/migrate/clone"
	"github.com/percona/migrate-mongo/migrate/oplog"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
	"github.com/percona/migrate-mongo/tracker"
	"github.com/percona/migrate-mongo/util"
)

// State is the phase of a migration.
type State string

const (
	StateIdle        State = "idle"
	StateInitialSync State = "initial-sync"
	StateReplicating State = "replicating"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
)

// FlushTimeout bounds the final checkpoint flush once the migration stops.
const FlushTimeout = 30 * time.Second

// Options configures a migration.
type Options struct {
	ReaderName string

	DropTarget   bool
	OplogOnly    bool
	Changestream bool

	Filter  *sel.NamespaceFilter
	Renamer *sel.Renamer

	// SaveFrequency persists checkpoints every N batches. Default: 1
	SaveFrequency int

	Clone  clone.Options
	Reader oplog.ReaderOptions

	// GapInterval is the period of the lag report. Default: 5s
	GapInterval time.Duration
}

// Cloner copies the source collections.
type Cloner interface {
	Resources(ctx context.Context) ([]sel.Resource, error)
	Run(ctx context.Context, resources []sel.Resource) error
	Copied() int64
	CopiedSize() uint64
}

// Replicator applies source changes after a position until ctx is done.
type Replicator interface {
	Run(ctx context.Context, from bson.Timestamp) error
	Applied() int64
	LastTS() bson.Timestamp
	Flush(ctx context.Context) error
}

// Status is a snapshot of a migration.
type Status struct {
	RunID     string    `json:"runId"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitzero"`

	DocumentsCopied int64  `json:"documentsCopied"`
	BytesCopied     uint64 `json:"bytesCopied"`
	OpsApplied      int64  `json:"opsApplied"`
	LastAppliedTS   string `json:"lastAppliedTs,omitempty"`

	Error string `json:"error,omitempty"`
}

// Migrator runs the initial sync and the replication.
type Migrator struct {
	opts  Options
	runID string

	clone Cloner
	repl  Replicator
	gap   *oplog.GapWatcher

	checkpoint    tracker.Writer
	sourceOplog   tracker.Reader
	clusterTime   func(ctx context.Context) (bson.Timestamp, error)
	resetTrackers func(ctx context.Context) error

	mu        sync.Mutex
	state     State
	err       error
	startedAt time.Time
}

type components struct {
	clone         Cloner
	repl          Replicator
	checkpoint    tracker.Writer
	sourceOplog   tracker.Reader
	clusterTime   func(ctx context.Context) (bson.Timestamp, error)
	resetTrackers func(ctx context.Context) error
}

// New returns a migrator from source to target keeping its checkpoints on store.
func New(source, target, store *mongo.Client, opts Options) *Migrator {
	if opts.SaveFrequency < 1 {
		opts.SaveFrequency = 1
	}

	opts.Clone.ReaderName = opts.ReaderName
	opts.Clone.DropTarget = opts.DropTarget
	opts.Clone.SaveFrequency = opts.SaveFrequency

	checkpoint := tracker.NewOplogTracker(store, opts.ReaderName)

	writer := oplog.NewWriter(
		oplog.NewTarget(target),
		oplog.NewSource(source),
		opts.Filter,
		opts.Renamer,
		checkpoint,
		opts.SaveFrequency)

	var run func(ctx context.Context, from bson.Timestamp) error

	if opts.Changestream {
		r := changestream.NewReader(changestream.NewStreamOpener(source, 0), opts.Reader)
		run = func(ctx context.Context, from bson.Timestamp) error {
			return r.Run(ctx, from, writer.ApplyOps)
		}
	} else {
		r := oplog.NewReader(oplog.NewCursorOpener(source, opts.Filter, 0), opts.Reader)
		run = func(ctx context.Context, from bson.Timestamp) error {
			return r.Run(ctx, from, writer.Apply)
		}
	}

	return newMigrator(opts, components{
		clone:       clone.New(source, target, store, opts.Filter, opts.Renamer, opts.Clone),
		repl:        &replicator{Writer: writer, run: run},
		checkpoint:  checkpoint,
		sourceOplog: tracker.NewSourceOplogReader(source),
		clusterTime: func(ctx context.Context) (bson.Timestamp, error) {
			return topo.ClusterTime(ctx, source)
		},
		resetTrackers: func(ctx context.Context) error {
			return tracker.Reset(ctx, store)
		},
	})
}

func newMigrator(opts Options, c components) *Migrator {
	return &Migrator{
		opts:          opts,
		runID:         xid.New().String(),
		clone:         c.clone,
		repl:          c.repl,
		checkpoint:    c.checkpoint,
		sourceOplog:   c.sourceOplog,
		clusterTime:   c.clusterTime,
		resetTrackers: c.resetTrackers,
		gap: &oplog.GapWatcher{
			Source:   c.sourceOplog,
			Target:   c.checkpoint,
			Interval: opts.GapInterval,
		},
		state: StateIdle,
	}
}

// replicator couples a reader loop with the writer it feeds.
type replicator struct {
	*oplog.Writer

	run func(ctx context.Context, from bson.Timestamp) error
}

func (r *replicator) Run(ctx context.Context, from bson.Timestamp) error {
	return r.run(ctx, from)
}

// RunID identifies this migration run in logs and status.
func (m *Migrator) RunID() string {
	return m.runID
}

// Status returns the current state and progress.
func (m *Migrator) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		RunID:           m.runID,
		State:           m.state,
		StartedAt:       m.startedAt,
		DocumentsCopied: m.clone.Copied(),
		BytesCopied:     m.clone.CopiedSize(),
		OpsApplied:      m.repl.Applied(),
	}

	if ts := m.repl.LastTS(); !ts.IsZero() {
		s.LastAppliedTS = tracker.FormatTimestamp(ts)
	}

	if m.err != nil {
		s.Error = m.err.Error()
	}

	return s
}

func (m *Migrator) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Migrator) fail(err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.err = err
	m.mu.Unlock()

	return err
}

// Run migrates until ctx is done or a phase fails. A migration stopped by ctx
// returns nil once its checkpoints are flushed.
func (m *Migrator) Run(ctx context.Context) error {
	lg := log.New("migrate").With(log.RunID(m.runID), log.Reader(m.opts.ReaderName))
	ctx = lg.WithContext(ctx)

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()

	from, err := m.preflight(ctx)
	if err != nil {
		return m.fail(errors.Wrap(err, "preflight"))
	}

	if !m.opts.OplogOnly {
		err = m.initialSync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateStopped)

				return nil
			}

			return m.fail(errors.Wrap(err, "initial sync"))
		}
	}

	m.setState(StateReplicating)

	err = m.replicate(ctx, from)

	flushErr := util.CtxWithTimeout(context.WithoutCancel(ctx), FlushTimeout, m.repl.Flush)
	if flushErr != nil {
		lg.Error(flushErr, "Flush checkpoint")
	}

	if err != nil && ctx.Err() == nil {
		return m.fail(errors.Wrap(err, "replication"))
	}

	m.setState(StateStopped)

	status := m.Status()
	lg.Infof("Migration stopped: %s operations applied, last applied %s",
		humanize.Comma(status.OpsApplied), status.LastAppliedTS)

	return flushErr
}

// preflight returns the replication start. Without a checkpoint, the current end of
// the source oplog is recorded so changes made during the initial sync are replayed.
func (m *Migrator) preflight(ctx context.Context) (bson.Timestamp, error) {
	lg := log.Ctx(ctx)

	if m.opts.DropTarget {
		lg.Info("Dropping checkpoints")

		err := m.resetTrackers(ctx)
		if err != nil {
			return bson.Timestamp{}, err
		}
	}

	from, err := tracker.LatestTimestamp(ctx, m.checkpoint)
	if err == nil {
		lg.Infof("Resuming replication after %s", tracker.FormatTimestamp(from))

		return from, nil
	}

	if !errors.Is(err, tracker.ErrNotFound) {
		return bson.Timestamp{}, errors.Wrap(err, "read oplog checkpoint")
	}

	from, err = m.startPosition(ctx)
	if err != nil {
		return bson.Timestamp{}, err
	}

	err = tracker.SaveTimestamp(ctx, m.checkpoint, from)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "save oplog checkpoint")
	}

	lg.Infof("Replication will start after %s", tracker.FormatTimestamp(from))

	return from, nil
}

func (m *Migrator) startPosition(ctx context.Context) (bson.Timestamp, error) {
	if !m.opts.Changestream {
		ts, err := tracker.LatestTimestamp(ctx, m.sourceOplog)
		if err == nil {
			return ts, nil
		}

		if !errors.Is(err, tracker.ErrNotFound) {
			return bson.Timestamp{}, errors.Wrap(err, "read source oplog")
		}

		log.Ctx(ctx).Warn("Source oplog is empty. Using the cluster time")
	}

	ts, err := m.clusterTime(ctx)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "cluster time")
	}

	return ts, nil
}

func (m *Migrator) initialSync(ctx context.Context) error {
	lg := log.Ctx(ctx)

	m.setState(StateInitialSync)

	resources, err := m.clone.Resources(ctx)
	if err != nil {
		return errors.Wrap(err, "list collections")
	}

	lg.Infof("Initial sync of %d collections", len(resources))

	startedAt := time.Now()

	err = m.clone.Run(ctx, resources)
	if err != nil {
		return err //nolint:wrapcheck
	}

	lg.With(log.Elapsed(time.Since(startedAt))).
		Infof("Initial sync completed: %s documents (%s)",
			humanize.Comma(m.clone.Copied()), humanize.Bytes(m.clone.CopiedSize()))

	return nil
}

func (m *Migrator) replicate(ctx context.Context, from bson.Timestamp) error {
	grp, grpCtx := errgroup.WithContext(ctx)

	gapCtx, stopGap := context.WithCancel(grpCtx)
	defer stopGap()

	grp.Go(func() error {
		m.gap.Run(gapCtx)

		return nil
	})

	grp.Go(func() error {
		defer stopGap()

		return m.repl.Run(grpCtx, from)
	})

	return grp.Wait() //nolint:wrapcheck
}
