package migrate //nolint:testpackage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/tracker"
)

type memCheckpoint struct {
	mu  sync.Mutex
	doc bson.Raw
	err error
}

func (c *memCheckpoint) Latest(context.Context) (bson.Raw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	if c.doc == nil {
		return nil, tracker.ErrNotFound
	}

	return c.doc, nil
}

func (c *memCheckpoint) Update(_ context.Context, doc bson.Raw) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.doc = doc

	return nil
}

func (c *memCheckpoint) ts(t *testing.T) bson.Timestamp {
	t.Helper()

	ts, err := tracker.LatestTimestamp(t.Context(), c)
	require.NoError(t, err)

	return ts
}

func savedAt(ts bson.Timestamp) *memCheckpoint {
	c := &memCheckpoint{}
	_ = tracker.SaveTimestamp(context.Background(), c, ts)

	return c
}

type fakeCloner struct {
	checkpoint *memCheckpoint
	err        error

	ran        bool
	resources  []sel.Resource
	startPoint bson.Timestamp
}

func (c *fakeCloner) Resources(context.Context) ([]sel.Resource, error) {
	return []sel.Resource{sel.NewResource("shop", "orders")}, nil
}

func (c *fakeCloner) Run(ctx context.Context, resources []sel.Resource) error {
	c.ran = true
	c.resources = resources

	ts, err := tracker.LatestTimestamp(ctx, c.checkpoint)
	if err == nil {
		c.startPoint = ts
	}

	return c.err
}

func (c *fakeCloner) Copied() int64 {
	return 42
}

func (c *fakeCloner) CopiedSize() uint64 {
	return 4200
}

// fakeReplicator stops the migration once it starts, or fails with err.
type fakeReplicator struct {
	stop context.CancelFunc
	err  error

	from    bson.Timestamp
	flushed bool
}

func (r *fakeReplicator) Run(ctx context.Context, from bson.Timestamp) error {
	r.from = from

	if r.err != nil {
		return r.err
	}

	r.stop()
	<-ctx.Done()

	return ctx.Err()
}

func (r *fakeReplicator) Applied() int64 {
	return 7
}

func (r *fakeReplicator) LastTS() bson.Timestamp {
	return r.from
}

func (r *fakeReplicator) Flush(context.Context) error {
	r.flushed = true

	return nil
}

type fixture struct {
	checkpoint  *memCheckpoint
	sourceOplog *memCheckpoint
	clone       *fakeCloner
	repl        *fakeReplicator

	clusterTimeCalls int
	resets           int
}

func (f *fixture) migrator(opts Options) *Migrator {
	f.clone.checkpoint = f.checkpoint

	return newMigrator(opts, components{
		clone:       f.clone,
		repl:        f.repl,
		checkpoint:  f.checkpoint,
		sourceOplog: f.sourceOplog,
		clusterTime: func(context.Context) (bson.Timestamp, error) {
			f.clusterTimeCalls++

			return bson.Timestamp{T: 900, I: 1}, nil
		},
		resetTrackers: func(context.Context) error {
			f.resets++
			f.checkpoint.doc = nil

			return nil
		},
	})
}

func TestMigratorRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       Options
		checkpoint *memCheckpoint
		source     *memCheckpoint

		wantFrom         bson.Timestamp
		wantClone        bool
		wantResets       int
		wantClusterTimes int
	}{
		{
			name:       "fresh start records the oplog end before the initial sync",
			checkpoint: &memCheckpoint{},
			source:     savedAt(bson.Timestamp{T: 100, I: 5}),
			wantFrom:   bson.Timestamp{T: 100, I: 5},
			wantClone:  true,
		},
		{
			name:       "resume from the checkpoint",
			checkpoint: savedAt(bson.Timestamp{T: 50, I: 1}),
			source:     &memCheckpoint{err: assert.AnError},
			wantFrom:   bson.Timestamp{T: 50, I: 1},
			wantClone:  true,
		},
		{
			name:       "oplog only skips the initial sync",
			opts:       Options{OplogOnly: true},
			checkpoint: savedAt(bson.Timestamp{T: 50, I: 1}),
			source:     &memCheckpoint{},
			wantFrom:   bson.Timestamp{T: 50, I: 1},
		},
		{
			name:       "drop target resets the checkpoints",
			opts:       Options{DropTarget: true},
			checkpoint: savedAt(bson.Timestamp{T: 50, I: 1}),
			source:     savedAt(bson.Timestamp{T: 100, I: 5}),
			wantFrom:   bson.Timestamp{T: 100, I: 5},
			wantClone:  true,
			wantResets: 1,
		},
		{
			name:             "empty oplog falls back to the cluster time",
			checkpoint:       &memCheckpoint{},
			source:           &memCheckpoint{},
			wantFrom:         bson.Timestamp{T: 900, I: 1},
			wantClone:        true,
			wantClusterTimes: 1,
		},
		{
			name:             "change stream starts at the cluster time",
			opts:             Options{Changestream: true},
			checkpoint:       &memCheckpoint{},
			source:           savedAt(bson.Timestamp{T: 100, I: 5}),
			wantFrom:         bson.Timestamp{T: 900, I: 1},
			wantClone:        true,
			wantClusterTimes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			f := &fixture{
				checkpoint:  tt.checkpoint,
				sourceOplog: tt.source,
				clone:       &fakeCloner{},
				repl:        &fakeReplicator{stop: cancel},
			}

			m := f.migrator(tt.opts)

			err := m.Run(ctx)
			require.NoError(t, err)

			assert.Equal(t, tt.wantFrom, f.repl.from)
			assert.Equal(t, tt.wantFrom, f.checkpoint.ts(t))
			assert.Equal(t, tt.wantClone, f.clone.ran)
			assert.Equal(t, tt.wantResets, f.resets)
			assert.Equal(t, tt.wantClusterTimes, f.clusterTimeCalls)
			assert.True(t, f.repl.flushed)

			if tt.wantClone {
				assert.Equal(t, tt.wantFrom, f.clone.startPoint)
				assert.Equal(t, []sel.Resource{sel.NewResource("shop", "orders")}, f.clone.resources)
			}

			status := m.Status()
			assert.Equal(t, StateStopped, status.State)
			assert.Equal(t, int64(42), status.DocumentsCopied)
			assert.Equal(t, int64(7), status.OpsApplied)
			assert.Equal(t, tracker.FormatTimestamp(tt.wantFrom), status.LastAppliedTS)
			assert.Empty(t, status.Error)
			assert.NotEmpty(t, status.RunID)
		})
	}
}

func TestMigratorFailures(t *testing.T) {
	t.Parallel()

	t.Run("initial sync", func(t *testing.T) {
		t.Parallel()

		f := &fixture{
			checkpoint:  &memCheckpoint{},
			sourceOplog: savedAt(bson.Timestamp{T: 1, I: 1}),
			clone:       &fakeCloner{err: assert.AnError},
			repl:        &fakeReplicator{},
		}

		m := f.migrator(Options{})

		err := m.Run(t.Context())
		require.ErrorIs(t, err, assert.AnError)

		status := m.Status()
		assert.Equal(t, StateFailed, status.State)
		assert.Contains(t, status.Error, "initial sync")
		assert.False(t, f.repl.flushed)
	})

	t.Run("replication", func(t *testing.T) {
		t.Parallel()

		f := &fixture{
			checkpoint:  savedAt(bson.Timestamp{T: 1, I: 1}),
			sourceOplog: &memCheckpoint{},
			clone:       &fakeCloner{},
			repl:        &fakeReplicator{err: assert.AnError},
		}

		m := f.migrator(Options{OplogOnly: true})

		err := m.Run(t.Context())
		require.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, StateFailed, m.Status().State)
		assert.True(t, f.repl.flushed)
	})

	t.Run("checkpoint store", func(t *testing.T) {
		t.Parallel()

		f := &fixture{
			checkpoint:  &memCheckpoint{err: assert.AnError},
			sourceOplog: &memCheckpoint{},
			clone:       &fakeCloner{},
			repl:        &fakeReplicator{},
		}

		m := f.migrator(Options{})

		err := m.Run(t.Context())
		require.ErrorIs(t, err, assert.AnError)
		assert.False(t, f.clone.ran)
		assert.Contains(t, m.Status().Error, "preflight")
	})
}
