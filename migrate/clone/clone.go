// Package clone copies every allowed collection from the source to the target in _id
// order, resuming each collection from its checkpoint.
package clone

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
	"github.com/percona/migrate-mongo/tracker"
)

const (
	DefaultParallelCollections = 4
	DefaultIDBatchSize         = 5000
	DefaultDocumentBatchSize   = 1000
	DefaultMaxBatches          = 2
)

// Options configures the clone behavior.
type Options struct {
	// ReaderName keys the collection checkpoints.
	ReaderName string
	// DropTarget drops each target collection before it is copied.
	DropTarget bool
	// ParallelCollections is the number of collections copied in parallel.
	// Default: 4
	ParallelCollections int
	// IDBatchSize is the cursor batch size of the _id scan.
	// Default: 5000
	IDBatchSize int
	// DocumentBatchSize is the number of documents per inserted batch.
	// Default: 1000
	DocumentBatchSize int
	// MaxBatches is the number of batches in flight between the reader and the writer.
	// The resume lookback covers them. Default: 2
	MaxBatches int
	// SaveFrequency persists the checkpoint every N batches. Default: 1
	SaveFrequency int
}

func (o *Options) setDefaults() {
	if o.ParallelCollections < 1 {
		o.ParallelCollections = DefaultParallelCollections
	}

	if o.IDBatchSize < 1 {
		o.IDBatchSize = DefaultIDBatchSize
	}

	if o.DocumentBatchSize < 1 {
		o.DocumentBatchSize = DefaultDocumentBatchSize
	}

	if o.MaxBatches < 1 {
		o.MaxBatches = DefaultMaxBatches
	}

	if o.SaveFrequency < 1 {
		o.SaveFrequency = 1
	}
}

// Clone handles the initial sync from the source to the target.
type Clone struct {
	source  *mongo.Client
	filter  *sel.NamespaceFilter
	renamer *sel.Renamer
	opts    Options

	newSource  func(res sel.Resource) Source
	newTarget  func(res sel.Resource) Target
	newTracker func(res sel.Resource) tracker.Writer

	trackerMu sync.Mutex

	copied     atomic.Int64
	copiedSize atomic.Uint64
}

// New returns a Clone reading from source, writing to target and keeping the
// checkpoints on store.
func New(
	source, target, store *mongo.Client,
	filter *sel.NamespaceFilter,
	renamer *sel.Renamer,
	opts Options,
) *Clone {
	opts.setDefaults()

	return &Clone{
		source:  source,
		filter:  filter,
		renamer: renamer,
		opts:    opts,
		newSource: func(res sel.Resource) Source {
			return NewCollectionSource(source, res, opts.IDBatchSize)
		},
		newTarget: func(res sel.Resource) Target {
			return NewCollectionTarget(target, renamer.MapResource(res))
		},
		newTracker: func(res sel.Resource) tracker.Writer {
			return tracker.NewCollectionTracker(store, opts.ReaderName, res)
		},
	}
}

// Copied returns the number of documents copied so far.
func (c *Clone) Copied() int64 {
	return c.copied.Load()
}

// CopiedSize returns the number of bytes copied so far.
func (c *Clone) CopiedSize() uint64 {
	return c.copiedSize.Load()
}

// Resources lists the source collections allowed by the filter.
func (c *Clone) Resources(ctx context.Context) ([]sel.Resource, error) {
	dbs, err := topo.ListDatabaseNames(ctx, c.source)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	var rv []sel.Resource

	for _, db := range dbs {
		if !c.filter.AllowDatabase(db) {
			continue
		}

		colls, err := topo.ListCollectionNames(ctx, c.source, db)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}

		for _, coll := range colls {
			res := sel.NewResource(db, coll)
			if c.filter.AllowResource(res) {
				rv = append(rv, res)
			}
		}
	}

	return rv, nil
}

// Run copies every resource, ParallelCollections at a time.
func (c *Clone) Run(ctx context.Context, resources []sel.Resource) error {
	lg := log.New("clone")
	ctx = lg.WithContext(ctx)

	if len(resources) == 0 {
		lg.Warn("No collection to clone")

		return nil
	}

	lg.Infof("Starting Data Clone of %d collections", len(resources))
	lg.Debugf("ParallelCollections: %d", c.opts.ParallelCollections)

	startedAt := time.Now()

	eg, grpCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.opts.ParallelCollections)

	for _, res := range resources {
		eg.Go(func() error {
			lg := lg.With(log.NS(res.Database, res.Collection))

			err := c.copyCollection(lg.WithContext(grpCtx), res)
			if err != nil {
				return errors.Wrap(err, res.Namespace())
			}

			return nil
		})
	}

	err := eg.Wait()

	elapsed := time.Since(startedAt)
	if err != nil {
		lg.With(log.Elapsed(elapsed)).
			Errorf(err, "Data Clone has failed: %s in %s",
				humanize.Bytes(c.copiedSize.Load()), elapsed.Round(time.Second))

		return err //nolint:wrapcheck
	}

	lg.With(log.Elapsed(elapsed), log.Count(c.copied.Load()), log.Size(c.copiedSize.Load())).
		Infof("Data Clone completed: %s documents (%s) in %s",
			humanize.Comma(c.copied.Load()), humanize.Bytes(c.copiedSize.Load()),
			elapsed.Round(time.Second))

	return nil
}

func (c *Clone) copyCollection(ctx context.Context, res sel.Resource) error {
	lg := log.Ctx(ctx)

	checkpoint := tracker.NewThrottled(c.newTracker(res), c.opts.SaveFrequency)

	latest, err := tracker.LatestID(ctx, checkpoint)
	if err != nil && !errors.Is(err, tracker.ErrNotFound) {
		return errors.Wrap(err, "read checkpoint")
	}

	if latest.IsZero() {
		lg.Infof("Starting collection copy into %s", c.renamer.MapNamespace(res.Namespace()))
	} else {
		lg.Infof("Resuming collection copy into %s after _id %s",
			c.renamer.MapNamespace(res.Namespace()), latest)
	}

	source := c.newSource(res)

	reader := &DocumentReader{
		Resource: res,
		IDs: &IDReader{
			Source:      source,
			IDBatchSize: c.opts.IDBatchSize,
			MaxBatches:  c.opts.MaxBatches,
			Latest:      latest,
		},
		Source:    source,
		BatchSize: c.opts.DocumentBatchSize,
	}

	writer := &Writer{
		Resource:   res,
		Target:     c.newTarget(res),
		Tracker:    checkpoint,
		DropTarget: c.opts.DropTarget && latest.IsZero(),
		trackerMu:  &c.trackerMu,

		totalCopied: &c.copied,
		totalSize:   &c.copiedSize,
	}

	startedAt := time.Now()
	batches := make(chan *Batch, c.opts.MaxBatches)

	eg, grpCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(batches)

		return reader.Run(grpCtx, batches)
	})

	eg.Go(func() error {
		_, err := writer.Run(grpCtx, batches)

		return err
	})

	err = eg.Wait()

	// persist the position skipped by the throttle, even after a failure
	c.trackerMu.Lock()
	flushErr := checkpoint.Flush(context.WithoutCancel(ctx))
	c.trackerMu.Unlock()

	if err != nil {
		return errors.Join(err, flushErr)
	}

	if flushErr != nil {
		return errors.Wrap(flushErr, "flush checkpoint")
	}

	metrics.IncCollectionsCloned()

	lg.With(log.Elapsed(time.Since(startedAt)), log.Count(writer.copied), log.Size(writer.size)).
		Infof("Collection copied: %d documents", writer.copied)

	return nil
}
