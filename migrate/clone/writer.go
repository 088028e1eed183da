package clone

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
	"github.com/percona/migrate-mongo/tracker"
)

// Writer inserts the batches of one collection into its (renamed) target collection
// and advances the collection checkpoint after each applied batch.
type Writer struct {
	Resource   sel.Resource // source resource, keys the checkpoint
	Target     Target
	Tracker    tracker.Writer
	DropTarget bool

	// trackerMu serializes checkpoint writes of all collection workers.
	trackerMu *sync.Mutex

	totalCopied *atomic.Int64
	totalSize   *atomic.Uint64

	copied int64
	size   uint64
}

// Run drains in until it is closed or ctx is done. It returns the number of copied documents.
// With DropTarget the target collection is dropped first, even when no batch arrives.
func (w *Writer) Run(ctx context.Context, in <-chan *Batch) (int64, error) {
	lg := log.Ctx(ctx)

	if w.DropTarget {
		err := topo.Retry(ctx, "drop "+w.Resource.Namespace(), w.Target.Drop)
		if err != nil {
			return 0, errors.Wrap(err, "drop target")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return w.copied, ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return w.copied, nil
			}

			err := w.write(ctx, batch)
			if err != nil {
				return w.copied, errors.Wrapf(err, "batch %d", batch.ID)
			}

			lg.With(log.Batch(batch.ID)).
				Tracef("Batch written: %d documents", len(batch.Documents))
		}
	}
}

func (w *Writer) write(ctx context.Context, batch *Batch) error {
	startedAt := time.Now()

	err := topo.Retry(ctx, "insert "+w.Resource.Namespace(), func(ctx context.Context) error {
		return w.Target.InsertMany(ctx, batch.Documents)
	})
	if err != nil {
		return err
	}

	var size uint64
	for _, doc := range batch.Documents {
		size += uint64(len(doc))
	}

	w.copied += int64(len(batch.Documents))
	w.size += size

	if w.totalCopied != nil {
		w.totalCopied.Add(int64(len(batch.Documents)))
		w.totalSize.Add(size)
	}

	metrics.AddCopyDocuments(w.Resource.Namespace(), len(batch.Documents))
	metrics.AddCopySize(size)
	metrics.ObserveCopyBatchDuration(time.Since(startedAt))

	if w.Tracker == nil {
		return nil
	}

	if w.trackerMu != nil {
		w.trackerMu.Lock()
		defer w.trackerMu.Unlock()
	}

	return errors.Wrap(w.Tracker.Update(ctx, batch.Last()), "update checkpoint")
}
