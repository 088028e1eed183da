package clone

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/sel"
)

// Batch is a window of documents of one collection in _id order.
type Batch struct {
	Resource  sel.Resource
	ID        int64
	Documents []bson.Raw
}

// Last returns the last document of the batch.
func (b *Batch) Last() bson.Raw {
	if len(b.Documents) == 0 {
		return nil
	}

	return b.Documents[len(b.Documents)-1]
}

// IDReader streams the _id values of a collection, resuming after a checkpoint.
type IDReader struct {
	Source      Source
	IDBatchSize int
	MaxBatches  int

	// Latest is the checkpointed _id. A zero value reads from the start.
	Latest bson.RawValue
}

// Run calls emit for every _id after Latest in ascending order.
func (r *IDReader) Run(ctx context.Context, emit func(bson.RawValue) error) error {
	if r.Latest.IsZero() {
		return r.stream(ctx, bson.RawValue{}, true, bson.RawValue{}, emit)
	}

	lg := log.Ctx(ctx)

	skip := int64(r.MaxBatches+1) * int64(r.IDBatchSize)

	from, found, err := r.Source.LookbackID(ctx, r.Latest, skip)
	if err != nil {
		return errors.Wrap(err, "lookback id")
	}

	if !found {
		lg.Debugf("Lookback of %d ids passed the beginning of the collection", skip)
	}

	err = r.stream(ctx, from, true, r.Latest, emit)
	if !errors.Is(err, errCheckpointNotSeen) {
		return err
	}

	lg.Warnf("Checkpoint _id %s was not found. Resuming after it", r.Latest)

	return r.stream(ctx, r.Latest, false, bson.RawValue{}, emit)
}

var errCheckpointNotSeen = errors.New("checkpoint id not seen")

// stream reads ids from "from". With a non-zero skipUntil, ids are skipped up to and
// including skipUntil.
func (r *IDReader) stream(
	ctx context.Context,
	from bson.RawValue,
	inclusive bool,
	skipUntil bson.RawValue,
	emit func(bson.RawValue) error,
) error {
	cur, err := r.Source.IDs(ctx, from, inclusive)
	if err != nil {
		return err //nolint:wrapcheck
	}

	defer cur.Close(ctx) //nolint:errcheck

	skipping := !skipUntil.IsZero()

	for cur.Next(ctx) {
		id := cur.ID()

		if skipping {
			if id.Equal(skipUntil) {
				skipping = false
			}

			continue
		}

		err := emit(id)
		if err != nil {
			return err
		}
	}

	err = cur.Err()
	if err != nil {
		return errors.Wrap(err, "id cursor")
	}

	if skipping {
		return errCheckpointNotSeen
	}

	return nil
}

// DocumentReader turns the _id stream into document batches.
type DocumentReader struct {
	Resource  sel.Resource
	IDs       *IDReader
	Source    Source
	BatchSize int
}

// Run sends batches to out until the collection is drained. It does not close out.
func (r *DocumentReader) Run(ctx context.Context, out chan<- *Batch) error {
	batchSize := max(r.BatchSize, 1)
	ids := make([]bson.RawValue, 0, batchSize)

	var batchID int64

	flush := func() error {
		if len(ids) == 0 {
			return nil
		}

		docs, err := r.Source.FindByIDs(ctx, ids)
		if err != nil {
			return errors.Wrap(err, "find documents")
		}

		ids = ids[:0]

		if len(docs) == 0 {
			return nil // deleted meanwhile
		}

		batchID++

		select {
		case out <- &Batch{Resource: r.Resource, ID: batchID, Documents: docs}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := r.IDs.Run(ctx, func(id bson.RawValue) error {
		ids = append(ids, id)
		if len(ids) < batchSize {
			return nil
		}

		return flush()
	})
	if err != nil {
		return err
	}

	return flush()
}
