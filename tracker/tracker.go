// Package tracker persists migration progress: the last copied document id per
// collection and the last applied oplog timestamp per reader.
package tracker

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
)

const (
	// DatabaseName is the database on the oplog store holding the trackers.
	DatabaseName = "migrate-mongo"

	CollectionsTrackerName = "collections"
	OplogTrackerName       = "oplog.tracker"

	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrReadOnly = errors.New("read-only tracker")
)

//nolint:gochecknoglobals
var yes = true // for ref

// Reader returns the latest checkpoint document.
type Reader interface {
	// Latest returns [ErrNotFound] when there is no checkpoint.
	Latest(ctx context.Context) (bson.Raw, error)
}

// Writer persists a checkpoint derived from the latest processed document.
type Writer interface {
	Reader
	Update(ctx context.Context, doc bson.Raw) error
}

// Collection is the subset of [mongo.Collection] used by a [Store].
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
	UpdateOne(
		ctx context.Context,
		filter any,
		update any,
		opts ...options.Lister[options.UpdateOneOptions],
	) (*mongo.UpdateResult, error)
	Drop(ctx context.Context, opts ...options.Lister[options.DropCollectionOptions]) error
}

// UpdateFunc builds the update document from the latest processed document.
type UpdateFunc func(doc bson.Raw) (bson.D, error)

// Store is a keyed checkpoint document in a collection.
type Store struct {
	name       string
	coll       Collection
	query      bson.D
	sort       bson.D
	projection bson.D
	update     UpdateFunc
}

// Latest returns the checkpoint matching the store key.
func (s *Store) Latest(ctx context.Context) (bson.Raw, error) {
	opts := options.FindOne()
	if s.sort != nil {
		opts.SetSort(s.sort)
	}

	if s.projection != nil {
		opts.SetProjection(s.projection)
	}

	var doc bson.Raw

	err := topo.Retry(ctx, "read "+s.name, func(ctx context.Context) error {
		raw, err := s.coll.FindOne(ctx, s.query, opts).Raw()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}

		doc = raw

		return err //nolint:wrapcheck
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	if doc == nil {
		return nil, ErrNotFound
	}

	return doc, nil
}

// Update upserts the checkpoint built from doc.
func (s *Store) Update(ctx context.Context, doc bson.Raw) error {
	if s.update == nil {
		return ErrReadOnly
	}

	update, err := s.update(doc)
	if err != nil {
		return errors.Wrapf(err, "build %s update", s.name)
	}

	err = topo.Retry(ctx, "update "+s.name, func(ctx context.Context) error {
		_, err := s.coll.UpdateOne(ctx, s.query, update, options.UpdateOne().SetUpsert(yes))

		return err //nolint:wrapcheck
	})
	if err != nil {
		return err //nolint:wrapcheck
	}

	metrics.IncCheckpointsSaved(s.name)

	return nil
}

// Drop removes every checkpoint of the store collection.
func (s *Store) Drop(ctx context.Context) error {
	return errors.Wrapf(s.coll.Drop(ctx), "drop %s", s.name)
}

// Reset drops the collection and oplog checkpoints of every reader on store.
func Reset(ctx context.Context, store *mongo.Client) error {
	for _, name := range []string{CollectionsTrackerName, OplogTrackerName} {
		err := trackerCollection(store, name).Drop(ctx)
		if err != nil {
			return errors.Wrapf(err, "drop %s", name)
		}
	}

	return nil
}

func trackerCollection(m *mongo.Client, name string) *mongo.Collection {
	return m.Database(DatabaseName).Collection(name)
}

// NewCollectionTracker returns the initial sync checkpoint of res for the reader.
func NewCollectionTracker(store *mongo.Client, reader string, res sel.Resource) *Store {
	return newCollectionTracker(trackerCollection(store, CollectionsTrackerName), reader, res)
}

func newCollectionTracker(coll Collection, reader string, res sel.Resource) *Store {
	return &Store{
		name: CollectionsTrackerName,
		coll: coll,
		query: bson.D{
			{"reader", reader},
			{"database", res.Database},
			{"collection", res.Collection},
		},
		update: func(doc bson.Raw) (bson.D, error) {
			id, err := doc.LookupErr("_id")
			if err != nil {
				return nil, errors.Wrap(err, "_id")
			}

			return bson.D{{"$set", bson.D{{"latest_id", id}}}}, nil
		},
	}
}

// NewOplogTracker returns the log replication checkpoint of the reader.
func NewOplogTracker(store *mongo.Client, reader string) *Store {
	return newOplogTracker(trackerCollection(store, OplogTrackerName), reader)
}

func newOplogTracker(coll Collection, reader string) *Store {
	return &Store{
		name:  OplogTrackerName,
		coll:  coll,
		query: bson.D{{"reader", reader}},
		sort:  bson.D{{"$natural", -1}},
		update: func(doc bson.Raw) (bson.D, error) {
			t, i, ok := doc.Lookup("ts").TimestampOK()
			if !ok {
				return nil, errors.New("missing ts")
			}

			// $max keeps the checkpoint monotonic
			return bson.D{{"$max", bson.D{{"ts", bson.Timestamp{T: t, I: i}}}}}, nil
		},
	}
}

// NewSourceOplogReader returns a read-only tracker over the latest source oplog entry,
// ignoring no-ops and internal namespaces.
func NewSourceOplogReader(source *mongo.Client) *Store {
	return newSourceOplogReader(source.Database(oplogDatabase).Collection(oplogCollection))
}

func newSourceOplogReader(coll Collection) *Store {
	return &Store{
		name: "source oplog",
		coll: coll,
		query: bson.D{
			{"op", bson.D{{"$ne", "n"}}},
			{"ns", bson.D{{"$nin", bson.A{
				"config.$cmd",
				"admin.$cmd",
				"admin.system.keys",
				"config.system.sessions",
			}}}},
		},
		sort:       bson.D{{"$natural", -1}},
		projection: bson.D{{"ts", 1}},
	}
}

// LatestID returns the latest_id of a collection checkpoint.
func LatestID(ctx context.Context, r Reader) (bson.RawValue, error) {
	doc, err := r.Latest(ctx)
	if err != nil {
		return bson.RawValue{}, err
	}

	id, err := doc.LookupErr("latest_id")
	if err != nil {
		return bson.RawValue{}, errors.Wrap(ErrNotFound, "latest_id")
	}

	return id, nil
}

// LatestTimestamp returns the ts of an oplog checkpoint or oplog entry.
func LatestTimestamp(ctx context.Context, r Reader) (bson.Timestamp, error) {
	doc, err := r.Latest(ctx)
	if err != nil {
		return bson.Timestamp{}, err
	}

	t, i, ok := doc.Lookup("ts").TimestampOK()
	if !ok {
		return bson.Timestamp{}, errors.Wrap(ErrNotFound, "ts")
	}

	return bson.Timestamp{T: t, I: i}, nil
}

// SaveTimestamp persists ts as the oplog checkpoint.
func SaveTimestamp(ctx context.Context, w Writer, ts bson.Timestamp) error {
	doc, err := bson.Marshal(bson.D{{"ts", ts}})
	if err != nil {
		return errors.Wrap(err, "marshal ts")
	}

	return w.Update(ctx, doc)
}
