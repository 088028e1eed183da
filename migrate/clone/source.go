package clone

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
)

// IDCursor iterates _id values in ascending order.
type IDCursor interface {
	Next(ctx context.Context) bool
	ID() bson.RawValue
	Err() error
	Close(ctx context.Context) error
}

// Source reads one collection of the source cluster.
type Source interface {
	// LookbackID returns the _id found skip positions before latest in descending order.
	LookbackID(ctx context.Context, latest bson.RawValue, skip int64) (bson.RawValue, bool, error)
	// IDs streams _id values ascending from "from". A zero "from" streams all ids.
	IDs(ctx context.Context, from bson.RawValue, inclusive bool) (IDCursor, error)
	// FindByIDs returns the documents with the given ids sorted by _id.
	FindByIDs(ctx context.Context, ids []bson.RawValue) ([]bson.Raw, error)
}

// Target writes one collection of the target cluster.
type Target interface {
	Drop(ctx context.Context) error
	InsertMany(ctx context.Context, docs []bson.Raw) error
}

type collectionSource struct {
	coll        *mongo.Collection
	idBatchSize int32
}

// NewCollectionSource returns a [Source] over the source collection of res.
func NewCollectionSource(m *mongo.Client, res sel.Resource, idBatchSize int) Source {
	return &collectionSource{
		coll:        m.Database(res.Database).Collection(res.Collection),
		idBatchSize: int32(min(idBatchSize, 1<<30)), //nolint:gosec
	}
}

func (s *collectionSource) LookbackID(
	ctx context.Context,
	latest bson.RawValue,
	skip int64,
) (bson.RawValue, bool, error) {
	opts := options.FindOne().
		SetSort(bson.D{{"_id", -1}}).
		SetSkip(skip).
		SetProjection(bson.D{{"_id", 1}})

	raw, err := s.coll.FindOne(ctx, bson.D{{"_id", bson.D{{"$lte", latest}}}}, opts).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bson.RawValue{}, false, nil
		}

		return bson.RawValue{}, false, errors.Wrap(err, "lookback")
	}

	return raw.Lookup("_id"), true, nil
}

func (s *collectionSource) IDs(ctx context.Context, from bson.RawValue, inclusive bool) (IDCursor, error) {
	filter := bson.D{}

	if !from.IsZero() {
		op := "$gt"
		if inclusive {
			op = "$gte"
		}

		filter = bson.D{{"_id", bson.D{{op, from}}}}
	}

	opts := options.Find().
		SetSort(bson.D{{"_id", 1}}).
		SetProjection(bson.D{{"_id", 1}}).
		SetBatchSize(s.idBatchSize)

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find ids")
	}

	return &idCursor{cur: cur}, nil
}

func (s *collectionSource) FindByIDs(ctx context.Context, ids []bson.RawValue) ([]bson.Raw, error) {
	in := make(bson.A, len(ids))
	for i, id := range ids {
		in[i] = id
	}

	cur, err := s.coll.Find(ctx,
		bson.D{{"_id", bson.D{{"$in", in}}}},
		options.Find().SetSort(bson.D{{"_id", 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find documents")
	}

	defer cur.Close(ctx)

	docs := make([]bson.Raw, 0, len(ids))
	for cur.Next(ctx) {
		docs = append(docs, append(bson.Raw(nil), cur.Current...))
	}

	return docs, errors.Wrap(cur.Err(), "cursor")
}

type idCursor struct {
	cur *mongo.Cursor
}

func (c *idCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c *idCursor) ID() bson.RawValue {
	id := c.cur.Current.Lookup("_id")
	id.Value = append([]byte(nil), id.Value...)

	return id
}

func (c *idCursor) Err() error {
	return c.cur.Err() //nolint:wrapcheck
}

func (c *idCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx) //nolint:wrapcheck
}

type collectionTarget struct {
	coll *mongo.Collection
}

// NewCollectionTarget returns a [Target] over the target collection of res.
func NewCollectionTarget(m *mongo.Client, res sel.Resource) Target {
	return &collectionTarget{coll: m.Database(res.Database).Collection(res.Collection)}
}

func (t *collectionTarget) Drop(ctx context.Context) error {
	return t.coll.Drop(ctx) //nolint:wrapcheck
}

func (t *collectionTarget) InsertMany(ctx context.Context, docs []bson.Raw) error {
	_, err := t.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))

	return err //nolint:wrapcheck
}
