package tracker

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
)

// Checkpoint is a persisted tracker document.
type Checkpoint struct {
	Tracker  string
	Reader   string
	Resource sel.Resource
	Position string
}

type collectionCheckpoint struct {
	Reader     string        `bson:"reader"`
	Database   string        `bson:"database"`
	Collection string        `bson:"collection"`
	LatestID   bson.RawValue `bson:"latest_id"`
}

type oplogCheckpoint struct {
	Reader string         `bson:"reader"`
	TS     bson.Timestamp `bson:"ts"`
}

// List returns the checkpoints stored on the oplog store. An empty reader lists all.
func List(ctx context.Context, store *mongo.Client, reader string) ([]Checkpoint, error) {
	filter := bson.D{}
	if reader != "" {
		filter = bson.D{{"reader", reader}}
	}

	var rv []Checkpoint

	oplogCur, err := trackerCollection(store, OplogTrackerName).Find(ctx, filter,
		options.Find().SetSort(bson.D{{"reader", 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find oplog checkpoints")
	}

	var oplogDocs []oplogCheckpoint

	err = oplogCur.All(ctx, &oplogDocs)
	if err != nil {
		return nil, errors.Wrap(err, "read oplog checkpoints")
	}

	for _, doc := range oplogDocs {
		rv = append(rv, Checkpoint{
			Tracker:  OplogTrackerName,
			Reader:   doc.Reader,
			Position: FormatTimestamp(doc.TS),
		})
	}

	collCur, err := trackerCollection(store, CollectionsTrackerName).Find(ctx, filter,
		options.Find().SetSort(bson.D{{"reader", 1}, {"database", 1}, {"collection", 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find collection checkpoints")
	}

	var collDocs []collectionCheckpoint

	err = collCur.All(ctx, &collDocs)
	if err != nil {
		return nil, errors.Wrap(err, "read collection checkpoints")
	}

	for _, doc := range collDocs {
		rv = append(rv, Checkpoint{
			Tracker:  CollectionsTrackerName,
			Reader:   doc.Reader,
			Resource: sel.NewResource(doc.Database, doc.Collection),
			Position: doc.LatestID.String(),
		})
	}

	return rv, nil
}

// FormatTimestamp renders ts as "T.I".
func FormatTimestamp(ts bson.Timestamp) string {
	return fmt.Sprintf("%d.%d", ts.T, ts.I)
}
