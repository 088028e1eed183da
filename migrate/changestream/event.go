// Package changestream replicates from a cluster-wide change stream. Events become the
// same write operations the oplog writer applies.
package changestream

import (
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/migrate/oplog"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
)

//nolint:gochecknoglobals
var yes = true // for ref

// OperationType is the "operationType" of a change event.
type OperationType string

const (
	Insert  OperationType = "insert"
	Update  OperationType = "update"
	Replace OperationType = "replace"
	Delete  OperationType = "delete"
	Drop    OperationType = "drop"
)

// Namespace is the "ns" field of a change event.
type Namespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

// Event is a change event.
type Event struct {
	OperationType OperationType  `bson:"operationType"`
	ClusterTime   bson.Timestamp `bson:"clusterTime"`
	NS            Namespace      `bson:"ns"`
	DocumentKey   bson.Raw       `bson:"documentKey,omitempty"`
	// FullDocument is null for an update of a document deleted since.
	FullDocument bson.RawValue `bson:"fullDocument,omitempty"`
}

// ParseEvent decodes a raw change event.
func ParseEvent(raw bson.Raw) (Event, error) {
	var e Event

	err := bson.Unmarshal(raw, &e)
	if err != nil {
		return Event{}, errors.Wrap(err, "decode change event")
	}

	return e, nil
}

func (e *Event) Resource() sel.Resource {
	return sel.NewResource(e.NS.Database, e.NS.Collection)
}

// errUnsupportedEvent marks events with no write to apply.
var errUnsupportedEvent = errors.New("unsupported change event")

// ToOp maps the event to a write operation. It returns false for events that are
// skipped: updates of documents deleted since and events on internal namespaces.
func ToOp(e *Event) (oplog.Op, bool, error) {
	op := oplog.Op{TS: e.ClusterTime, NS: e.Resource()}

	if topo.IsSystemDatabase(e.NS.Database) || topo.IsSystemCollection(e.NS.Collection) {
		return op, false, nil
	}

	switch e.OperationType {
	case Insert, Update, Replace:
		doc, ok := e.FullDocument.DocumentOK()
		if !ok {
			return op, false, nil
		}

		op.Model = &mongo.ReplaceOneModel{
			Filter:      bson.D{{"_id", doc.Lookup("_id")}},
			Replacement: doc,
			Upsert:      &yes,
		}

	case Delete:
		id, err := e.DocumentKey.LookupErr("_id")
		if err != nil {
			return op, false, errors.Wrap(err, "documentKey")
		}

		op.Model = &mongo.DeleteOneModel{Filter: bson.D{{"_id", id}}}

	case Drop:
		cmd, err := bson.Marshal(bson.D{{"drop", e.NS.Collection}})
		if err != nil {
			return op, false, errors.Wrap(err, "drop")
		}

		op.Command = &oplog.Command{Database: e.NS.Database, O: cmd}

	default:
		return op, false, errors.Wrap(errUnsupportedEvent, string(e.OperationType))
	}

	return op, true, nil
}
