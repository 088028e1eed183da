// Package oplog tails the source oplog and applies its entries to the target.
package oplog

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
)

// OpType is the "op" field of an oplog entry.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommand:
		return "command"
	case OpNoop:
		return "noop"
	}

	return "unknown(" + string(t) + ")"
}

const commandCollection = "$cmd"

// Entry is one oplog entry.
type Entry struct {
	TS bson.Timestamp `bson:"ts"`
	Op OpType         `bson:"op"`
	NS string         `bson:"ns"`
	// O is the document for an insert, the mutation for an update, the filter for
	// a delete and the command for a command.
	O bson.Raw `bson:"o"`
	// O2 is the filter of an update.
	O2 bson.Raw `bson:"o2,omitempty"`
}

// ParseEntry decodes a raw oplog document.
func ParseEntry(raw bson.Raw) (Entry, error) {
	var e Entry

	err := bson.Unmarshal(raw, &e)
	if err != nil {
		return Entry{}, errors.Wrap(err, "decode oplog entry")
	}

	return e, nil
}

// Resource returns the database and collection of the entry.
func (e *Entry) Resource() sel.Resource {
	return sel.ParseNamespace(e.NS)
}

// Database returns the database part of the namespace.
func (e *Entry) Database() string {
	db, _, _ := strings.Cut(e.NS, ".")

	return db
}

// IsCommand reports whether the entry runs on "db.$cmd".
func (e *Entry) IsCommand() bool {
	return e.Op == OpCommand
}

// CommandName returns the first key of a command entry.
func (e *Entry) CommandName() string {
	elems, err := e.O.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}

	return elems[0].Key()
}

// expandApplyOps returns the entries nested in applyOps commands in place of the
// command. A nested entry inherits the timestamp of its applyOps entry.
func expandApplyOps(entries []Entry) ([]Entry, error) {
	var rv []Entry

	for i := range entries {
		e := &entries[i]

		if !e.IsCommand() || e.CommandName() != "applyOps" {
			rv = append(rv, *e)

			continue
		}

		ops, ok := e.O.Lookup("applyOps").ArrayOK()
		if !ok {
			return nil, errors.Errorf("applyOps at %d.%d: not an array", e.TS.T, e.TS.I)
		}

		values, err := ops.Values()
		if err != nil {
			return nil, errors.Wrap(err, "applyOps")
		}

		nested := make([]Entry, 0, len(values))

		for _, v := range values {
			doc, ok := v.DocumentOK()
			if !ok {
				return nil, errors.Errorf("applyOps at %d.%d: not a document", e.TS.T, e.TS.I)
			}

			n, err := ParseEntry(doc)
			if err != nil {
				return nil, err
			}

			n.TS = e.TS
			nested = append(nested, n)
		}

		nested, err = expandApplyOps(nested)
		if err != nil {
			return nil, err
		}

		rv = append(rv, nested...)
	}

	return rv, nil
}
