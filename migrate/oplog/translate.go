package oplog

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
)

//nolint:gochecknoglobals
var yes = true // for ref

// errNeedsLookup marks an update that cannot be replayed from its diff.
var errNeedsLookup = errors.New("update requires the source document")

// Op is a translated write on one source namespace.
type Op struct {
	TS bson.Timestamp
	NS sel.Resource

	// Model is the write applied to the renamed target collection.
	Model mongo.WriteModel
	// Lookup is the filter of an update resolved by reading the source document.
	Lookup bson.Raw
	// Command is an administrative command run against the target database.
	Command *Command
}

// Command is a command entry of the oplog.
type Command struct {
	Database string
	O        bson.Raw
}

// Translate turns oplog entries into write operations. applyOps commands are expanded.
// No-op entries and entries of internal databases or system collections are dropped.
func Translate(entries []Entry) ([]Op, error) {
	entries, err := expandApplyOps(entries)
	if err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		if e.Op == OpNoop || skipNamespace(e) {
			continue
		}

		op, ok, err := translate(e)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s at %d.%d", e.Op, e.NS, e.TS.T, e.TS.I)
		}

		if ok {
			ops = append(ops, op)
		}
	}

	return ops, nil
}

func skipNamespace(e *Entry) bool {
	if e.IsCommand() && e.CommandName() == "renameCollection" {
		from, _ := e.O.Lookup("renameCollection").StringValueOK()
		db, _, _ := strings.Cut(from, ".")

		return topo.IsSystemDatabase(db)
	}

	if topo.IsSystemDatabase(e.Database()) {
		return true
	}

	res := e.Resource()

	return res.Collection != commandCollection && topo.IsSystemCollection(res.Collection)
}

func translate(e *Entry) (Op, bool, error) {
	op := Op{TS: e.TS, NS: e.Resource()}

	switch e.Op {
	case OpInsert:
		m, err := translateInsert(e)
		if err != nil {
			return op, false, err
		}

		op.Model = m

	case OpUpdate:
		m, err := translateUpdate(e)
		if errors.Is(err, errNeedsLookup) {
			op.Lookup = e.O2

			return op, true, nil
		}

		if err != nil {
			return op, false, err
		}

		if m == nil {
			return op, false, nil
		}

		op.Model = m

	case OpDelete:
		op.Model = translateDelete(e)

	case OpCommand:
		op.Command = &Command{Database: e.Database(), O: e.O}

	case OpNoop:
		return op, false, nil

	default:
		return op, false, errors.ErrUnsupportedOperation
	}

	return op, true, nil
}

// insert is replayed as an upsert so an entry applied twice converges.
func translateInsert(e *Entry) (mongo.WriteModel, error) {
	id, err := e.O.LookupErr("_id")
	if err != nil {
		return nil, errors.Wrap(err, "_id")
	}

	return &mongo.ReplaceOneModel{
		Filter:      bson.D{{"_id", id}},
		Replacement: e.O,
		Upsert:      &yes,
	}, nil
}

func translateDelete(e *Entry) mongo.WriteModel {
	return &mongo.DeleteOneModel{Filter: e.O}
}

// translateUpdate returns nil for an update without changes.
func translateUpdate(e *Entry) (mongo.WriteModel, error) {
	if len(e.O2) == 0 {
		return nil, errors.New("missing o2")
	}

	elems, err := e.O.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "o")
	}

	mutation := make(bson.D, 0, len(elems))
	operators := true

	var diff bson.Raw

	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "$v":
			continue
		case key == "diff":
			doc, ok := el.Value().DocumentOK()
			if !ok {
				return nil, errors.New("diff is not a document")
			}

			diff = doc

			continue
		}

		if !strings.HasPrefix(key, "$") {
			operators = false
		}

		mutation = append(mutation, bson.E{key, el.Value()})
	}

	if diff != nil {
		update, err := diffToUpdate(diff)
		if err != nil {
			return nil, err
		}

		if len(update) == 0 {
			return nil, nil
		}

		return &mongo.UpdateOneModel{Filter: e.O2, Update: update}, nil
	}

	if len(mutation) == 0 {
		return nil, nil
	}

	if operators {
		return &mongo.UpdateOneModel{Filter: e.O2, Update: mutation}, nil
	}

	return &mongo.ReplaceOneModel{Filter: e.O2, Replacement: mutation}, nil
}

// diffToUpdate converts a "$v: 2" update diff into $set and $unset operators.
func diffToUpdate(diff bson.Raw) (bson.D, error) {
	var set, unset bson.D

	err := walkDiff("", diff, &set, &unset)
	if err != nil {
		return nil, err
	}

	update := make(bson.D, 0, 2) //nolint:mnd
	if len(set) != 0 {
		update = append(update, bson.E{"$set", set})
	}

	if len(unset) != 0 {
		update = append(update, bson.E{"$unset", unset})
	}

	return update, nil
}

func walkDiff(prefix string, diff bson.Raw, set, unset *bson.D) error {
	elems, err := diff.Elements()
	if err != nil {
		return errors.Wrap(err, "diff")
	}

	if _, err := diff.LookupErr("a"); err == nil {
		return walkArrayDiff(prefix, elems, set, unset)
	}

	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "u" || key == "i":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errNeedsLookup
			}

			values, err := fields.Elements()
			if err != nil {
				return errors.Wrap(err, "diff "+key)
			}

			for _, f := range values {
				*set = append(*set, bson.E{prefix + f.Key(), f.Value()})
			}

		case key == "d":
			fields, ok := el.Value().DocumentOK()
			if !ok {
				return errNeedsLookup
			}

			values, err := fields.Elements()
			if err != nil {
				return errors.Wrap(err, "diff d")
			}

			for _, f := range values {
				*unset = append(*unset, bson.E{prefix + f.Key(), ""})
			}

		case strings.HasPrefix(key, "s") && len(key) > 1:
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errNeedsLookup
			}

			err := walkDiff(prefix+key[1:]+".", sub, set, unset)
			if err != nil {
				return err
			}

		default:
			return errNeedsLookup
		}
	}

	return nil
}

// walkArrayDiff handles {a: true, u<idx>: value, s<idx>: diff}. A resize ("l") has
// no $set/$unset form.
func walkArrayDiff(prefix string, elems []bson.RawElement, set, unset *bson.D) error {
	for _, el := range elems {
		key := el.Key()

		switch {
		case key == "a":
			continue
		case strings.HasPrefix(key, "u") && len(key) > 1:
			*set = append(*set, bson.E{prefix + key[1:], el.Value()})
		case strings.HasPrefix(key, "s") && len(key) > 1:
			sub, ok := el.Value().DocumentOK()
			if !ok {
				return errNeedsLookup
			}

			err := walkDiff(prefix+key[1:]+".", sub, set, unset)
			if err != nil {
				return err
			}

		default:
			return errNeedsLookup
		}
	}

	return nil
}
