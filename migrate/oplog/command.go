package oplog

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
)

// commands recorded in the oplog that have no effect to replay.
//
//nolint:gochecknoglobals
var ignoredCommands = map[string]struct{}{
	"startIndexBuild":    {},
	"abortIndexBuild":    {},
	"commitTransaction":  {},
	"abortTransaction":   {},
	"prepareTransaction": {},
	"endSessions":        {},
}

// targetCommand is a command ready to run on the target, followed by the commands
// in Then.
type targetCommand struct {
	Database string
	Command  bson.D
	Then     []*targetCommand
}

// commandTranslator rewrites the collection names of a command through the renamer.
// A nil result means the command is skipped.
type commandTranslator struct {
	filter  *sel.NamespaceFilter
	renamer *sel.Renamer
}

func (t *commandTranslator) translate(cmd *Command) (*targetCommand, error) {
	elems, err := cmd.O.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "command")
	}

	if len(elems) == 0 {
		return nil, errors.New("empty command")
	}

	name := elems[0].Key()

	if _, ok := ignoredCommands[name]; ok {
		return nil, nil
	}

	switch name {
	case "renameCollection":
		return t.renameCollection(cmd)
	case "dropDatabase":
		if !t.filter.IsAllowed(cmd.Database) {
			return nil, nil
		}

		return t.dropDatabase(cmd.Database), nil
	}

	coll, ok := elems[0].Value().StringValueOK()
	if !ok {
		// not collection scoped
		if !t.filter.IsAllowed(cmd.Database) {
			return nil, nil
		}

		return &targetCommand{Database: cmd.Database, Command: toD(elems)}, nil
	}

	res := sel.NewResource(cmd.Database, coll)
	if !t.filter.IsAllowed(res.Namespace()) {
		return nil, nil
	}

	target := t.renamer.MapResource(res)

	switch name {
	case "createIndexes":
		return &targetCommand{
			Database: target.Database,
			Command:  createIndexesFromSpec(target.Collection, elems[1:]),
		}, nil

	case "commitIndexBuild":
		indexes, err := cmd.O.LookupErr("indexes")
		if err != nil {
			return nil, errors.Wrap(err, "commitIndexBuild indexes")
		}

		return &targetCommand{
			Database: target.Database,
			Command:  bson.D{{"createIndexes", target.Collection}, {"indexes", indexes}},
		}, nil
	}

	rv := make(bson.D, 0, len(elems))
	rv = append(rv, bson.E{name, target.Collection})

	for _, el := range elems[1:] {
		if name == "create" && el.Key() == "idIndex" {
			rv = append(rv, bson.E{"idIndex", withIndexNamespace(el.Value(), target.Namespace())})

			continue
		}

		rv = append(rv, bson.E{el.Key(), el.Value()})
	}

	return &targetCommand{Database: target.Database, Command: rv}, nil
}

// dropDatabase also drops the collections renamed out of db into other databases.
func (t *commandTranslator) dropDatabase(db string) *targetCommand {
	rv := &targetCommand{Database: db, Command: bson.D{{"dropDatabase", 1}}}

	for _, ns := range t.renamer.MovedOut(db) {
		target := sel.ParseNamespace(ns)
		rv.Then = append(rv.Then, &targetCommand{
			Database: target.Database,
			Command:  bson.D{{"drop", target.Collection}},
		})
	}

	return rv
}

// renameCollection runs on admin with full namespaces.
func (t *commandTranslator) renameCollection(cmd *Command) (*targetCommand, error) {
	from, ok := cmd.O.Lookup("renameCollection").StringValueOK()
	if !ok {
		return nil, errors.New("renameCollection: missing source namespace")
	}

	to, ok := cmd.O.Lookup("to").StringValueOK()
	if !ok {
		return nil, errors.New("renameCollection: missing target namespace")
	}

	if !t.filter.IsAllowed(from) {
		return nil, nil
	}

	rv := bson.D{
		{"renameCollection", t.renamer.MapNamespace(from)},
		{"to", t.renamer.MapNamespace(to)},
	}

	if dropTarget, ok := cmd.O.Lookup("dropTarget").BooleanOK(); ok {
		rv = append(rv, bson.E{"dropTarget", dropTarget})
	}

	return &targetCommand{Database: "admin", Command: rv}, nil
}

// createIndexesFromSpec turns the oplog form {createIndexes: coll, key, name, ...}
// into the command form {createIndexes: coll, indexes: [{key, name, ...}]}.
func createIndexesFromSpec(coll string, spec []bson.RawElement) bson.D {
	index := make(bson.D, 0, len(spec))
	for _, el := range spec {
		index = append(index, bson.E{el.Key(), el.Value()})
	}

	return bson.D{{"createIndexes", coll}, {"indexes", bson.A{index}}}
}

func withIndexNamespace(v bson.RawValue, ns string) any {
	doc, ok := v.DocumentOK()
	if !ok {
		return v
	}

	elems, err := doc.Elements()
	if err != nil {
		return v
	}

	rv := make(bson.D, 0, len(elems))
	for _, el := range elems {
		if el.Key() == "ns" {
			rv = append(rv, bson.E{"ns", ns})

			continue
		}

		rv = append(rv, bson.E{el.Key(), el.Value()})
	}

	return rv
}

func toD(elems []bson.RawElement) bson.D {
	rv := make(bson.D, len(elems))
	for i, el := range elems {
		rv[i] = bson.E{el.Key(), el.Value()}
	}

	return rv
}

// String renders the command for logs.
func (c *targetCommand) String() string {
	var sb strings.Builder

	sb.WriteString(c.Database)
	sb.WriteString(": ")

	raw, err := bson.Marshal(c.Command)
	if err != nil {
		sb.WriteString(err.Error())
	} else {
		sb.WriteString(bson.Raw(raw).String())
	}

	return sb.String()
}
