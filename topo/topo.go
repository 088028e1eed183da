// Package topo holds cluster level helpers: connecting, listing namespaces,
// reading cluster time and retrying operations.
package topo

import (
	"context"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/errors"
)

var ErrNotFound = errors.New("not found")

// internal databases never migrated.
//
//nolint:gochecknoglobals
var systemDatabases = []string{"admin", "config", "local"}

// IsSystemDatabase reports whether db is one of admin, config or local.
func IsSystemDatabase(db string) bool {
	return slices.Contains(systemDatabases, db)
}

// IsSystemCollection reports whether coll is a "system." collection.
func IsSystemCollection(coll string) bool {
	return strings.HasPrefix(coll, "system.")
}

// ListDatabaseNames returns user database names sorted.
func ListDatabaseNames(ctx context.Context, m *mongo.Client) ([]string, error) {
	names, err := m.ListDatabaseNames(ctx, bson.D{{"name", bson.D{{"$nin", systemDatabases}}}})
	if err != nil {
		return nil, errors.Wrap(err, "list databases")
	}

	slices.Sort(names)

	return names, nil
}

// ListCollectionNames returns names of regular collections of db sorted.
// Views and "system." collections are excluded.
func ListCollectionNames(ctx context.Context, m *mongo.Client, db string) ([]string, error) {
	filter := bson.D{
		{"type", "collection"},
		{"name", bson.D{{"$not", bson.Regex{Pattern: `^system\.`}}}},
	}

	names, err := m.Database(db).ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, errors.Wrapf(err, "list collections %q", db)
	}

	slices.Sort(names)

	return names, nil
}

// ClusterTime returns the operation time reported by a ping against the cluster.
func ClusterTime(ctx context.Context, m *mongo.Client) (bson.Timestamp, error) {
	raw, err := m.Database("admin").RunCommand(ctx, bson.D{{"ping", 1}}).Raw()
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "ping")
	}

	t, i, ok := raw.Lookup("operationTime").TimestampOK()
	if !ok {
		return bson.Timestamp{}, errors.Wrap(ErrNotFound, "operationTime")
	}

	return bson.Timestamp{T: t, I: i}, nil
}
