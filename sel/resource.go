package sel

import (
	"fmt"
	"strings"
)

// EntireDatabase is the collection name that selects every collection of a database.
const EntireDatabase = "{}"

// Resource identifies a database and a collection, or an entire database.
type Resource struct {
	Database   string `bson:"database"   json:"database"   mapstructure:"database" validate:"required"`
	Collection string `bson:"collection" json:"collection" mapstructure:"collection"`
}

func NewResource(db, coll string) Resource {
	if coll == "" {
		coll = EntireDatabase
	}

	return Resource{Database: db, Collection: coll}
}

// ParseNamespace builds a resource from "db.coll". A namespace without a dot, or with
// a "*" or "{}" collection part, selects the entire database.
func ParseNamespace(ns string) Resource {
	db, coll, _ := strings.Cut(ns, ".")
	if coll == "*" {
		coll = EntireDatabase
	}

	return NewResource(db, coll)
}

func (r Resource) IsEntireDatabase() bool {
	return r.Collection == EntireDatabase || r.Collection == ""
}

// Namespace returns "db.coll", or "db" for an entire database.
func (r Resource) Namespace() string {
	if r.IsEntireDatabase() {
		return r.Database
	}

	return r.Database + "." + r.Collection
}

func (r Resource) String() string {
	return fmt.Sprintf("{ database: %q, collection: %q }", r.Database, r.Collection)
}

// ResourceFilter is a resource with an optional filter expression.
type ResourceFilter struct {
	Resource `bson:",inline" mapstructure:",squash"`

	FilterExpression string `bson:"filterExpression,omitempty" json:"filterExpression,omitempty" mapstructure:"filterExpression"` //nolint:lll
}

func (f ResourceFilter) String() string {
	return fmt.Sprintf("{ database: %q, collection: %q, filterExpression: %q }",
		f.Database, f.Collection, f.FilterExpression)
}

// ParseFilters turns "db", "db.*" and "db.coll" patterns into resource filters.
func ParseFilters(patterns []string) []ResourceFilter {
	filters := make([]ResourceFilter, 0, len(patterns))

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		filters = append(filters, ResourceFilter{Resource: ParseNamespace(p)})
	}

	return filters
}
