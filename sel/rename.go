package sel

import (
	"slices"
	"strings"
)

// Renamer maps source namespaces to target namespaces.
type Renamer struct {
	table map[string]string
}

// NewRenamer returns a renamer over the "db.coll" to "db.coll" table.
func NewRenamer(table map[string]string) *Renamer {
	m := make(map[string]string, len(table))
	for from, to := range table {
		m[from] = to
	}

	return &Renamer{table: m}
}

// MapNamespace returns the target namespace for ns. Unmapped namespaces pass through.
// The lookup is single level: a mapped result is never mapped again.
func (r *Renamer) MapNamespace(ns string) string {
	if r == nil {
		return ns
	}

	if to, ok := r.table[ns]; ok {
		return to
	}

	return ns
}

// MapResource returns the target resource for a collection resource.
func (r *Renamer) MapResource(res Resource) Resource {
	if res.IsEntireDatabase() {
		return res
	}

	return ParseNamespace(r.MapNamespace(res.Namespace()))
}

// MovedOut returns the target namespaces of rules moving a collection of db into
// another database, sorted.
func (r *Renamer) MovedOut(db string) []string {
	if r == nil {
		return nil
	}

	var rv []string

	for from, to := range r.table {
		src, _, _ := strings.Cut(from, ".")
		dst, _, _ := strings.Cut(to, ".")

		if src == db && dst != db {
			rv = append(rv, to)
		}
	}

	slices.Sort(rv)

	return rv
}

// Len returns the number of rename rules.
func (r *Renamer) Len() int {
	if r == nil {
		return 0
	}

	return len(r.table)
}
