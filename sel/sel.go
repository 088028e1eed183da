// Package sel selects which namespaces take part in a migration and where they land.
package sel

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/percona/migrate-mongo/log"
)

// filterMap groups filters by database name. A nil list selects the entire database.
type filterMap map[string][]string

func (f filterMap) HasDatabase(db string) bool {
	list, ok := f[db]

	return ok && list == nil
}

func (f filterMap) Has(db, coll string) bool {
	list, ok := f[db]
	if !ok {
		return false // the db is not listed
	}

	if list == nil {
		return true // all namespaces of the database are listed
	}

	return slices.Contains(list, coll) // only if explicitly listed
}

func makeFilterMap(filters []ResourceFilter) filterMap {
	m := make(filterMap)

	for _, f := range filters {
		l, ok := m[f.Database]
		if ok && l == nil {
			// the entire database is already listed
			continue
		}

		if f.IsEntireDatabase() {
			m[f.Database] = nil

			continue
		}

		m[f.Database] = append(l, f.Collection)
	}

	return m
}

// NamespaceFilter decides whether a namespace is migrated. Decisions are memoized for
// the lifetime of the filter.
type NamespaceFilter struct {
	blacklist filterMap
	whitelist filterMap

	mu    sync.Mutex
	cache map[string]bool
}

// NewNamespaceFilter builds a filter. A non-empty whitelist switches the filter to
// whitelist mode where only listed namespaces are allowed.
func NewNamespaceFilter(blacklist, whitelist []ResourceFilter) *NamespaceFilter {
	return &NamespaceFilter{
		blacklist: makeFilterMap(blacklist),
		whitelist: makeFilterMap(whitelist),
		cache:     make(map[string]bool),
	}
}

// IsAllowed reports whether the "db.coll" namespace is migrated.
func (f *NamespaceFilter) IsAllowed(ns string) bool {
	if f == nil {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	allowed, ok := f.cache[ns]
	if !ok {
		db, coll, _ := strings.Cut(ns, ".")
		allowed = f.allow(db, coll)
		f.cache[ns] = allowed
	}

	return allowed
}

func (f *NamespaceFilter) allow(db, coll string) bool {
	if len(f.whitelist) != 0 {
		return f.whitelist.Has(db, coll)
	}

	return !f.blacklist.Has(db, coll)
}

// AllowDatabase reports whether any collection of db may be migrated.
func (f *NamespaceFilter) AllowDatabase(db string) bool {
	if f == nil {
		return true
	}

	allowed := !f.blacklist.HasDatabase(db)
	if len(f.whitelist) != 0 {
		_, allowed = f.whitelist[db]
	}

	if !allowed {
		log.New("sel").Info(f.skipMessage("database", db))
	}

	return allowed
}

// AllowResource reports whether the collection resource is migrated.
func (f *NamespaceFilter) AllowResource(res Resource) bool {
	if f.IsAllowed(res.Namespace()) {
		return true
	}

	log.New("sel").Info(f.skipMessage("collection", res.Namespace()))

	return false
}

func (f *NamespaceFilter) skipMessage(kind, name string) string {
	if f != nil && len(f.whitelist) != 0 {
		return "Skipping " + kind + ": " + name + "; As it is not white listed in configuration"
	}

	return "Skipping " + kind + ": " + name + "; As it is marked as black listed in configuration"
}

// WhitelistNamespaces returns the explicitly whitelisted "db.coll" namespaces sorted.
// Databases whitelisted as a whole are returned by [NamespaceFilter.WhitelistDatabases].
func (f *NamespaceFilter) WhitelistNamespaces() []string {
	if f == nil {
		return nil
	}

	var nss []string

	for db, colls := range f.whitelist {
		for _, coll := range colls {
			nss = append(nss, db+"."+coll)
		}
	}

	sort.Strings(nss)

	return nss
}

// WhitelistDatabases returns databases whitelisted as a whole, sorted.
func (f *NamespaceFilter) WhitelistDatabases() []string {
	if f == nil {
		return nil
	}

	var dbs []string

	for db, colls := range f.whitelist {
		if colls == nil {
			dbs = append(dbs, db)
		}
	}

	sort.Strings(dbs)

	return dbs
}
