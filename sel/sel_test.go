package sel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/migrate-mongo/sel"
)

func TestFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		blacklist      []string
		whitelist      []string
		testNamespaces map[string]map[string]bool
	}{
		{
			name: "no filters - allow all",
			testNamespaces: map[string]map[string]bool{
				"any_db": {
					"any_coll": true,
				},
				"another_db": {
					"some_coll": true,
				},
			},
		},
		{
			name:      "blacklist entire database and one collection",
			blacklist: []string{"a.{}", "b.x"},
			testNamespaces: map[string]map[string]bool{
				"a": {
					"x": false,
					"y": false,
					"z": false,
				},
				"b": {
					"x": false,
					"y": true,
				},
				"c": {
					"x": true,
				},
			},
		},
		{
			name:      "blacklist wildcard and bare database",
			blacklist: []string{"db_0.*", "db_1", "db_2.coll_0"},
			testNamespaces: map[string]map[string]bool{
				"db_0": {
					"coll_0": false,
				},
				"db_1": {
					"coll_0": false,
				},
				"db_2": {
					"coll_0": false,
					"coll_1": true,
				},
			},
		},
		{
			name:      "whitelist",
			whitelist: []string{"db_0.*", "db_1.coll_0", "db_1.coll_1"},
			testNamespaces: map[string]map[string]bool{
				"db_0": {
					"coll_0": true,
					"coll_1": true,
				},
				"db_1": {
					"coll_0": true,
					"coll_1": true,
					"coll_2": false,
				},
				"db_2": {
					"coll_0": false,
				},
			},
		},
		{
			name:      "collection name with dots",
			whitelist: []string{"mydb.coll.with.dots"},
			testNamespaces: map[string]map[string]bool{
				"mydb": {
					"coll.with.dots": true,
					"coll":           false,
				},
				"coll": {
					"with": false,
				},
			},
		},
		{
			name:      "case sensitive",
			blacklist: []string{"DB.*", "db.COLLECTION"},
			testNamespaces: map[string]map[string]bool{
				"DB": {
					"coll": false,
				},
				"db": {
					"COLLECTION": false,
					"collection": true,
				},
				"Db": {
					"coll": true,
				},
			},
		},
		{
			name:      "database listed before and after wildcard",
			blacklist: []string{"db.specific", "db.*", "db.other"},
			testNamespaces: map[string]map[string]bool{
				"db": {
					"coll1":    false,
					"specific": false,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filter := sel.NewNamespaceFilter(sel.ParseFilters(tt.blacklist), sel.ParseFilters(tt.whitelist))

			for db, colls := range tt.testNamespaces {
				for coll, expected := range colls {
					ns := db + "." + coll
					assert.Equal(t, expected, filter.IsAllowed(ns), ns)
					// memoized decision is stable
					assert.Equal(t, expected, filter.IsAllowed(ns), ns)
				}
			}
		})
	}
}

func TestNilFilterAllowsAll(t *testing.T) {
	t.Parallel()

	var filter *sel.NamespaceFilter

	assert.True(t, filter.IsAllowed("a.b"))
	assert.True(t, filter.AllowDatabase("a"))
	assert.Empty(t, filter.WhitelistNamespaces())
}

func TestAllowDatabase(t *testing.T) {
	t.Parallel()

	blacklist := sel.NewNamespaceFilter(sel.ParseFilters([]string{"a", "b.x"}), nil)
	assert.False(t, blacklist.AllowDatabase("a"))
	assert.True(t, blacklist.AllowDatabase("b"))
	assert.True(t, blacklist.AllowDatabase("c"))

	whitelist := sel.NewNamespaceFilter(nil, sel.ParseFilters([]string{"a", "b.x"}))
	assert.True(t, whitelist.AllowDatabase("a"))
	assert.True(t, whitelist.AllowDatabase("b"))
	assert.False(t, whitelist.AllowDatabase("c"))
}

func TestAllowResource(t *testing.T) {
	t.Parallel()

	filter := sel.NewNamespaceFilter(sel.ParseFilters([]string{"shop.temp"}), nil)

	assert.True(t, filter.AllowResource(sel.NewResource("shop", "orders")))
	assert.False(t, filter.AllowResource(sel.NewResource("shop", "temp")))
}

func TestWhitelistNamespaces(t *testing.T) {
	t.Parallel()

	filter := sel.NewNamespaceFilter(nil, sel.ParseFilters([]string{"b.y", "a", "b.x"}))

	assert.Equal(t, []string{"b.x", "b.y"}, filter.WhitelistNamespaces())
	assert.Equal(t, []string{"a"}, filter.WhitelistDatabases())
}

func TestParseNamespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ns       string
		want     sel.Resource
		entireDB bool
		wantNS   string
	}{
		{"shop.orders", sel.Resource{Database: "shop", Collection: "orders"}, false, "shop.orders"},
		{"shop", sel.Resource{Database: "shop", Collection: sel.EntireDatabase}, true, "shop"},
		{"shop.*", sel.Resource{Database: "shop", Collection: sel.EntireDatabase}, true, "shop"},
		{"shop.{}", sel.Resource{Database: "shop", Collection: sel.EntireDatabase}, true, "shop"},
		{"shop.a.b", sel.Resource{Database: "shop", Collection: "a.b"}, false, "shop.a.b"},
	}

	for _, tt := range tests {
		t.Run(tt.ns, func(t *testing.T) {
			t.Parallel()

			res := sel.ParseNamespace(tt.ns)
			require.Equal(t, tt.want, res)
			assert.Equal(t, tt.entireDB, res.IsEntireDatabase())
			assert.Equal(t, tt.wantNS, res.Namespace())
		})
	}
}

func TestRenamer(t *testing.T) {
	t.Parallel()

	r := sel.NewRenamer(map[string]string{
		"a.b": "c.d",
		"c.d": "e.f",
	})

	// "c.d" is mapped too, but a.b stops at the first hop
	assert.Equal(t, "c.d", r.MapNamespace("a.b"))
	assert.Equal(t, "e.f", r.MapNamespace("c.d"))
	assert.Equal(t, "x.y", r.MapNamespace("x.y"))

	assert.Equal(t, sel.NewResource("c", "d"), r.MapResource(sel.NewResource("a", "b")))
	assert.Equal(t, sel.NewResource("a", sel.EntireDatabase), r.MapResource(sel.NewResource("a", "")))

	assert.Equal(t, []string{"c.d"}, r.MovedOut("a"))
	assert.Empty(t, r.MovedOut("x"))

	var nilRenamer *sel.Renamer
	assert.Equal(t, "a.b", nilRenamer.MapNamespace("a.b"))
	assert.Empty(t, nilRenamer.MovedOut("a"))
}
