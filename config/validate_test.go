package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/migrate-mongo/config"
	"github.com/percona/migrate-mongo/sel"
)

func validConfig() *config.Config {
	return &config.Config{
		Source:        "mongodb://source:27017",
		Target:        "mongodb://target:27017",
		OplogStore:    "mongodb://store:27017",
		SaveFrequency: 1,
		Clone: config.CloneConfig{
			ParallelCollections: 4,
			IDBatchSize:         5000,
			DocumentBatchSize:   1000,
		},
		Oplog: config.OplogConfig{
			BatchSize:     1000,
			FlushInterval: 5 * time.Second,
			GapInterval:   5 * time.Second,
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(cfg *config.Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(*config.Config) {},
		},
		{
			name: "port zero disables http - valid",
			modify: func(cfg *config.Config) {
				cfg.Port = 0
			},
		},
		{
			name: "port at lower bound (1025) - valid",
			modify: func(cfg *config.Config) {
				cfg.Port = 1025
			},
		},
		{
			name: "port below range (1024)",
			modify: func(cfg *config.Config) {
				cfg.Port = 1024
			},
			wantErr: "port: must be at least 1025",
		},
		{
			name: "port above range",
			modify: func(cfg *config.Config) {
				cfg.Port = 65536
			},
			wantErr: "port: must be at most 65535",
		},
		{
			name: "missing source",
			modify: func(cfg *config.Config) {
				cfg.Source = ""
			},
			wantErr: "sourceCluster: is required",
		},
		{
			name: "missing oplog store",
			modify: func(cfg *config.Config) {
				cfg.OplogStore = ""
			},
			wantErr: "oplogStore: is required",
		},
		{
			name: "invalid target uri",
			modify: func(cfg *config.Config) {
				cfg.Target = "mongodb://target:port"
			},
			wantErr: "targetCluster: must be a valid MongoDB connection string",
		},
		{
			name: "save frequency zero",
			modify: func(cfg *config.Config) {
				cfg.SaveFrequency = 0
			},
			wantErr: "saveFrequency: must be at least 1",
		},
		{
			name: "batch size zero",
			modify: func(cfg *config.Config) {
				cfg.Oplog.BatchSize = 0
			},
			wantErr: "batchSize: must be at least 1",
		},
		{
			name: "parallel collections zero",
			modify: func(cfg *config.Config) {
				cfg.Clone.ParallelCollections = 0
			},
			wantErr: "parallelCollections: must be at least 1",
		},
		{
			name: "unknown log level",
			modify: func(cfg *config.Config) {
				cfg.Log.Level = "loud"
			},
			wantErr: "logLevel",
		},
		{
			name: "filter without database",
			modify: func(cfg *config.Config) {
				cfg.BlackList = []sel.ResourceFilter{{Resource: sel.Resource{Collection: "x"}}}
			},
			wantErr: "database: is required",
		},
		{
			name: "rename to a database",
			modify: func(cfg *config.Config) {
				cfg.Renames = map[string]string{"a.b": "c"}
			},
			wantErr: "must be a namespace",
		},
		{
			name: "blacklist and whitelist",
			modify: func(cfg *config.Config) {
				cfg.OplogOnly = true
				cfg.BlackList = sel.ParseFilters([]string{"a"})
				cfg.WhiteList = sel.ParseFilters([]string{"b"})
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "whitelist without oplog only",
			modify: func(cfg *config.Config) {
				cfg.WhiteList = sel.ParseFilters([]string{"b"})
			},
			wantErr: "whiteListFilter requires oplogOnly",
		},
		{
			name: "whitelist with oplog only - valid",
			modify: func(cfg *config.Config) {
				cfg.OplogOnly = true
				cfg.WhiteList = sel.ParseFilters([]string{"b"})
			},
		},
		{
			name: "drop target with oplog only",
			modify: func(cfg *config.Config) {
				cfg.OplogOnly = true
				cfg.DropTarget = true
			},
			wantErr: "dropTarget is incompatible with oplogOnly",
		},
		{
			name: "identical source and target",
			modify: func(cfg *config.Config) {
				cfg.Target = cfg.Source
			},
			wantErr: "identical",
		},
		{
			name: "identical source and target with renames - valid",
			modify: func(cfg *config.Config) {
				cfg.Target = cfg.Source
				cfg.Renames = map[string]string{"a.b": "a.c"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
