package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/migrate-mongo/config"
	"github.com/percona/migrate-mongo/sel"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{Use: "migrate-mongo"}
	config.AddFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))

	return cmd
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const sampleConfig = `{
	"sourceCluster": "source-a:27017,source-b:27017/?replicaSet=rs0",
	"targetCluster": "mongodb://target:27017",
	"oplogStore": "store:27017",
	"dropTarget": true,
	"blackListFilter": [
		{"database": "shop", "collection": "temp"},
		{"database": "logs", "collection": "{}", "filterExpression": "{}"}
	],
	"renameNamespaces": {
		"Shop.Orders": "Archive.Orders2019"
	},
	"saveFrequency": 3,
	"batchSize": 500,
	"flushInterval": "2s"
}`

func TestLoadFile(t *testing.T) {
	t.Parallel()

	cmd := newCommand(t, "--config", writeConfigFile(t, sampleConfig))

	cfg, err := config.Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://source-a:27017,source-b:27017/?replicaSet=rs0", cfg.Source)
	assert.Equal(t, "mongodb://target:27017", cfg.Target)
	assert.Equal(t, "mongodb://store:27017", cfg.OplogStore)
	assert.True(t, cfg.DropTarget)
	assert.Equal(t, 3, cfg.SaveFrequency)
	assert.Equal(t, 500, cfg.Oplog.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Oplog.FlushInterval)
	assert.Equal(t, config.DefaultGapInterval, cfg.Oplog.GapInterval)
	assert.Equal(t, config.DefaultParallelCollections, cfg.Clone.ParallelCollections)

	require.Len(t, cfg.BlackList, 2)
	assert.Equal(t, sel.NewResource("shop", "temp"), cfg.BlackList[0].Resource)
	assert.True(t, cfg.BlackList[1].IsEntireDatabase())
	assert.Equal(t, "{}", cfg.BlackList[1].FilterExpression)

	assert.Equal(t, map[string]string{"Shop.Orders": "Archive.Orders2019"}, cfg.Renames)
	assert.Equal(t, "source-a:27017,source-b:27017", cfg.ReaderName)

	require.NoError(t, config.Validate(cfg))
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	cmd := newCommand(t,
		"--config", writeConfigFile(t, sampleConfig),
		"--save-frequency", "7",
		"--reader", "custom",
		"--exclude", "tmp.*,cache.items",
		"--rename", "a.b=c.d",
	)

	cfg, err := config.Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.SaveFrequency)
	assert.Equal(t, "custom", cfg.ReaderName)
	require.Len(t, cfg.BlackList, 4)
	assert.Equal(t, sel.NewResource("tmp", sel.EntireDatabase), cfg.BlackList[2].Resource)
	assert.Equal(t, sel.NewResource("cache", "items"), cfg.BlackList[3].Resource)
	assert.Equal(t, "c.d", cfg.Renames["a.b"])
	assert.Equal(t, "Archive.Orders2019", cfg.Renames["Shop.Orders"])
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(newCommand(t))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultSaveFrequency, cfg.SaveFrequency)
	assert.Equal(t, config.DefaultBatchSize, cfg.Oplog.BatchSize)
	assert.Equal(t, config.DefaultFlushInterval, cfg.Oplog.FlushInterval)
	assert.Equal(t, config.DefaultMongoDBOperationTimeout, cfg.MongoDB.OperationTimeout)
	assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level)
	assert.Empty(t, cfg.Renames)

	err = config.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sourceCluster: is required")
}

func TestLoadEnv(t *testing.T) { //nolint:paralleltest
	t.Setenv("MIGRATE_MONGO_SOURCE", "env-source:27017")
	t.Setenv("MIGRATE_MONGO_BATCH_SIZE", "42")
	t.Setenv("MIGRATE_MONGO_INCLUDE", "a.b,c")

	cfg, err := config.Load(newCommand(t))
	require.NoError(t, err)

	assert.Equal(t, "mongodb://env-source:27017", cfg.Source)
	assert.Equal(t, 42, cfg.Oplog.BatchSize)
	require.Len(t, cfg.WhiteList, 2)
	assert.Equal(t, "a.b", cfg.WhiteList[0].Namespace())
	assert.Equal(t, "c", cfg.WhiteList[1].Namespace())
}

func TestLoadInvalidRename(t *testing.T) {
	t.Parallel()

	_, err := config.Load(newCommand(t, "--rename", "a.b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected old=new")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(newCommand(t, "--config", filepath.Join(t.TempDir(), "nope.json")))
	require.Error(t, err)
}
