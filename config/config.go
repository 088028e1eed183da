// Package config provides configuration management for the migrator using Viper.
package config

import (
	"encoding/json"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MIGRATE_MONGO"

// flag name to configuration key.
//
//nolint:gochecknoglobals
var flagKeys = map[string]string{
	"source":                    "sourceCluster",
	"target":                    "targetCluster",
	"oplog-store":               "oplogStore",
	"drop-target":               "dropTarget",
	"oplog-only":                "oplogOnly",
	"changestream":              "changestream",
	"reader":                    "readerName",
	"save-frequency":            "saveFrequency",
	"port":                      "port",
	"log-level":                 "logLevel",
	"log-json":                  "logJSON",
	"log-no-color":              "logNoColor",
	"mongodb-operation-timeout": "operationTimeout",
	"parallel-collections":      "parallelCollections",
	"id-batch-size":             "idBatchSize",
	"document-batch-size":       "documentBatchSize",
	"batch-size":                "batchSize",
	"flush-interval":            "flushInterval",
	"gap-interval":              "gapInterval",
	"exclude":                   "exclude",
	"include":                   "include",
	"rename":                    "rename",
}

// AddFlags registers the persistent configuration flags and the migration flags on cmd.
func AddFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()

	pf.String("config", "", "Path to a JSON configuration file")

	pf.String("log-level", DefaultLogLevel, "Log level")
	pf.Bool("log-json", false, "Output log in JSON format")
	pf.Bool("log-no-color", false, "Disable log color")

	pf.String("mongodb-operation-timeout", DefaultMongoDBOperationTimeout.String(),
		"Timeout for MongoDB operations (e.g., 30s, 5m)")

	pf.String("oplog-store", "", "MongoDB connection string of the checkpoint store")
	pf.String("reader", "", "Reader name keying the checkpoints (default: source hosts)")

	AddRunFlags(cmd)
}

// AddRunFlags registers the migration flags local to cmd.
func AddRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.String("source", "", "MongoDB connection string for the source")
	f.String("target", "", "MongoDB connection string for the target")
	f.Bool("drop-target", false, "Drop target collections and checkpoints before copying")
	f.Bool("oplog-only", false, "Replicate the oplog only, without the initial sync")
	f.Bool("changestream", false, "Replicate from a change stream instead of the oplog")
	f.Int("save-frequency", DefaultSaveFrequency, "Persist a checkpoint every N batches")
	f.Int("port", 0, "Port of the HTTP status server (0 disables it)")

	f.Int("parallel-collections", DefaultParallelCollections, "Number of collections copied in parallel")
	f.Int("id-batch-size", DefaultIDBatchSize, "Cursor batch size of the _id scan")
	f.Int("document-batch-size", DefaultDocumentBatchSize, "Number of documents per inserted batch")

	f.Int("batch-size", DefaultBatchSize, "Number of oplog entries buffered before they are applied")
	f.Duration("flush-interval", DefaultFlushInterval, "Apply a partially filled oplog buffer after this interval")
	f.Duration("gap-interval", DefaultGapInterval, "Interval of the replication lag report")

	f.StringSlice("exclude", nil, "Namespaces to skip (e.g. db1.coll1,db2.*)")
	f.StringSlice("include", nil, "Namespaces to replicate with --oplog-only (e.g. db1.coll1,db2.*)")
	f.StringSlice("rename", nil, "Namespace renames as old=new (e.g. db1.a=db2.b)")
}

// Load reads the configuration from the JSON file, the environment and the flags of cmd,
// in increasing order of precedence. The result is not validated.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindFlags(v, cmd)
	bindEnvVars(v)

	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}

	var fileRenames map[string]string

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("json")

		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %q", configFile)
		}

		fileRenames, err = readRenames(configFile)
		if err != nil {
			return nil, err
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	cfg.BlackList = append(cfg.BlackList, sel.ParseFilters(splitList(v.GetStringSlice("exclude")))...)
	cfg.WhiteList = append(cfg.WhiteList, sel.ParseFilters(splitList(v.GetStringSlice("include")))...)

	cfg.Renames = fileRenames
	if cfg.Renames == nil {
		cfg.Renames = make(map[string]string)
	}

	err = parseRenames(cfg.Renames, splitList(v.GetStringSlice("rename")))
	if err != nil {
		return nil, err
	}

	cfg.Source = topo.NormalizeURI(cfg.Source)
	cfg.Target = topo.NormalizeURI(cfg.Target)
	cfg.OplogStore = topo.NormalizeURI(cfg.OplogStore)

	if cfg.ReaderName == "" {
		cfg.ReaderName = topo.Hosts(cfg.Source)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("saveFrequency", DefaultSaveFrequency)
	v.SetDefault("logLevel", DefaultLogLevel)
	v.SetDefault("operationTimeout", DefaultMongoDBOperationTimeout)
	v.SetDefault("parallelCollections", DefaultParallelCollections)
	v.SetDefault("idBatchSize", DefaultIDBatchSize)
	v.SetDefault("documentBatchSize", DefaultDocumentBatchSize)
	v.SetDefault("batchSize", DefaultBatchSize)
	v.SetDefault("flushInterval", DefaultFlushInterval)
	v.SetDefault("gapInterval", DefaultGapInterval)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}

		_ = v.BindPFlag(key, f)
	}
}

// bindEnvVars binds MIGRATE_MONGO_<FLAG_NAME> to every configuration key.
func bindEnvVars(v *viper.Viper) {
	for name, key := range flagKeys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		_ = v.BindEnv(key, env)
	}

	_ = v.BindEnv("logNoColor", EnvPrefix+"_LOG_NO_COLOR", EnvPrefix+"_NO_COLOR")
}

// readRenames reads the rename table from the JSON file directly: Viper lowercases
// map keys, and namespaces are case sensitive.
func readRenames(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var doc struct {
		RenameNamespaces map[string]string `json:"renameNamespaces"`
		Renames          map[string]string `json:"renames"`
	}

	err = json.Unmarshal(data, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "parse renames")
	}

	if len(doc.RenameNamespaces) == 0 && len(doc.Renames) == 0 {
		return nil, nil
	}

	rv := make(map[string]string, len(doc.Renames)+len(doc.RenameNamespaces))
	maps.Copy(rv, doc.Renames)
	maps.Copy(rv, doc.RenameNamespaces)

	return rv, nil
}

func parseRenames(dst map[string]string, pairs []string) error {
	for _, pair := range pairs {
		from, to, ok := strings.Cut(pair, "=")
		if !ok {
			return errors.Errorf("invalid rename %q: expected old=new", pair)
		}

		dst[strings.TrimSpace(from)] = strings.TrimSpace(to)
	}

	return nil
}

// splitList splits comma separated items of an environment provided list.
func splitList(items []string) []string {
	var rv []string

	for _, item := range items {
		for s := range strings.SplitSeq(item, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				rv = append(rv, s)
			}
		}
	}

	return rv
}

// ConnectTimeout returns the operation timeout, or the default when unset.
func (c *Config) ConnectTimeout() time.Duration {
	if c.MongoDB.OperationTimeout > 0 {
		return c.MongoDB.OperationTimeout
	}

	return DefaultMongoDBOperationTimeout
}
