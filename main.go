package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/config"
	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/migrate"
	"github.com/percona/migrate-mongo/migrate/clone"
	"github.com/percona/migrate-mongo/migrate/oplog"
	"github.com/percona/migrate-mongo/sel"
	"github.com/percona/migrate-mongo/topo"
	"github.com/percona/migrate-mongo/tracker"
	"github.com/percona/migrate-mongo/util"
)

const appName = "migrate-mongo"

var (
	Version   = "v0.1.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

func configFrom(cmd *cobra.Command) *config.Config {
	return cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Migrate data between MongoDB clusters with an initial sync and oplog replication",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd.Context(), configFrom(cmd))
	},
}

//nolint:gochecknoglobals
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration (default command)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd.Context(), configFrom(cmd))
	},
}

//nolint:gochecknoglobals
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := configFrom(cmd)

		err := config.Validate(cfg)
		if err != nil {
			return errors.Wrap(err, "validate config")
		}

		cmd.Println("Configuration is valid")

		return nil
	},
}

//nolint:gochecknoglobals
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Print the checkpoints persisted on the oplog store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := configFrom(cmd)
		ctx := cmd.Context()

		if cfg.OplogStore == "" {
			return errors.New("required flag --oplog-store not set")
		}

		reader, _ := cmd.Flags().GetString("reader")

		store, err := topo.Connect(ctx, cfg.OplogStore, topo.ConnectOptions{
			AppName:          appName,
			OperationTimeout: cfg.ConnectTimeout(),
		})
		if err != nil {
			return errors.Wrap(err, "connect to oplog store")
		}

		defer disconnect(ctx, "oplog store", store)

		checkpoints, err := tracker.List(ctx, store, reader)
		if err != nil {
			return err //nolint:wrapcheck
		}

		printCheckpoints(cmd, checkpoints)

		return nil
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",

	PersistentPreRun: func(*cobra.Command, []string) {},

	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

func main() {
	config.AddFlags(rootCmd)
	config.AddRunFlags(runCmd)
	config.AddRunFlags(validateCmd)

	rootCmd.AddCommand(
		runCmd,
		validateCmd,
		checkpointsCmd,
		versionCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		log.New("cli").Error(err, "")
		os.Exit(1)
	}
}

func printCheckpoints(cmd *cobra.Command, checkpoints []tracker.Checkpoint) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Tracker", "Reader", "Database", "Collection", "Position"})

	for _, cp := range checkpoints {
		t.AppendRow(table.Row{cp.Tracker, cp.Reader, cp.Resource.Database, cp.Resource.Collection, cp.Position})
	}

	t.AppendFooter(table.Row{"", "", "", "Total", len(checkpoints)})
	t.Render()
}

// runMigration validates cfg, connects the clusters and migrates until SIGINT or SIGTERM.
func runMigration(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate config")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg := log.Ctx(ctx)
	lg.Info("migrate-mongo " + buildVersion())

	connOpts := topo.ConnectOptions{AppName: appName, OperationTimeout: cfg.ConnectTimeout()}

	source, err := connect(ctx, "source", cfg.Source, connOpts)
	if err != nil {
		return err
	}

	defer disconnect(ctx, "source", source)

	target, err := connect(ctx, "target", cfg.Target, connOpts)
	if err != nil {
		return err
	}

	defer disconnect(ctx, "target", target)

	store, err := connect(ctx, "oplog store", cfg.OplogStore, connOpts)
	if err != nil {
		return err
	}

	defer disconnect(ctx, "oplog store", store)

	m := migrate.New(source, target, store, migrateOptions(cfg))
	lg.With(log.RunID(m.RunID()), log.Reader(cfg.ReaderName)).Info("Starting migration")

	if cfg.Port > 0 {
		srv := newServer(cfg.Port, m)

		go func() {
			err := srv.ListenAndServe()
			if err != nil {
				log.New("http").Error(err, "HTTP server")
			}
		}()

		defer func() {
			err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.ShutdownTimeout, srv.Shutdown)
			if err != nil {
				log.New("http").Error(err, "Shutdown HTTP server")
			}
		}()
	}

	return m.Run(ctx) //nolint:wrapcheck
}

func migrateOptions(cfg *config.Config) migrate.Options {
	return migrate.Options{
		ReaderName:    cfg.ReaderName,
		DropTarget:    cfg.DropTarget,
		OplogOnly:     cfg.OplogOnly,
		Changestream:  cfg.Changestream,
		Filter:        sel.NewNamespaceFilter(cfg.BlackList, cfg.WhiteList),
		Renamer:       sel.NewRenamer(cfg.Renames),
		SaveFrequency: cfg.SaveFrequency,
		Clone: clone.Options{
			ParallelCollections: cfg.Clone.ParallelCollections,
			IDBatchSize:         cfg.Clone.IDBatchSize,
			DocumentBatchSize:   cfg.Clone.DocumentBatchSize,
		},
		Reader: oplog.ReaderOptions{
			BatchSize:     cfg.Oplog.BatchSize,
			FlushInterval: cfg.Oplog.FlushInterval,
		},
		GapInterval: cfg.Oplog.GapInterval,
	}
}

func connect(ctx context.Context, name, uri string, opts topo.ConnectOptions) (*mongo.Client, error) {
	m, err := topo.Connect(ctx, uri, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", name)
	}

	version, err := topo.Version(ctx, m)
	if err != nil {
		_ = m.Disconnect(context.WithoutCancel(ctx))

		return nil, errors.Wrapf(err, "%s version", name)
	}

	log.Ctx(ctx).Infof("Connected to %s [%s]: %s", name, version, topo.Hosts(uri))

	return m, nil
}

func disconnect(ctx context.Context, name string, m *mongo.Client) {
	err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.DisconnectTimeout, m.Disconnect)
	if err != nil {
		log.Ctx(ctx).Warnf("Disconnect %s: %v", name, err)
	}
}
