// Command nectarcore is the minimal entrypoint spec.md's storage core
// defines for itself: open (or create) a database directory, replay its
// datafiles and WAL to recovery, optionally follow another server's
// replication log, and stay up until signaled. Routing a query language or
// scripting surface on top of the opened Database is explicitly out of
// scope (spec.md §1 non-goals); this binary only proves the storage core
// stands up on its own.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nectardb/nectar/collection"
	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/persist"
	"github.com/nectardb/nectar/replication"
	"github.com/nectardb/nectar/server"
)

var (
	flagDataDir      string
	flagDBName       string
	flagReplicate    bool
	flagFollowSource string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nectarcore:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nectarcore",
	Short: "Open a nectar storage-core database directory and run recovery",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "./data", "root directory holding one or more database subdirectories")
	rootCmd.Flags().StringVar(&flagDBName, "db", "default", "database name (subdirectory under --data-dir)")
	rootCmd.Flags().BoolVar(&flagReplicate, "log-replication", false, "append every committed mutation to the _replication system collection")
	rootCmd.Flags().StringVar(&flagFollowSource, "follow", "", "replication-log HTTP endpoint to apply as a follower (independent of --log-replication, which only covers this server's own writes)")
}

func run(cmd *cobra.Command, args []string) error {
	sc := server.New()
	factory := &persist.FileFactory{Basepath: flagDataDir}

	db, err := collection.OpenDatabase(sc, factory, flagDBName)
	if err != nil {
		return fmt.Errorf("opening database %q under %q: %w", flagDBName, flagDataDir, err)
	}
	dbRoot := filepath.Join(flagDataDir, flagDBName)
	sc.Log.Info().Str("db", flagDBName).Str("dataDir", flagDataDir).Msg("recovered database")

	if flagReplicate {
		logger, err := replication.Open(sc, db)
		if err != nil {
			return fmt.Errorf("opening replication logger: %w", err)
		}
		db.SetReplicationSink(logger)
		sc.OnShutdown(func() {
			if err := logger.Stop(); err != nil {
				sc.Log.Warn().Err(err).Msg("failed to append replication-stop marker")
			}
		})
		sc.Log.Info().Msg("replication logging active")
	}

	if flagFollowSource != "" {
		cfg, err := config.LoadApplierConfig(dbRoot)
		if err != nil {
			return fmt.Errorf("loading applier config: %w", err)
		}
		cfg.Endpoint = flagFollowSource
		if err := config.SaveApplierConfig(dbRoot, cfg); err != nil {
			return fmt.Errorf("persisting applier config: %w", err)
		}

		watcher, err := config.NewApplierConfigWatcher(dbRoot, sc.Log)
		if err != nil {
			sc.Log.Warn().Err(err).Msg("applier config hot-reload unavailable")
			watcher = nil
		}

		applier := replication.NewApplier(sc, dbRoot, db, cfg, nil)
		if watcher != nil {
			applier.AttachConfigWatcher(watcher)
			sc.OnShutdown(watcher.Close)
		}
		applier.Start()
		sc.OnShutdown(applier.Stop)
		sc.Log.Info().Str("source", flagFollowSource).Msg("replication applier started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	sc.Log.Info().Msg("shutting down")
	sc.Shutdown()
	return nil
}
