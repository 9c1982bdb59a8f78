package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/internal/logging"
	"github.com/jingkaihe/projgate/pkg/api"
	"github.com/jingkaihe/projgate/pkg/flags"
	"github.com/jingkaihe/projgate/pkg/gate"
	"github.com/jingkaihe/projgate/pkg/interpose"
	"github.com/jingkaihe/projgate/pkg/roots"
	"github.com/jingkaihe/projgate/pkg/store"
	"github.com/jingkaihe/projgate/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interception daemon",
	Example: `  projgate serve --mountpoint /mnt/proj --backing-dir /var/lib/projgate \
    --root /var/lib/projgate/src

  # expose the mount to all users
  projgate serve --mountpoint /mnt/proj --backing-dir /var/lib/projgate \
    --root /var/lib/projgate/src --allow-other`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("mountpoint", "", "Where the interposed view appears")
	serveCmd.Flags().String("backing-dir", "", "Directory holding the real nodes and their flags")
	serveCmd.Flags().String("socket", api.DefaultSocket, "Unix socket providers connect to")
	serveCmd.Flags().Bool("allow-other", false, "Expose the mount to other users")
	serveCmd.Flags().StringSlice("root", nil, "Virtualization root path under the backing dir (repeatable)")
	serveCmd.Flags().String("state-db", "", "Sqlite database persisting registered roots (empty disables)")
	serveCmd.Flags().StringSlice("crawler", nil, "Override the crawler process-name list (repeatable)")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-dev", false, "Development log output")

	viper.BindPFlag("serve.mountpoint", serveCmd.Flags().Lookup("mountpoint"))
	viper.BindPFlag("serve.backing-dir", serveCmd.Flags().Lookup("backing-dir"))
	viper.BindPFlag("serve.socket", serveCmd.Flags().Lookup("socket"))
	viper.BindPFlag("serve.allow-other", serveCmd.Flags().Lookup("allow-other"))
	viper.BindPFlag("serve.root", serveCmd.Flags().Lookup("root"))
	viper.BindPFlag("serve.state-db", serveCmd.Flags().Lookup("state-db"))
	viper.BindPFlag("serve.crawler", serveCmd.Flags().Lookup("crawler"))
	viper.BindPFlag("serve.log-level", serveCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("serve.log-dev", serveCmd.Flags().Lookup("log-dev"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := api.DefaultConfig().Merge(&api.Config{
		Mountpoint: viper.GetString("serve.mountpoint"),
		BackingDir: viper.GetString("serve.backing-dir"),
		Socket:     viper.GetString("serve.socket"),
		AllowOther: viper.GetBool("serve.allow-other"),
		StateDB:    viper.GetString("serve.state-db"),
		Roots:      viper.GetStringSlice("serve.root"),
		Crawlers:   viper.GetStringSlice("serve.crawler"),
		Log: &api.LogConfig{
			Level:       viper.GetString("serve.log-level"),
			Development: viper.GetBool("serve.log-dev"),
		},
	})
	var rootStore *store.RootStore
	if cfg.StateDB != "" {
		db, err := store.Open(cfg.StateDB)
		if err != nil {
			return errx.Wrap(ErrOpenStateDB, err)
		}
		defer db.Close()
		rootStore = store.NewRootStore(db)

		persisted, err := rootStore.ListRoots()
		if err != nil {
			return errx.Wrap(ErrOpenStateDB, err)
		}
		cfg.Roots = mergeRoots(cfg.Roots, persisted)
	}

	if err := cfg.Validate(); err != nil {
		return errx.Wrap(ErrInvalidConfig, err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return errx.Wrap(ErrBuildLogger, err)
	}
	defer log.Sync()

	table := roots.NewTable(cfg.BackingDir)
	flagStore := flags.XattrStore{}
	for _, r := range cfg.Roots {
		idx, err := table.Register(r)
		if err != nil {
			return errx.Wrap(ErrRegisterRoot, err)
		}
		if err := flagStore.UpdateFlags(r, flags.FlagInVirtualizationRoot, 0); err != nil {
			log.Warn("unable to flag root node", zap.String("path", r), zap.Error(err))
		}
		if rootStore != nil {
			if err := rootStore.SaveRoot(r); err != nil {
				log.Warn("unable to persist root", zap.String("path", r), zap.Error(err))
			}
		}
		log.Info("root registered", zap.Int16("index", idx), zap.String("path", r))
	}

	listener, err := transport.Listen(cfg.Socket, table, log)
	if err != nil {
		return errx.Wrap(ErrListenSocket, err)
	}

	ip := interpose.New(interpose.Options{
		Mountpoint: cfg.Mountpoint,
		BackingDir: cfg.BackingDir,
		AllowOther: cfg.AllowOther,
		Logger:     log,
	})

	g, err := gate.New(gate.Options{
		Resolver:  table,
		Flags:     flagStore,
		Sender:    listener,
		Registrar: ip,
		Logger:    log,
		Crawlers:  cfg.Crawlers,
	})
	if err != nil {
		listener.Close()
		return err
	}
	listener.Bind(g)
	ip.Bind(g)

	if err := g.Start(); err != nil {
		listener.Close()
		return err
	}

	go func() {
		if err := listener.Serve(); err != nil {
			log.Error("provider listener stopped", zap.Error(err))
		}
	}()

	log.Info("projgate serving",
		zap.String("mountpoint", cfg.Mountpoint),
		zap.String("socket", cfg.Socket))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := g.Stop(); err != nil {
		log.Warn("drain finished with error", zap.Error(err))
	}
	listener.Close()
	return nil
}

func mergeRoots(flagged, persisted []string) []string {
	seen := make(map[string]bool, len(flagged)+len(persisted))
	merged := make([]string, 0, len(flagged)+len(persisted))
	for _, r := range append(append([]string(nil), flagged...), persisted...) {
		if seen[r] {
			continue
		}
		seen[r] = true
		merged = append(merged, r)
	}
	return merged
}
