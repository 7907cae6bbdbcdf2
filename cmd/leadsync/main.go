package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/backup"
	"github.com/leadcore/leadsync/internal/busy"
	"github.com/leadcore/leadsync/internal/config"
	"github.com/leadcore/leadsync/internal/docsync"
	"github.com/leadcore/leadsync/internal/logging"
	"github.com/leadcore/leadsync/internal/remote"
)

func main() {
	root := newRootCmd(os.Getenv, os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "leadsync:", err)
		os.Exit(1)
	}
}

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	configPath string
	endpoint   string
	backupDSN  string
	logLevel   string
	logFormat  string
}

type cli struct {
	flags  globalFlags
	lookup func(string) string
	out    io.Writer
}

func newRootCmd(lookup func(string) string, out io.Writer) *cobra.Command {
	c := &cli{lookup: lookup, out: out}
	root := &cobra.Command{
		Use:           "leadsync",
		Short:         "Keep a local copy of the shared customer document in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	f := root.PersistentFlags()
	f.StringVar(&c.flags.configPath, "config", "", "YAML config file (defaults to $"+config.EnvConfigFile+")")
	f.StringVar(&c.flags.endpoint, "endpoint", "", "remote endpoint URL (overrides config and the saved endpoint)")
	f.StringVar(&c.flags.backupDSN, "backup-dsn", "", "local backup store DSN (file://, sqlite://, postgres://, redis://, memory://)")
	f.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&c.flags.logFormat, "log-format", "", "log format: json or console")

	root.AddCommand(
		c.newPullCmd(),
		c.newWatchCmd(),
		c.newPushCmd(),
		c.newSyncNowCmd(),
		c.newPingCmd(),
		c.newEndpointCmd(),
		c.newResetLocalCmd(),
	)
	return root
}

// session is everything a command needs, built from config and flags.
type session struct {
	cfg      config.Config
	logger   *zap.Logger
	store    backup.Store
	settings *backup.Settings
	client   *remote.Client
	engine   *docsync.Engine
	marker   *busy.MarkerWatcher
}

func (s *session) Close() {
	if s.marker != nil {
		_ = s.marker.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close backup store failed", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

func (c *cli) loadConfig() (config.Config, error) {
	bootstrap, err := logging.New("warn", "console")
	if err != nil {
		return config.Config{}, err
	}
	defer func() { _ = bootstrap.Sync() }()
	cfg, err := config.Load(c.flags.configPath, c.lookup, bootstrap)
	if err != nil {
		return config.Config{}, err
	}
	if c.flags.endpoint != "" {
		cfg.Endpoint = c.flags.endpoint
	}
	if c.flags.backupDSN != "" {
		cfg.BackupDSN = c.flags.backupDSN
	}
	if c.flags.logLevel != "" {
		cfg.Log.Level = c.flags.logLevel
	}
	if c.flags.logFormat != "" {
		cfg.Log.Format = c.flags.logFormat
	}
	cfg.Sanitize()
	return cfg, nil
}

// open builds a session. withMarker starts watching the busy marker file
// when one is configured.
func (c *cli) open(ctx context.Context, withMarker bool) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}

	store, err := backup.BuildStoreFromDSN(cfg.BackupDSN)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	s.store = store
	s.settings = backup.NewSettings(store)

	endpoint := cfg.Endpoint
	if endpoint == "" {
		saved, err := s.settings.Endpoint(ctx)
		if err != nil {
			logger.Warn("read saved endpoint failed", zap.Error(err))
		}
		endpoint = saved
	}
	client, err := remote.NewClient(endpoint, remote.Options{
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger.Named("remote"),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client

	var busyPred busy.Predicate
	if withMarker && cfg.BusyMarker != "" {
		marker, err := busy.NewMarkerWatcher(cfg.BusyMarker, logger.Named("busy"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("watch busy marker: %w", err)
		}
		s.marker = marker
		busyPred = marker.Busy
	}

	engine, err := docsync.NewEngine(docsync.Options{
		Remote:      client,
		Backup:      backup.NewCache(store, logger.Named("backup")),
		Busy:        busy.Any(busyPred),
		VerifySaves: cfg.VerifySaves,
		MaxActivity: cfg.MaxActivity,
		PollJitter:  cfg.PollJitter,
		Logger:      logger.Named("sync"),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func describeBoot(source docsync.BootSource, err error) string {
	if err == nil {
		return source.String()
	}
	return fmt.Sprintf("%s (remote error: %s)", source, remote.Reason(err))
}
