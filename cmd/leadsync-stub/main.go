package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/backup"
	"github.com/leadcore/leadsync/internal/config"
	"github.com/leadcore/leadsync/internal/docserver"
	"github.com/leadcore/leadsync/internal/logging"
)

func main() {
	defaults := config.NewEnv(os.Getenv, nil)
	addr := flag.String("addr", defaults.String("LEADSYNC_STUB_ADDR", "127.0.0.1:8787"), "listen address")
	storeDSN := flag.String("store", defaults.String("LEADSYNC_STUB_STORE_DSN", "memory://"), "document store DSN")
	seedFile := flag.String("seed", defaults.String("LEADSYNC_STUB_SEED", ""), "JSON document to serve when the store is empty")
	fault := flag.String("fault", defaults.String("LEADSYNC_STUB_FAULT", ""), "simulate a failure: html, unavailable or reject")
	logLevel := flag.String("log-level", defaults.String("LEADSYNC_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, "leadsync-stub:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	env := config.NewEnv(os.Getenv, logger)
	if err := run(logger, options{
		addr:            *addr,
		storeDSN:        *storeDSN,
		seedFile:        *seedFile,
		fault:           *fault,
		maxBodyBytes:    env.Int64("LEADSYNC_STUB_MAX_BODY_BYTES", 0),
		rateLimitMax:    env.Int("LEADSYNC_STUB_RATE_LIMIT_MAX", 0),
		rateLimitWindow: env.Duration("LEADSYNC_STUB_RATE_LIMIT_WINDOW", time.Minute),
	}); err != nil {
		logger.Fatal("stub server failed", zap.Error(err))
	}
}

type options struct {
	addr            string
	storeDSN        string
	seedFile        string
	fault           string
	maxBodyBytes    int64
	rateLimitMax    int
	rateLimitWindow time.Duration
}

func run(logger *zap.Logger, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, closeStore, err := buildServer(ctx, logger, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("document stub listening", zap.String("addr", opts.addr), zap.String("store", redactDSN(opts.storeDSN)))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func buildServer(ctx context.Context, logger *zap.Logger, opts options) (*docserver.Server, func(), error) {
	fault, err := docserver.ParseFault(opts.fault)
	if err != nil {
		return nil, nil, err
	}
	store, err := backup.BuildStoreFromDSN(opts.storeDSN)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}
	server := docserver.NewWithConfig(store, docserver.Config{
		MaxBodyBytes:    opts.maxBodyBytes,
		RateLimitMax:    opts.rateLimitMax,
		RateLimitWindow: opts.rateLimitWindow,
		Fault:           fault,
		Logger:          logger,
	})
	if opts.seedFile != "" {
		data, err := os.ReadFile(opts.seedFile)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		written, err := server.Seed(ctx, data)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		logger.Info("seed document", zap.String("file", opts.seedFile), zap.Bool("written", written))
	}
	return server, closeStore, nil
}

// redactDSN hides credentials embedded in a store DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return scheme + "://***@" + rest[at+1:]
}
