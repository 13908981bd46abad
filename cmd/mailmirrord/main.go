package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/remote/imapclient"
	"github.com/brandon/mailmirror/internal/scheduler"
	"github.com/brandon/mailmirror/internal/store"
	"github.com/brandon/mailmirror/internal/syncer"
	"github.com/brandon/mailmirror/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailmirrord version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailmirror daemon")

	// Open the local store
	pool, err := store.NewPool(store.PoolConfig{
		Path:            cfg.StorePath,
		Size:            cfg.PoolSize,
		AcquireTimeout:  cfg.PoolAcquireTimeout,
		BusyTimeout:     cfg.StoreBusyTimeout,
		CheckpointBytes: cfg.WALCheckpointBytes,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open local store")
	}
	defer pool.Close()

	st := store.NewStore(pool, logger)

	// Register configured accounts and collect their ids for the lock
	// registry.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accountIDs := make([]int64, 0, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		id, err := st.UpsertAccount(ctx, &types.Account{
			Name:     acc.Name,
			Address:  acc.Address,
			Provider: acc.Provider,
		})
		if err != nil {
			logger.WithError(err).WithField("account", acc.Name).Fatal("Failed to register account")
		}
		accountIDs = append(accountIDs, id)
	}

	settings := config.NewSettingsHolder(cfg.Sync)
	locks := syncer.NewLockRegistry(accountIDs)
	dialer := imapclient.NewDialer(cfg.Accounts, logger)
	engine := syncer.NewEngine(st, dialer, locks, settings, logger)

	lease := scheduler.NewFileLease(cfg.LeasePath, logger)
	sched := scheduler.New(engine, st, lease, settings, logger)
	if _, err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	// Prime the replica so the first queries have a baseline.
	go func() {
		if err := engine.SyncAll(ctx, false); err != nil {
			logger.WithError(err).Error("Initial sync pass failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")

	cancel()
	sched.Stop()
	logger.Info("Shutting down mailmirror daemon")
}
