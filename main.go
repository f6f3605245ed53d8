package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/followsync/internal/config"
	"github.com/bryan-buckman/followsync/internal/database"
	"github.com/bryan-buckman/followsync/internal/engine"
	"github.com/bryan-buckman/followsync/internal/events"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/rss"
	"github.com/bryan-buckman/followsync/internal/server"
	"github.com/bryan-buckman/followsync/internal/syncstore"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		Logger.Log.WithError(err).Fatalln("Invalid configuration")
	}
	if cfg == nil {
		return
	}
	Logger.InitLogger(cfg.LogLevel, cfg.LogJSON)

	if err := run(cfg); err != nil {
		Logger.Log.WithError(err).Fatalln("followsync stopped")
	}
}

func openStore(cfg *config.Config) (database.Store, database.SyncedStore, error) {
	var (
		store interface {
			database.Store
			database.SyncedStore
		}
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		store, err = database.NewPostgres(cfg.PostgresURL)
	default:
		store, err = database.New(cfg.DBPath)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s store", cfg.DBDriver)
	}
	Logger.Log.WithField("backend", store.DatabaseType()).Infoln("Store opened")
	return store, store, nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, synced, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.RedisAddr != "" {
		rs, err := syncstore.New(ctx, syncstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Device:   cfg.DeviceID,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		synced = rs
		Logger.Log.WithField("device", cfg.DeviceID).Infoln("Syncing follows through Redis")
	}

	bus := events.NewBus()
	defer bus.Close()

	fetcher := rss.NewFetcher(store, rss.Options{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
	})
	eng := engine.New(store, synced, fetcher, bus, engine.Options{
		PollInterval: cfg.PollInterval,
		MaxPerTick:   cfg.MaxPerTick,
		CacheSize:    cfg.CacheSize,
	})
	if err := eng.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}
	defer eng.Stop()

	srv := server.New(eng, bus)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	Logger.Log.Infoln("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
