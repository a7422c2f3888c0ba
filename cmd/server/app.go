package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/events"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/generic/store"
	"github.com/warp/credit-engine/logger"
	"github.com/warp/credit-engine/store/postgres"
	creditredis "github.com/warp/credit-engine/store/redis"
	"github.com/warp/credit-engine/store/sqlite"
)

// app is the wired process. close releases everything in reverse order.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   generic.DurableStore
	service *credits.Service
	health  func(ctx context.Context) error

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	logger.Flush(2 * time.Second)
}

// setup loads configuration and builds the service. Every command calls it.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile, envDir)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "credit-engine"},
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger.Default()}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if err := a.openStore(ctx); err != nil {
		return err
	}

	opts := []credits.Option{
		credits.WithPolicy(policyFromConfig(cfg.Ledger)),
		credits.WithLogger(a.log),
		credits.WithSweepWorkers(cfg.Sweep.Workers, cfg.Sweep.QueueSize),
	}

	if cfg.Redis.Enabled {
		client, err := a.connectRedis(ctx)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { client.Close() })
		prefix := creditredis.WithKeyPrefix(cfg.Redis.KeyPrefix)
		opts = append(opts,
			credits.WithGuestCache(creditredis.NewGuestCache(client, prefix)),
			credits.WithPlanCache(creditredis.NewPlanCache(client, prefix)),
		)
	}

	if cfg.NATS.Enabled {
		var pub *events.Publisher
		err := a.retry(ctx, "nats", func() error {
			var err error
			pub, err = events.Connect(events.Config{
				URL:            cfg.NATS.URL,
				Subject:        cfg.NATS.Subject,
				MaxReconnects:  cfg.NATS.MaxReconnects,
				ReconnectWait:  cfg.NATS.ReconnectWait,
				ConnectionName: cfg.NATS.ConnectionName,
			}, a.log)
			return err
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, credits.WithCommitHook(pub.Publish))
	}

	a.service = credits.New(a.store, opts...)
	return nil
}

func policyFromConfig(l config.LedgerConfig) credits.Policy {
	return credits.Policy{
		MaxDebit:            l.MaxDebitAmount(),
		NewAccountBonus:     generic.NewAmount(l.NewAccountBonus),
		MonthlyAllowance:    generic.NewAmount(l.MonthlyAllowance),
		GuestInitialBalance: generic.NewAmount(l.GuestInitialBalance),
		GuestTTL:            l.GuestTTL,
		CatalogTTL:          l.CatalogTTL,
		CharsPerCredit:      l.CharsPerCredit,
		GuestPrefix:         l.GuestPrefix,
	}
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// retry runs connect with exponential backoff until it succeeds or the
// configured budget runs out.
func (a *app) retry(ctx context.Context, what string, connect func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = a.cfg.Database.ConnectRetry

	notify := func(err error, wait time.Duration) {
		a.log.Warn("Connection attempt failed, retrying",
			zap.String("target", what),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", what, err)
	}
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg.Database
	switch cfg.Driver {
	case "memory":
		a.store = store.NewMemory()

	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.health = s, s.Ping

	case "postgres":
		var s *postgres.Store
		err := a.retry(ctx, "postgres", func() error {
			var err error
			s, err = postgres.Open(ctx, cfg.DSN, postgres.WithTablePrefix(cfg.TablePrefix))
			return err
		})
		if err != nil {
			return err
		}
		a.store, a.health = s, s.Ping

	default:
		return fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close store", zap.Error(err))
		}
	})
	a.log.Info("Store ready", zap.String("driver", cfg.Driver))
	return nil
}

// connectRedis retries until PING answers. A later outage is tolerated by
// the caches; an unreachable Redis at startup is a configuration error.
func (a *app) connectRedis(ctx context.Context) (*goredis.Client, error) {
	var client *goredis.Client
	err := a.retry(ctx, "redis", func() error {
		var err error
		client, err = creditredis.Connect(ctx, a.cfg.Redis.URL, a.cfg.Redis.DialTimeout)
		if err != nil && !errors.Is(err, generic.ErrCacheUnavailable) {
			// A malformed URL will not fix itself.
			return backoff.Permanent(err)
		}
		return err
	})
	return client, err
}
