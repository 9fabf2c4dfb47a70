package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akylbek/payment-system/link-verifier/internal/config"
	"github.com/akylbek/payment-system/link-verifier/internal/events"
	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/ledger"
	"github.com/akylbek/payment-system/link-verifier/internal/lock"
	"github.com/akylbek/payment-system/link-verifier/internal/repository"
	"github.com/akylbek/payment-system/link-verifier/internal/service"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

type deps struct {
	store      interfaces.LinkStore
	reconciler *service.Reconciler
	closers    []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			telemetry.Logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	store, err := openStore(cfg, d)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.store = store

	client, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, func() error { client.Close(); return nil })

	reader, err := ledger.NewReader(client, cfg.Currencies, cfg.RPCTimeout, ledger.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	var publishers events.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers)
		publishers = append(publishers, kp)
		d.closers = append(d.closers, kp.Close)
	}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publishers = append(publishers, events.NewNatsPublisher(nc))
		d.closers = append(d.closers, func() error { nc.Close(); return nil })
	}

	var locker interfaces.Locker = lock.NoopLocker{}
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		locker = lock.NewRedisLocker(redisClient, cfg.LockTTL)
		d.closers = append(d.closers, redisClient.Close)
	}

	d.reconciler = service.NewReconciler(store, reader, publishers, locker, reader.Currencies(), service.Config{
		PollInterval:   cfg.PollInterval,
		LookbackBlocks: cfg.LookbackBlocks,
		Confirmations:  cfg.Confirmations,
		StoreTimeout:   cfg.StoreTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	return d, nil
}

func openStore(cfg *config.Config, d *deps) (interfaces.LinkStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		d.closers = append(d.closers, db.Close)

		repo := repository.NewPaymentLinkRepository(db)
		if err := repo.InitDB(); err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return repo, nil

	case config.DriverMySQL, config.DriverSQLite:
		dialector := mysql.Open(cfg.DatabaseURL)
		if cfg.StoreDriver == config.DriverSQLite {
			dialector = sqlite.Open(cfg.DatabaseURL)
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.StoreDriver, err)
		}
		if sqlDB, err := db.DB(); err == nil {
			d.closers = append(d.closers, sqlDB.Close)
		}

		store := repository.NewGormLinkStore(db)
		if err := store.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate %s: %w", cfg.StoreDriver, err)
		}
		return store, nil

	default:
		telemetry.Logger.Warn("Using in-memory link store; links are lost on restart")
		return repository.NewMemoryLinkStore(), nil
	}
}
