// zapfleet runs one fleet process of the session orchestration engine:
// it keeps this server's share of tenant bot sessions connected, matches
// inbound messages against tenant commands, and answers with static or
// AI-generated replies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zapfleet/zapfleet/internal/ai"
	"github.com/zapfleet/zapfleet/internal/config"
	"github.com/zapfleet/zapfleet/internal/creds"
	"github.com/zapfleet/zapfleet/internal/fleet"
	"github.com/zapfleet/zapfleet/internal/lock"
	. "github.com/zapfleet/zapfleet/internal/logging"
	"github.com/zapfleet/zapfleet/internal/matcher"
	"github.com/zapfleet/zapfleet/internal/session"
	"github.com/zapfleet/zapfleet/internal/store"
	"github.com/zapfleet/zapfleet/internal/whatsapp"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("zapfleet %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "zapfleet: %v\n", err)
		os.Exit(1)
	}

	Init(&Config{Level: cfg.LogLevel})
	L_info("zapfleet %s starting", version)

	if err := run(cfg); err != nil {
		L_fatal("zapfleet failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared Postgres: tenant tables via gorm, whatsmeow device state via
	// the underlying *sql.DB.
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to unwrap sql.DB: %w", err)
	}
	defer sqlDB.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	credStore, err := creds.NewGormStore(db)
	if err != nil {
		return fmt.Errorf("failed to set up credential store: %w", err)
	}
	tenants, err := store.New(db)
	if err != nil {
		return err
	}
	dialer, err := whatsapp.NewMeowDialer(ctx, sqlDB, "postgres", credStore, cfg.DevQR)
	if err != nil {
		return fmt.Errorf("failed to set up whatsapp dialer: %w", err)
	}

	manager := session.NewManager(session.Deps{
		Dialer: dialer,
		Locks:  lock.NewRedisLock(rdb),
		Creds:  credStore,
	}, session.Config{
		LockTTL:        cfg.LockTTL,
		RenewEvery:     cfg.LockRenewEvery,
		MaxRestarts:    cfg.MaxRestarts,
		RestartBackoff: cfg.RestartBackoff,
	})

	responder := ai.NewResponder(
		ai.NewRedisCache(rdb),
		ai.NewOpenAICompleter(cfg.OpenAIKey, cfg.OpenAIModel, ""),
		cfg.SystemPrompt,
		cfg.CacheTTL,
	)

	supervisor := fleet.New(tenants, manager, matcher.New(cfg.MatchThreshold), responder, cfg.PollInterval)

	L_info("zapfleet ready", "pollInterval", cfg.PollInterval.String())
	supervisor.Run(ctx)

	SetShuttingDown()
	L_info("zapfleet stopped")
	return nil
}
