// Command eloity runs the trading core: order intake, matching, escrow, and
// the wallet ledger behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/api"
	"github.com/Neocreb/eloity-trading/internal/config"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/ledger"
	"github.com/Neocreb/eloity-trading/internal/marketdata"
	"github.com/Neocreb/eloity-trading/internal/matching"
	"github.com/Neocreb/eloity-trading/internal/notification"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/internal/risk"
	"github.com/Neocreb/eloity-trading/internal/trading"
	"github.com/Neocreb/eloity-trading/pkg/logger"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eloity-trading: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Local development convenience; the file is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.Order{}, &models.Trade{}, &models.EscrowTransaction{},
		&models.WalletBalance{}, &models.LedgerEntry{}, &models.Hold{},
		&models.KYCProfile{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis unreachable, quote cache disabled", zap.Error(err))
			cache = nil
		}
	}

	var publisher *notification.Publisher
	if cfg.Kafka.Enabled {
		publisher = notification.NewPublisher(log, cfg.Kafka.Config)
		defer publisher.Close()
	}

	led := ledger.NewService(log, db)
	gate := risk.NewGate(log, db, cfg.Risk)

	var escrowNotifier escrow.Notifier
	var tradeNotifier trading.TradeNotifier
	if publisher != nil {
		escrowNotifier = publisher
		tradeNotifier = publisher
	}
	esc := escrow.NewService(log, db, led, escrowNotifier, gate, cfg.FeeAccountID(), cfg.Escrow)

	books := orderbook.NewSet()
	engine := matching.NewEngine(log, db, books, led, esc, cfg.Fees, gate)
	if err := engine.Restore(context.Background()); err != nil {
		return fmt.Errorf("restore order books: %w", err)
	}
	quotes := marketdata.NewService(log, books, cache, cfg.Redis.QuoteTTL)
	svc := trading.NewService(log, db, led, gate, cfg.Fees, engine, quotes, tradeNotifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go esc.RunSweeper(ctx)

	server := api.NewServer(log, cfg.Server, svc, esc, gate, quotes)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
