package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yhpark/custodex/params"
	"github.com/yhpark/custodex/pkg/api"
	"github.com/yhpark/custodex/pkg/dex/engine"
	"github.com/yhpark/custodex/pkg/dex/token"
	"github.com/yhpark/custodex/pkg/storage"
	"github.com/yhpark/custodex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Debug)
	} else {
		logger, err = util.NewLogger(cfg.Node.Debug)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if !common.IsHexAddress(cfg.Dex.Admin) {
		sugar.Fatalw("invalid_admin_address", "admin", cfg.Dex.Admin)
	}
	admin := common.HexToAddress(cfg.Dex.Admin)

	registry := token.NewRegistry(admin)
	if cfg.Dex.QuoteTicker != "" {
		registry.SetQuoteTicker(cfg.Dex.QuoteTicker)
	}

	// Asset-transfer collaborator. The mock stands in for the
	// on-chain bridge; DevMode waives pull allowances so local order
	// flow works out of the box.
	transferor := engine.NewMockTransferor()
	transferor.AutoApprove = cfg.Node.DevMode

	var store engine.Store
	var pebbleStore *storage.PebbleStore
	if cfg.Node.DBPath != "" {
		pebbleStore, err = storage.NewPebbleStore(cfg.Node.DBPath)
		if err != nil {
			sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
		}
		defer pebbleStore.Close()
		store = pebbleStore
	}

	eng := engine.New(registry, transferor, store, util.RealClock{}, sugar)

	if pebbleStore != nil {
		tokens, balances, orders, err := pebbleStore.Load()
		if err != nil {
			sugar.Fatalw("state_load_failed", "err", err)
		}
		if err := eng.Restore(tokens, balances, orders); err != nil {
			sugar.Fatalw("state_restore_failed", "err", err)
		}
		sugar.Infow("state_restored", "tokens", len(tokens), "balances", len(balances), "orders", len(orders))
	}

	// Seed the registry (first entry becomes the quote asset unless
	// overridden). Skips tickers already restored from disk.
	for _, seed := range cfg.Dex.SeedTokens {
		if registry.Exists(seed.Ticker) {
			continue
		}
		if !common.IsHexAddress(seed.Handle) {
			sugar.Fatalw("invalid_seed_token", "ticker", seed.Ticker, "handle", seed.Handle)
		}
		if err := eng.AddToken(admin, seed.Ticker, common.HexToAddress(seed.Handle)); err != nil {
			sugar.Fatalw("seed_token_failed", "ticker", seed.Ticker, "err", err)
		}
	}

	server := api.NewServer(eng, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Node.ListenAddr) }()

	sugar.Infow("node_started", "listen", cfg.Node.ListenAddr, "dev_mode", cfg.Node.DevMode)

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_signal_received")
	case err := <-errCh:
		sugar.Errorw("api_server_stopped", "err", err)
	}
}
