package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"launchpad/internal/algo"
	"launchpad/internal/backend"
	"launchpad/internal/config"
	"launchpad/internal/deposit"
	"launchpad/internal/ledger"
	"launchpad/internal/logging"
	"launchpad/internal/server"
	"launchpad/internal/statusfeed"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer store.Close()

	netCfg := algo.ClientConfig{Address: cfg.Network.AlgodAddress, Token: cfg.Network.AlgodToken}
	algod, err := algo.NewAlgod(netCfg)
	if err != nil {
		return fmt.Errorf("algod client: %w", err)
	}

	var indexer server.DepositLister
	if cfg.Network.IndexerAddress != "" {
		idx, err := algo.NewIndexer(algo.ClientConfig{Address: cfg.Network.IndexerAddress, Token: cfg.Network.IndexerToken}, logger)
		if err != nil {
			return fmt.Errorf("indexer client: %w", err)
		}
		indexer = idx
	}

	wallet, err := openWallet(cfg.Wallet, logger)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	stub, err := backend.New(backend.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Secret:          cfg.Service.HMACSecret,
		SignatureHeader: cfg.Service.HMACSignatureHeader,
		TimestampHeader: cfg.Service.HMACTimestampHeader,
		Timeout:         cfg.Backend.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	feed := statusfeed.NewHub(logger)
	metrics := server.NewMetrics()
	recorder := server.NewRecorder(store, metrics, logger)
	if cfg.Deposit.ConfirmRounds > 0 {
		recorder.WithConfirmations(algod, uint64(cfg.Deposit.ConfirmRounds))
	}
	defer recorder.Wait()

	controller := deposit.NewController(deposit.Options{
		Wallet:    wallet,
		Network:   algod,
		Backend:   stub,
		Notifier:  feed,
		Observer:  recorder,
		Logger:    logger,
		MinAmount: cfg.Deposit.MinAmount,
	})

	apiServer, err := server.NewServer(server.Deps{
		Config:     cfg,
		Controller: controller,
		Ledger:     store,
		Indexer:    indexer,
		Feed:       feed,
		Health:     algod,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("launchpad starting",
		zap.String("escrow", cfg.Deposit.EscrowAddress),
		zap.Bool("test_mode", cfg.Deposit.TestMode),
		zap.String("ledger", cfg.Ledger.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return ledger.NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		return ledger.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// openWallet loads the configured account, or a throwaway dev account when no mnemonic is set.
func openWallet(cfg config.WalletConfig, logger *zap.Logger) (*algo.LocalWallet, error) {
	if cfg.Mnemonic != "" {
		return algo.NewLocalWallet(cfg.Mnemonic)
	}
	wallet, err := algo.NewDevWallet("launchpad-dev")
	if err != nil {
		return nil, err
	}
	logger.Warn("no wallet mnemonic configured, using dev wallet", zap.String("address", wallet.Address()))
	return wallet, nil
}
