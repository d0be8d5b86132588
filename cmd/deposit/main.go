// Command deposit connects the configured wallet and submits a single deposit
// to the escrow address, printing the transaction id.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/algo"
	"launchpad/internal/backend"
	"launchpad/internal/config"
	"launchpad/internal/deposit"
	"launchpad/internal/logging"
)

// printer writes every controller status to stderr.
type printer struct{}

func (printer) Publish(s deposit.Status) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", s.Kind, s.Message)
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	amount := flag.String("amount", "", "deposit amount in ALGO")
	escrow := flag.String("escrow", "", "escrow address (defaults to the configured one)")
	testMode := flag.Bool("test", false, "send through the stub backend instead of the network")
	wait := flag.Uint64("wait", 0, "rounds to wait for confirmation of a live deposit")
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

	target := *escrow
	if target == "" {
		target = cfg.Deposit.EscrowAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	txid, err := run(ctx, cfg, logger, *amount, target, *testMode || cfg.Deposit.TestMode, *wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deposit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(txid)
}

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, amount, escrow string, testMode bool, wait uint64) (string, error) {
	algod, err := algo.NewAlgod(algo.ClientConfig{Address: cfg.Network.AlgodAddress, Token: cfg.Network.AlgodToken})
	if err != nil {
		return "", err
	}

	var wallet *algo.LocalWallet
	if cfg.Wallet.Mnemonic != "" {
		wallet, err = algo.NewLocalWallet(cfg.Wallet.Mnemonic)
	} else {
		wallet, err = algo.NewDevWallet("launchpad-dev")
	}
	if err != nil {
		return "", err
	}

	stub, err := backend.New(backend.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Secret:          cfg.Service.HMACSecret,
		SignatureHeader: cfg.Service.HMACSignatureHeader,
		TimestampHeader: cfg.Service.HMACTimestampHeader,
		Timeout:         cfg.Backend.Timeout,
	}, logger)
	if err != nil {
		return "", err
	}

	controller := deposit.NewController(deposit.Options{
		Wallet:    wallet,
		Network:   algod,
		Backend:   stub,
		Notifier:  printer{},
		Logger:    logger,
		MinAmount: cfg.Deposit.MinAmount,
	})

	if err := controller.ValidateAmount(amount); err != nil {
		return "", err
	}
	if _, err := controller.Connect(ctx); err != nil {
		return "", err
	}
	defer controller.Disconnect(context.Background())

	receipt, err := controller.SubmitDeposit(ctx, amount, escrow, testMode)
	if err != nil {
		return "", err
	}

	if wait > 0 && receipt.Mode == deposit.ModeLive {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(wait)*5*time.Second)
		defer cancel()
		round, err := algod.WaitForConfirmation(waitCtx, receipt.TxID, wait)
		if err != nil {
			return receipt.TxID, fmt.Errorf("submitted %s but confirmation failed: %w", receipt.TxID, err)
		}
		logger.Info("deposit confirmed", zap.String("txid", receipt.TxID), zap.Uint64("round", round))
	}
	return receipt.TxID, nil
}
