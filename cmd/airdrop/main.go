// Command airdrop sends ALGO or an ASA to every recipient in a CSV file,
// in atomic groups of up to 16 transactions signed by the configured wallet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/airdrop"
	"launchpad/internal/algo"
	"launchpad/internal/config"
	"launchpad/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	csvPath := flag.String("csv", "", "recipients CSV (recipient,amount)")
	asset := flag.Uint64("asset", 0, "asset id to send; 0 sends microAlgos")
	batch := flag.Int("batch", airdrop.DefaultBatch, fmt.Sprintf("transactions per group (1..%d)", airdrop.MaxGroup))
	dryRun := flag.Bool("dry-run", false, "print estimates without checking funds or submitting")
	execute := flag.Bool("execute", false, "actually submit transactions")
	wait := flag.Uint64("wait", 4, "rounds to wait for each group to confirm; 0 skips waiting")
	pause := flag.Duration("pause", time.Second, "delay between groups")
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

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "-csv is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := airdrop.Options{
		AssetID:    *asset,
		BatchSize:  *batch,
		DryRun:     *dryRun,
		Execute:    *execute,
		WaitRounds: *wait,
		Pause:      *pause,
	}
	if err := run(ctx, cfg, logger, *csvPath, opts); err != nil {
		if errors.Is(err, airdrop.ErrNotExecuted) {
			fmt.Fprintln(os.Stderr, "funds check passed; add -execute to submit or -dry-run to preview")
		} else {
			fmt.Fprintf(os.Stderr, "airdrop failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, csvPath string, opts airdrop.Options) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	rows, err := airdrop.LoadCSV(f, logger)
	f.Close()
	if err != nil {
		return err
	}

	algod, err := algo.NewAlgod(algo.ClientConfig{Address: cfg.Network.AlgodAddress, Token: cfg.Network.AlgodToken})
	if err != nil {
		return err
	}

	var wallet *algo.LocalWallet
	switch {
	case cfg.Wallet.Mnemonic != "":
		wallet, err = algo.NewLocalWallet(cfg.Wallet.Mnemonic)
	case opts.DryRun:
		wallet, err = algo.NewDevWallet("launchpad-dev")
	default:
		return errors.New("wallet mnemonic is required to send an airdrop")
	}
	if err != nil {
		return err
	}

	result, err := airdrop.New(algod, wallet, wallet.Address(), logger).Run(ctx, rows, opts)
	plan := result.Plan
	fmt.Printf("recipients=%d send=%d skipped_no_optin=%d fees=%d micro_algos=%d asset_units=%d batches=%d\n",
		len(rows), len(plan.Send), len(plan.SkippedNoOptIn), plan.TotalFees, plan.TotalMicroAlgos, plan.TotalAssetUnits, plan.Batches)
	for _, b := range result.Batches {
		fmt.Printf("group first_txid=%s size=%d round=%d\n", b.TxIDs[0], len(b.TxIDs), b.Round)
	}
	return err
}
