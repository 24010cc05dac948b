// settler runs the rewards-settlement engine: a leader-elected process
// that, once per tick, claims accrued creator fees, splits them between
// the rewards pot and treasury, picks the period's top three wallets, and
// executes one on-chain batch payout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/config"
	"github.com/bags-rewards/settler/internal/engine"
	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/log"
	"github.com/bags-rewards/settler/internal/query"
	"github.com/bags-rewards/settler/internal/store"
)

const clientIdentifier = "settler"

var (
	cfg    *config.Config
	logger *zap.Logger

	app = &cli.App{
		Name:    clientIdentifier,
		Usage:   "rewards-settlement engine for a leaderboard token-launch platform",
		Version: "1.0.0",
	}
)

func init() {
	app.Action = runServe
	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "start the engine (which runs its immediate tick when it wins leadership), run one manual settlement tick (mirrors the HTTP POST /run trigger), and exit",
			Action: runOnce,
		},
	}

	app.Before = func(_ *cli.Context) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("settler: load config: %w", err)
		}
		logger, err = log.New(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("settler: build logger: %w", err)
		}
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildEngine() (*engine.Engine, func(), error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("settler: open store: %w", err)
	}
	closeFn := func() { _ = st.Close() }

	source := query.NewSQLTradeSource(st.Pool())

	var vaultAddr string
	if cfg.VaultPrivateKey != "" {
		vaultAddr, err = ledger.VaultAddressFromPrivateKey(cfg.VaultPrivateKey)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("settler: derive vault address: %w", err)
		}
	}
	chain := ledger.NewRPCChainClient(cfg.SolanaRPCURL, vaultAddr)
	claim := ledger.NewBagsFeeClaimClient("https://public-api-v2.bags.fm/api", cfg.BagsAPIKey)

	eng, err := engine.New(cfg, logger, st, source, chain, claim)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("settler: wire engine: %w", err)
	}
	return eng, closeFn, nil
}

func runServe(cctx *cli.Context) error {
	eng, closeFn, err := buildEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("settler: start engine: %w", err)
	}
	logger.Info("settler started")

	<-ctx.Done()
	logger.Info("settler shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	eng.Stop(stopCtx)
	return nil
}

func runOnce(cctx *cli.Context) error {
	eng, closeFn, err := buildEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := eng.Start(cctx.Context); err != nil {
		return fmt.Errorf("settler: start engine: %w", err)
	}
	defer eng.Stop(cctx.Context)

	ok, message := eng.Run(cctx.Context)
	logger.Info("manual run complete", zap.Bool("ok", ok), zap.String("message", message))
	if !ok {
		return fmt.Errorf("settler: run rejected: %s", message)
	}
	return nil
}
