// Command keeper runs the autonomous market-making keeper: one trade
// scheduler per configured chain, a shared price-snapshot job, and a SQLite
// store underneath all of them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eigentrade/keeper/internal/ai"
	"github.com/eigentrade/keeper/internal/alert"
	"github.com/eigentrade/keeper/internal/budget"
	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/config"
	"github.com/eigentrade/keeper/internal/encoder"
	"github.com/eigentrade/keeper/internal/engine"
	"github.com/eigentrade/keeper/internal/executor"
	"github.com/eigentrade/keeper/internal/ledger"
	"github.com/eigentrade/keeper/internal/nonce"
	"github.com/eigentrade/keeper/internal/price"
	"github.com/eigentrade/keeper/internal/reactive"
	"github.com/eigentrade/keeper/internal/scheduler"
	"github.com/eigentrade/keeper/internal/store"
	"github.com/eigentrade/keeper/internal/types"
	"github.com/eigentrade/keeper/internal/vault"
	"github.com/eigentrade/keeper/internal/wallet"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to the given file, rotated at 100 MB",
	}
)

func main() {
	app := &cli.App{
		Name:   "keeper",
		Usage:  "autonomous market-making keeper for eigen fleets",
		Flags:  []cli.Flag{verbosityFlag, logJSONFlag, logFileFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) {
	var output io.Writer = os.Stderr
	usecolor := false
	if file := c.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		}
	} else {
		usecolor = isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
		if usecolor {
			output = colorable.NewColorableStderr()
		}
	}
	level := log.FromLegacyLevel(c.Int(verbosityFlag.Name))
	var handler slog.Handler
	if c.Bool(logJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(output, level)
	} else {
		handler = log.NewTerminalHandlerWithLevel(output, level, usecolor)
	}
	log.SetDefault(log.NewLogger(handler))
}

func run(c *cli.Context) error {
	setupLogging(c)
	logger := log.New("component", "main")

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "configuration")
	}
	if len(cfg.RPCEndpoints) == 0 {
		return errors.New("no RPC endpoints configured; set RPC_URL_<chainID>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := chain.Dial(ctx, cfg.RPCEndpoints)
	if err != nil {
		return errors.Wrap(err, "rpc dial")
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return errors.Wrap(err, "store")
	}
	defer db.Close()

	nonces := nonce.NewManager(gw)
	sender := chain.NewSender(gw, nonces)
	wallets, err := wallet.NewManager(cfg.KeeperPrivateKey, db, gw, sender)
	if err != nil {
		return errors.Wrap(err, "wallet manager")
	}
	logger.Info("Keeper identity loaded", "address", wallets.KeeperAddress())

	ledg := ledger.New(db)
	oracle := price.NewOracle(gw, db)
	sink := alert.NewSink(cfg.AlertWebhookURL)
	evaluator := ai.NewEvaluator(cfg.AI, db)
	sells := budget.NewSellBlockTracker(sink)
	spend := budget.NewSpendTracker(cfg.SpendRateThreshold, sink)

	var wg sync.WaitGroup
	for chainID := range cfg.RPCEndpoints {
		net := cfg.Networks[chainID]
		weth := common.HexToAddress(net.WETH)
		v2Router := common.HexToAddress(net.V2Router)
		v3Router := common.HexToAddress(net.V3Router)
		enc := encoder.New(weth, v2Router, v3Router)

		var vlt *vault.Vault
		vaultAddr := common.Address{}
		if net.Vault != "" {
			vaultAddr = common.HexToAddress(net.Vault)
			vlt = vault.New(gw, sender, vaultAddr, chainID)
		}
		exec := executor.New(gw, sender, enc, vlt, wallets, weth)

		var routers []common.Address
		for _, r := range []common.Address{v2Router, v3Router} {
			if r != (common.Address{}) {
				routers = append(routers, r)
			}
		}
		detector := reactive.NewDetector(gw, wallets.KeeperAddress(), vaultAddr, routers)

		deps := scheduler.Deps{
			Config:  cfg,
			ChainID: chainID,
			Chain:   gw,
			Store:   db,
			Wallets: wallets,
			Ledger:  ledg,
			Engine:  engine.New(reactive.NewScanner(detector, wallets), db),
			Oracle:  oracle,
			AI:      evaluator,
			Exec:    exec,
			Nonces:  nonces,
			Sells:   sells,
			Spend:   spend,
			Alerts:  sink,
		}
		if vlt != nil {
			deps.Vault = vlt
		}
		sched := scheduler.New(deps)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
		logger.Info("Scheduler started", "chain", chainID, "vault", vlt != nil)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		oracle.RunSnapshots(ctx, cfg.PriceSnapshotPeriod, func(ctx context.Context) ([]price.SnapshotTarget, error) {
			eigens, err := db.ListEigens(ctx, types.StatusActive)
			if err != nil {
				return nil, err
			}
			targets := make([]price.SnapshotTarget, 0, len(eigens))
			for _, e := range eigens {
				targets = append(targets, price.SnapshotTarget{ChainID: e.ChainID, Pool: e.Pool, Token: e.Token})
			}
			return targets, nil
		})
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")
	wg.Wait()
	logger.Info("Shutdown complete")
	return nil
}
