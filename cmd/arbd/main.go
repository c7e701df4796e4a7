// arbd is the cross-network arbitrage daemon for the CQT token.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/cqt-network/arbd/arb"
	"github.com/cqt-network/arbd/cmd/utils"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

var app = &cli.App{
	Name:    "arbd",
	Usage:   "CQT cross-network arbitrage daemon",
	Version: params.VersionWithMeta,
	Flags:   utils.RunFlags,
	Action:  run,
	Commands: []*cli.Command{
		versionCommand,
		dumpConfigCommand,
		poolsCommand,
		ledgerCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(utils.ExitConfig)
	}
}

func run(ctx *cli.Context) error {
	utils.SetupLogging(ctx)
	utils.SetupMetrics(ctx)

	cfg, err := utils.LoadConfig(ctx)
	if err != nil {
		utils.Fatalf(utils.ExitConfig, "Configuration load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		utils.Fatalf(utils.ExitConfig, "Configuration invalid: %v", err)
	}
	signer, err := utils.MakeSigner(ctx)
	if err != nil {
		utils.Fatalf(utils.ExitConfig, "Trading key unavailable: %v", err)
	}
	log.Info("Starting arbd", "version", params.VersionWithMeta,
		"networks", len(cfg.Networks), "pools", len(cfg.EnabledPools()),
		"account", signer.Address(), "autoExecute", cfg.AutoExecute)

	engine, err := arb.New(&cfg, signer)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrCorrupted), errors.Is(err, ledger.ErrAlreadyRunning),
			errors.Is(err, ledger.ErrSchemaVersion):
			utils.Fatalf(utils.ExitLedger, "Ledger unusable: %v", err)
		default:
			utils.Fatalf(utils.ExitConfig, "Engine construction failed: %v", err)
		}
	}
	if err := engine.Start(ctx.Context); err != nil {
		if errors.Is(err, arb.ErrAllNetworksDegraded) {
			utils.Fatalf(utils.ExitDegraded, "No configured network is reachable")
		}
		utils.Fatalf(utils.ExitConfig, "Engine start failed: %v", err)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case sig := <-sigc:
		log.Info("Shutdown signal received", "signal", sig)
		// A second interrupt aborts the drain.
		go func() {
			<-sigc
			log.Error("Forced shutdown")
			os.Exit(utils.ExitConfig)
		}()
	case <-ctx.Context.Done():
	}
	engine.Stop()
	return nil
}
