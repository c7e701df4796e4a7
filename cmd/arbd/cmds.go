package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/cqt-network/arbd/cmd/utils"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version numbers",
	Action: func(ctx *cli.Context) error {
		fmt.Println("arbd", params.VersionWithMeta)
		fmt.Println("Go Version:", runtime.Version())
		fmt.Println("Architecture:", runtime.GOARCH)
		fmt.Println("Operating System:", runtime.GOOS)
		return nil
	},
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "Print the effective configuration as TOML",
	Flags: []cli.Flag{utils.ConfigFileFlag, utils.DataDirFlag, utils.AutoExecuteFlag,
		utils.HTTPHostFlag, utils.HTTPPortFlag, utils.KafkaBrokersFlag, utils.KafkaTopicFlag},
	Action: func(ctx *cli.Context) error {
		cfg, err := utils.LoadConfig(ctx)
		if err != nil {
			utils.Fatalf(utils.ExitConfig, "Configuration load failed: %v", err)
		}
		return utils.EncodeConfig(os.Stdout, &cfg)
	},
}

var poolsCommand = &cli.Command{
	Name:  "pools",
	Usage: "List the configured pools",
	Flags: []cli.Flag{utils.ConfigFileFlag},
	Action: func(ctx *cli.Context) error {
		cfg, err := utils.LoadConfig(ctx)
		if err != nil {
			utils.Fatalf(utils.ExitConfig, "Configuration load failed: %v", err)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Network", "Address", "Pair", "Fee (bps)", "Poll", "Enabled"})
		for _, p := range cfg.Pools {
			table.Append([]string{
				p.ID,
				p.Network,
				p.Address.Hex(),
				p.Token0 + "/" + p.Token1,
				strconv.FormatInt(p.FeeTierBps, 10),
				p.PollInterval.String(),
				strconv.FormatBool(p.Enabled),
			})
		}
		table.Render()
		return nil
	},
}

var ledgerCommand = &cli.Command{
	Name:  "ledger",
	Usage: "Inspect the append-only event ledger",
	Subcommands: []*cli.Command{
		{
			Name:      "dump",
			Usage:     "Print ledger events, oldest first",
			ArgsUsage: "[start-seq]",
			Flags: []cli.Flag{
				utils.ConfigFileFlag,
				utils.DataDirFlag,
				&cli.IntFlag{Name: "limit", Usage: "Maximum number of events to print (0 = all)"},
				&cli.BoolFlag{Name: "json", Usage: "Emit JSON lines instead of a table"},
			},
			Action: dumpLedger,
		},
	},
}

// dumpLedger streams the log to stdout. The store is lock-exclusive, so this
// only works while the daemon is down.
func dumpLedger(ctx *cli.Context) error {
	cfg, err := utils.LoadConfig(ctx)
	if err != nil {
		utils.Fatalf(utils.ExitConfig, "Configuration load failed: %v", err)
	}
	var start uint64
	if ctx.Args().Present() {
		start, err = strconv.ParseUint(ctx.Args().First(), 10, 64)
		if err != nil {
			utils.Fatalf(utils.ExitConfig, "Invalid start sequence %q: %v", ctx.Args().First(), err)
		}
	}

	store, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		utils.Fatalf(utils.ExitLedger, "Cannot open ledger (daemon running?): %v", err)
	}
	defer store.Close()

	var (
		remaining = ctx.Int("limit")
		asJSON    = ctx.Bool("json")
		enc       = json.NewEncoder(os.Stdout)
		table     *tablewriter.Table
	)
	if !asJSON {
		table = tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Seq", "Time", "Kind", "Payload"})
		table.SetAutoWrapText(false)
	}
	for {
		batch := 512
		if remaining > 0 && remaining < batch {
			batch = remaining
		}
		events, err := store.Events(start, batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if asJSON {
				if err := enc.Encode(evt); err != nil {
					return err
				}
			} else {
				table.Append([]string{
					strconv.FormatUint(evt.Seq, 10),
					evt.Time.UTC().Format(time.RFC3339),
					string(evt.Kind),
					string(evt.Payload),
				})
			}
			start = evt.Seq + 1
		}
		if remaining > 0 {
			remaining -= len(events)
			if remaining <= 0 {
				break
			}
		}
	}
	if table != nil {
		table.Render()
	}
	return nil
}
