package utils

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/gateway"
)

// Process exit codes. Anything beyond a clean shutdown tells the supervisor
// whether a retry is worth it.
const (
	ExitConfig   = 1 // bad configuration or other unrecoverable setup error
	ExitLedger   = 2 // ledger corrupted or locked by another instance
	ExitDegraded = 3 // no network answered at startup
)

// Fatalf formats a message to standard error and exits with the given code.
func Fatalf(code int, format string, args ...interface{}) {
	w := io.Writer(os.Stderr)
	if runningTTY(os.Stdout) && runningTTY(os.Stderr) {
		w = io.MultiWriter(os.Stdout, os.Stderr)
	}
	fmt.Fprintf(w, "Fatal: "+format+"\n", args...)
	os.Exit(code)
}

func runningTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetupLogging configures the root logger from the command line: terminal
// colors when attached to one, optional JSON, optional rotating file.
func SetupLogging(ctx *cli.Context) {
	var (
		output   = io.Writer(os.Stderr)
		usecolor = runningTTY(os.Stderr) && os.Getenv("TERM") != "dumb"
	)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	format := log.TerminalFormat(usecolor)
	if ctx.Bool(LogJSONFlag.Name) {
		format = log.JSONFormat()
	}
	if file := ctx.String(LogFileFlag.Name); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 10,
			Compress:   true,
		}
		output = io.MultiWriter(output, rotator)
		usecolor = false
		format = log.TerminalFormat(false)
		if ctx.Bool(LogJSONFlag.Name) {
			format = log.JSONFormat()
		}
	}
	glogger := log.NewGlogHandler(log.StreamHandler(output, format))
	glogger.Verbosity(log.Lvl(ctx.Int(VerbosityFlag.Name)))
	if vmodule := ctx.String(VModuleFlag.Name); vmodule != "" {
		if err := glogger.Vmodule(vmodule); err != nil {
			Fatalf(ExitConfig, "Invalid --%s: %v", VModuleFlag.Name, err)
		}
	}
	log.Root().SetHandler(glogger)
}

// SetupMetrics enables the in-process metrics registry and the system
// samplers behind it.
func SetupMetrics(ctx *cli.Context) {
	if !ctx.Bool(MetricsEnabledFlag.Name) {
		return
	}
	metrics.Enabled = true
	go metrics.CollectProcessMetrics(3 * time.Second)
	log.Info("Metrics collection enabled")

	if endpoint := ctx.String(MetricsInfluxDBFlag.Name); endpoint != "" {
		database := ctx.String(MetricsInfluxDBDatabaseFlag.Name)
		username := ctx.String(MetricsInfluxDBUsernameFlag.Name)
		password := ctx.String(MetricsInfluxDBPasswordFlag.Name)
		log.Info("Metrics export to InfluxDB enabled", "endpoint", endpoint, "database", database)
		go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, 10*time.Second,
			endpoint, database, username, password, "arbd.", map[string]string{"host": hostTag()})
	}
}

func hostTag() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// tomlSettings matches config keys loosely (case-insensitive first letter)
// and treats unknown fields as fatal so typos never silently disable a
// tunable.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// LoadConfig builds the effective configuration: defaults, then the TOML
// file, then flag overrides, then sanitization. Validation is the caller's
// job so dumpconfig can show partial configs.
func LoadConfig(ctx *cli.Context) (arbconfig.Config, error) {
	cfg := arbconfig.Defaults
	if file := ctx.String(ConfigFileFlag.Name); file != "" {
		f, err := os.Open(file)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", file, err)
		}
	}
	applyFlags(ctx, &cfg)
	return cfg.Sanitize(), nil
}

func applyFlags(ctx *cli.Context, cfg *arbconfig.Config) {
	if ctx.IsSet(DataDirFlag.Name) {
		cfg.DataDir = ctx.String(DataDirFlag.Name)
	}
	if ctx.IsSet(AutoExecuteFlag.Name) {
		cfg.AutoExecute = ctx.Bool(AutoExecuteFlag.Name)
	}
	if ctx.IsSet(HTTPHostFlag.Name) {
		cfg.API.HTTPHost = ctx.String(HTTPHostFlag.Name)
	}
	if ctx.IsSet(HTTPPortFlag.Name) {
		cfg.API.HTTPPort = ctx.Int(HTTPPortFlag.Name)
	}
	if ctx.IsSet(KafkaBrokersFlag.Name) {
		cfg.Export.KafkaBrokers = ctx.StringSlice(KafkaBrokersFlag.Name)
	}
	if ctx.IsSet(KafkaTopicFlag.Name) {
		cfg.Export.KafkaTopic = ctx.String(KafkaTopicFlag.Name)
	}
}

// EncodeConfig renders a configuration back to TOML, the dumpconfig output.
func EncodeConfig(w io.Writer, cfg *arbconfig.Config) error {
	return tomlSettings.NewEncoder(w).Encode(cfg)
}

// MakeSigner loads the trading key from the file given on the command line.
func MakeSigner(ctx *cli.Context) (gateway.Signer, error) {
	file := ctx.String(KeyFileFlag.Name)
	if file == "" {
		return nil, fmt.Errorf("no trading key: --%s required", KeyFileFlag.Name)
	}
	key, err := crypto.LoadECDSA(file)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", file, err)
	}
	return gateway.NewKeySigner(key), nil
}
