// Package utils holds the daemon's command line flags and the shared setup
// helpers behind them.
package utils

import (
	"github.com/urfave/cli/v2"
)

var (
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ledger and runtime state",
	}
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	KeyFileFlag = &cli.StringFlag{
		Name:  "keyfile",
		Usage: "File containing the hex-encoded private key of the trading account",
	}
	AutoExecuteFlag = &cli.BoolFlag{
		Name:  "autoexecute",
		Usage: "Execute admitted opportunities (detection-only when disabled)",
		Value: true,
	}

	HTTPHostFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "Control API listening interface (empty disables the API)",
	}
	HTTPPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "Control API listening port",
		Value: 8547,
	}

	VerbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	VModuleFlag = &cli.StringFlag{
		Name:  "vmodule",
		Usage: "Per-module verbosity: comma-separated list of <pattern>=<level>",
	}
	LogJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	LogFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotating file in addition to the console",
	}

	MetricsEnabledFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and reporting",
	}
	MetricsInfluxDBFlag = &cli.StringFlag{
		Name:  "metrics.influxdb",
		Usage: "InfluxDB endpoint to push metrics to (empty disables the reporter)",
	}
	MetricsInfluxDBDatabaseFlag = &cli.StringFlag{
		Name:  "metrics.influxdb.database",
		Usage: "InfluxDB database for the metrics reporter",
		Value: "arbd",
	}
	MetricsInfluxDBUsernameFlag = &cli.StringFlag{
		Name:  "metrics.influxdb.username",
		Usage: "InfluxDB username",
	}
	MetricsInfluxDBPasswordFlag = &cli.StringFlag{
		Name:  "metrics.influxdb.password",
		Usage: "InfluxDB password",
	}

	KafkaBrokersFlag = &cli.StringSliceFlag{
		Name:  "export.kafka",
		Usage: "Comma separated Kafka brokers mirroring the ledger stream",
	}
	KafkaTopicFlag = &cli.StringFlag{
		Name:  "export.topic",
		Usage: "Kafka topic for the ledger stream",
		Value: "arbd-ledger",
	}
)

// RunFlags is the full flag set of the run action.
var RunFlags = []cli.Flag{
	DataDirFlag,
	ConfigFileFlag,
	KeyFileFlag,
	AutoExecuteFlag,
	HTTPHostFlag,
	HTTPPortFlag,
	VerbosityFlag,
	VModuleFlag,
	LogJSONFlag,
	LogFileFlag,
	MetricsEnabledFlag,
	MetricsInfluxDBFlag,
	MetricsInfluxDBDatabaseFlag,
	MetricsInfluxDBUsernameFlag,
	MetricsInfluxDBPasswordFlag,
	KafkaBrokersFlag,
	KafkaTopicFlag,
}
