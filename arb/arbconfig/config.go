// Package arbconfig holds the declarative configuration of the engine. The
// binary decodes a TOML file into Config, applies flag overrides, sanitizes
// the result and hands it to every component constructor. No component reads
// configuration from anywhere else.
package arbconfig

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/cqt-network/arbd/params"
)

// CQTSymbol is the subject token. Every monitored pool pairs it against a
// wrapped native or stable asset; per-network addresses live in PoolConfig.
const CQTSymbol = "CQT"

// TokenDecimals applies to CQT and every paired asset the engine trades.
// Amounts throughout the engine are base units at this precision.
const TokenDecimals = 18

// UnitWei is 10^TokenDecimals, one whole token in base units.
var UnitWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// ConfigError marks a fatal configuration problem. The process exits with
// the configuration error code when one surfaces at startup.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func errf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NetworkConfig describes one EVM network the engine trades on.
type NetworkConfig struct {
	ChainID            uint64
	RPCURL             string
	BackupRPCURLs      []string
	ConfirmationBlocks uint64
	MaxGasPriceGwei    uint64
	NativeSymbol       string
	NativeUSD          decimal.Decimal // USD per whole native token
	BlockTime          time.Duration

	// Router is the engine's periphery contract on this network, the
	// target of every swap and addLiquidity transaction.
	Router common.Address

	// Tokens maps token symbols to their address on this network.
	Tokens map[string]common.Address
}

// PriceRange bounds the plausible paired-per-CQT quote of a pool. Snapshots
// outside it are flagged suspect and ignored by the detector.
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// PoolConfig describes one monitored AMM pool. Token0/Token1 are symbols;
// one of them is always CQT.
type PoolConfig struct {
	ID           string
	Network      string
	Address      common.Address
	Token0       string
	Token1       string
	FeeTierBps   int64
	Enabled      bool
	PollInterval time.Duration // zero means Arbitrage.MonitoringInterval

	ExpectedPriceRange PriceRange
}

// PairedToken returns the non-CQT side of the pool.
func (p *PoolConfig) PairedToken() string {
	if p.Token0 == CQTSymbol {
		return p.Token1
	}
	return p.Token0
}

// CQTIsToken0 reports which side of the pool the subject token sits on,
// fixing the direction of the sqrtPriceX96 quote.
func (p *PoolConfig) CQTIsToken0() bool {
	return p.Token0 == CQTSymbol
}

// HoldsCQT reports whether the pool trades the subject token at all.
func (p *PoolConfig) HoldsCQT() bool {
	return p.Token0 == CQTSymbol || p.Token1 == CQTSymbol
}

// ArbitrageConfig tunes detection, sizing and admission.
type ArbitrageConfig struct {
	MinProfitBps            int64                  // admission floor, bps of trade notional
	MinPositionSize         *math.HexOrDecimal256  // CQT base units
	MaxPositionSize         *math.HexOrDecimal256  // CQT base units
	MaxSlippageBps          int64
	MonitoringInterval      time.Duration
	DetectionInterval       time.Duration
	StaleThreshold          time.Duration
	CooldownPeriod          time.Duration
	MaxConcurrentArbitrages int
	MinConfidence           float64

	// Per-operation gas unit estimates used by the detector's cost model.
	// Live estimation replaces these at submission time.
	SwapGasUnits         uint64
	BridgeGasUnits       uint64
	AddLiquidityGasUnits uint64
}

// CrossChainConfig tunes the bridge legs and their cost model.
type CrossChainConfig struct {
	BridgeContracts     map[string]common.Address // network id -> bridge
	FlatFeeUSD          decimal.Decimal
	PercentFeeBps       int64
	ConfirmationTimeout time.Duration
}

// BLPConfig tunes the built-in liquidity provider.
type BLPConfig struct {
	ProfitAllocationBps  int64                 // share of realized profit recycled
	MinReserveBalance    *math.HexOrDecimal256 // CQT base units
	MinInjectionInterval time.Duration
	EvaluationInterval   time.Duration
	MaxPoolFractionBps   int64          // injection notional cap vs pool liquidity
	PoolPriorities       map[string]int // higher wins when several pools are injectable
}

// SecurityConfig tunes the sentinel.
type SecurityConfig struct {
	MaxDailyLoss           *math.HexOrDecimal256 // CQT base units per UTC day
	MaxConsecutiveFailures int
	FailureWindow          time.Duration
	MaxGasPriceGwei        uint64 // global cap, applied on top of per-network caps
}

// APIConfig selects the control surface listener. An empty host disables it.
type APIConfig struct {
	HTTPHost string
	HTTPPort int
}

// ExportConfig selects the optional Kafka mirror of the ledger stream.
type ExportConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Config is the root configuration object.
type Config struct {
	DataDir string

	Networks map[string]NetworkConfig
	Pools    []PoolConfig

	Arbitrage  ArbitrageConfig
	CrossChain CrossChainConfig
	BLP        BLPConfig
	Security   SecurityConfig
	API        APIConfig
	Export     ExportConfig

	// QuoteUSD maps paired token symbols to their USD reference rate,
	// used to compare values across pools quoted in different assets.
	QuoteUSD map[string]decimal.Decimal

	// AutoExecute starts the executor dequeuing admitted opportunities.
	// When false the engine detects and ranks but never trades.
	AutoExecute bool
}

// Defaults contains the default settings for every tunable.
var Defaults = Config{
	DataDir: "arbd-data",
	Arbitrage: ArbitrageConfig{
		MinProfitBps:            50, // 0.5% of notional
		MinPositionSize:         amount(100),
		MaxPositionSize:         amount(50_000),
		MaxSlippageBps:          50,
		MonitoringInterval:      30 * time.Second,
		DetectionInterval:       5 * time.Second,
		StaleThreshold:          90 * time.Second,
		CooldownPeriod:          60 * time.Second,
		MaxConcurrentArbitrages: 3,
		MinConfidence:           0.7,
		SwapGasUnits:            180_000,
		BridgeGasUnits:          260_000,
		AddLiquidityGasUnits:    220_000,
	},
	CrossChain: CrossChainConfig{
		FlatFeeUSD:          decimal.NewFromInt(2),
		PercentFeeBps:       10,
		ConfirmationTimeout: params.DefaultBridgeTimeout,
	},
	BLP: BLPConfig{
		ProfitAllocationBps:  2000, // 20%
		MinReserveBalance:    amount(1000),
		MinInjectionInterval: time.Hour,
		EvaluationInterval:   60 * time.Second,
		MaxPoolFractionBps:   100, // 1% of pool liquidity
	},
	Security: SecurityConfig{
		MaxDailyLoss:           amount(500),
		MaxConsecutiveFailures: 5,
		FailureWindow:          30 * time.Minute,
		MaxGasPriceGwei:        300,
	},
	API:         APIConfig{HTTPHost: "", HTTPPort: 8547},
	AutoExecute: true,
}

// amount builds a whole-token amount in base units for the defaults table.
func amount(tokens int64) *math.HexOrDecimal256 {
	v := new(big.Int).Mul(big.NewInt(tokens), UnitWei)
	return (*math.HexOrDecimal256)(v)
}

// BigInt converts an optional config amount into a big.Int, never nil.
func BigInt(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}

// GasPriceCapWei returns the effective gas price ceiling for a network: the
// lower of the per-network cap and the global security cap, in wei.
func (c *Config) GasPriceCapWei(network string) *big.Int {
	cap := c.Security.MaxGasPriceGwei
	if n, ok := c.Networks[network]; ok && n.MaxGasPriceGwei > 0 && (cap == 0 || n.MaxGasPriceGwei < cap) {
		cap = n.MaxGasPriceGwei
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(cap), big.NewInt(1_000_000_000))
}

// Pool returns the pool configuration by id.
func (c *Config) Pool(id string) (PoolConfig, bool) {
	for i := range c.Pools {
		if c.Pools[i].ID == id {
			return c.Pools[i], true
		}
	}
	return PoolConfig{}, false
}

// EnabledPools returns the pools the engine actively monitors.
func (c *Config) EnabledPools() []PoolConfig {
	var out []PoolConfig
	for _, p := range c.Pools {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// QuoteRate returns the USD reference rate for a paired token symbol.
func (c *Config) QuoteRate(symbol string) (decimal.Decimal, bool) {
	r, ok := c.QuoteUSD[symbol]
	return r, ok
}

// Sanitize checks the tunables and clamps anything unreasonable, warning
// about every adjustment. It returns a copy; the input is not modified.
func (c Config) Sanitize() Config {
	def := Defaults
	if c.Arbitrage.MonitoringInterval < time.Second {
		log.Warn("Sanitizing invalid monitoring interval", "provided", c.Arbitrage.MonitoringInterval, "updated", def.Arbitrage.MonitoringInterval)
		c.Arbitrage.MonitoringInterval = def.Arbitrage.MonitoringInterval
	}
	if c.Arbitrage.DetectionInterval < time.Second {
		log.Warn("Sanitizing invalid detection interval", "provided", c.Arbitrage.DetectionInterval, "updated", def.Arbitrage.DetectionInterval)
		c.Arbitrage.DetectionInterval = def.Arbitrage.DetectionInterval
	}
	if c.Arbitrage.StaleThreshold < c.Arbitrage.MonitoringInterval {
		updated := 3 * c.Arbitrage.MonitoringInterval
		log.Warn("Sanitizing stale threshold below poll interval", "provided", c.Arbitrage.StaleThreshold, "updated", updated)
		c.Arbitrage.StaleThreshold = updated
	}
	if c.Arbitrage.MaxConcurrentArbitrages < 1 {
		log.Warn("Sanitizing invalid concurrency limit", "provided", c.Arbitrage.MaxConcurrentArbitrages, "updated", def.Arbitrage.MaxConcurrentArbitrages)
		c.Arbitrage.MaxConcurrentArbitrages = def.Arbitrage.MaxConcurrentArbitrages
	}
	if c.Arbitrage.MinConfidence <= 0 || c.Arbitrage.MinConfidence > 1 {
		log.Warn("Sanitizing invalid confidence floor", "provided", c.Arbitrage.MinConfidence, "updated", def.Arbitrage.MinConfidence)
		c.Arbitrage.MinConfidence = def.Arbitrage.MinConfidence
	}
	if c.Arbitrage.MaxSlippageBps <= 0 || c.Arbitrage.MaxSlippageBps >= 10_000 {
		log.Warn("Sanitizing invalid slippage bound", "provided", c.Arbitrage.MaxSlippageBps, "updated", def.Arbitrage.MaxSlippageBps)
		c.Arbitrage.MaxSlippageBps = def.Arbitrage.MaxSlippageBps
	}
	if c.Arbitrage.SwapGasUnits == 0 {
		c.Arbitrage.SwapGasUnits = def.Arbitrage.SwapGasUnits
	}
	if c.Arbitrage.BridgeGasUnits == 0 {
		c.Arbitrage.BridgeGasUnits = def.Arbitrage.BridgeGasUnits
	}
	if c.Arbitrage.AddLiquidityGasUnits == 0 {
		c.Arbitrage.AddLiquidityGasUnits = def.Arbitrage.AddLiquidityGasUnits
	}
	if c.CrossChain.ConfirmationTimeout < time.Second {
		log.Warn("Sanitizing invalid bridge timeout", "provided", c.CrossChain.ConfirmationTimeout, "updated", def.CrossChain.ConfirmationTimeout)
		c.CrossChain.ConfirmationTimeout = def.CrossChain.ConfirmationTimeout
	}
	if c.BLP.ProfitAllocationBps < 0 || c.BLP.ProfitAllocationBps > 10_000 {
		log.Warn("Sanitizing invalid profit allocation", "provided", c.BLP.ProfitAllocationBps, "updated", def.BLP.ProfitAllocationBps)
		c.BLP.ProfitAllocationBps = def.BLP.ProfitAllocationBps
	}
	if c.BLP.EvaluationInterval < time.Second {
		c.BLP.EvaluationInterval = def.BLP.EvaluationInterval
	}
	if c.BLP.MaxPoolFractionBps <= 0 || c.BLP.MaxPoolFractionBps > 10_000 {
		log.Warn("Sanitizing invalid injection fraction", "provided", c.BLP.MaxPoolFractionBps, "updated", def.BLP.MaxPoolFractionBps)
		c.BLP.MaxPoolFractionBps = def.BLP.MaxPoolFractionBps
	}
	if c.Security.MaxConsecutiveFailures < 1 {
		log.Warn("Sanitizing invalid failure limit", "provided", c.Security.MaxConsecutiveFailures, "updated", def.Security.MaxConsecutiveFailures)
		c.Security.MaxConsecutiveFailures = def.Security.MaxConsecutiveFailures
	}
	if c.Security.FailureWindow < time.Minute {
		c.Security.FailureWindow = def.Security.FailureWindow
	}
	networks := make(map[string]NetworkConfig, len(c.Networks))
	for id, n := range c.Networks {
		networks[id] = n
	}
	c.Networks = networks
	c.Pools = append([]PoolConfig(nil), c.Pools...)
	for id, n := range c.Networks {
		if n.ConfirmationBlocks == 0 {
			n.ConfirmationBlocks = params.DefaultConfirmationDepth
		}
		if preset, ok := params.Presets[id]; ok {
			if n.ChainID == 0 {
				n.ChainID = preset.ChainID
			}
			if n.NativeSymbol == "" {
				n.NativeSymbol = preset.NativeSymbol
			}
			if n.BlockTime == 0 {
				n.BlockTime = preset.BlockTime
			}
		}
		if n.BlockTime == 0 {
			n.BlockTime = 2 * time.Second
		}
		c.Networks[id] = n
	}
	for i := range c.Pools {
		if c.Pools[i].PollInterval == 0 {
			c.Pools[i].PollInterval = c.Arbitrage.MonitoringInterval
		}
		if c.Pools[i].FeeTierBps == 0 {
			c.Pools[i].FeeTierBps = 30
		}
	}
	return c
}

// Validate rejects configurations the engine cannot run on. Called after
// Sanitize; every failure is a ConfigError.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errf("datadir", "missing")
	}
	if len(c.Networks) == 0 {
		return errf("networks", "at least one network required")
	}
	for id, n := range c.Networks {
		if n.RPCURL == "" {
			return errf("networks."+id, "rpc url missing")
		}
		if n.ChainID == 0 {
			return errf("networks."+id, "chain id missing")
		}
		if n.NativeUSD.Sign() <= 0 {
			return errf("networks."+id, "native usd rate missing")
		}
	}
	if len(c.EnabledPools()) == 0 {
		return errf("pools", "no enabled pools")
	}
	seen := make(map[string]bool)
	for _, p := range c.Pools {
		if p.ID == "" {
			return errf("pools", "pool without id")
		}
		if seen[p.ID] {
			return errf("pools."+p.ID, "duplicate pool id")
		}
		seen[p.ID] = true
		if _, ok := c.Networks[p.Network]; !ok {
			return errf("pools."+p.ID, "unknown network %q", p.Network)
		}
		if !p.HoldsCQT() {
			return errf("pools."+p.ID, "pool does not trade %s", CQTSymbol)
		}
		if p.Address == (common.Address{}) {
			return errf("pools."+p.ID, "pool address missing")
		}
		if _, ok := c.QuoteUSD[p.PairedToken()]; !ok {
			return errf("pools."+p.ID, "no usd rate for quote token %q", p.PairedToken())
		}
		n := c.Networks[p.Network]
		if n.Router == (common.Address{}) {
			return errf("networks."+p.Network, "router contract missing")
		}
		if _, ok := n.Tokens[p.Token0]; !ok {
			return errf("networks."+p.Network, "no address for token %q", p.Token0)
		}
		if _, ok := n.Tokens[p.Token1]; !ok {
			return errf("networks."+p.Network, "no address for token %q", p.Token1)
		}
		if p.FeeTierBps < 0 || p.FeeTierBps >= 10_000 {
			return errf("pools."+p.ID, "fee tier %d out of range", p.FeeTierBps)
		}
	}
	if BigInt(c.Arbitrage.MinPositionSize).Sign() <= 0 {
		return errf("arbitrage.minPositionSize", "must be positive")
	}
	if BigInt(c.Arbitrage.MaxPositionSize).Cmp(BigInt(c.Arbitrage.MinPositionSize)) < 0 {
		return errf("arbitrage.maxPositionSize", "below minPositionSize")
	}
	networks := make(map[string]bool)
	for _, p := range c.EnabledPools() {
		networks[p.Network] = true
	}
	if len(networks) > 1 {
		for id := range networks {
			if _, ok := c.CrossChain.BridgeContracts[id]; !ok {
				return errf("crossChain.bridgeContracts", "no bridge contract for network %q", id)
			}
		}
	}
	return nil
}
