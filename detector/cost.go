package detector

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/pricefeed"
)

// Cross-pool value comparison goes through configured USD reference rates.
// Every token carries 18 decimals, so base-unit ratios between tokens need
// no scale correction; only USD legs multiply by the unit.
var unitRat = new(big.Rat).SetInt(arbconfig.UnitWei)

// ratToBase floors a whole-token rational into base units, clamped at zero.
func ratToBase(tokens *big.Rat) *uint256.Int {
	if tokens.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	scaled := new(big.Rat).Mul(tokens, unitRat)
	v := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	out, overflow := uint256.FromBig(v)
	if overflow {
		return uint256.NewInt(0)
	}
	return out
}

// baseToUSD values base units of a token with a USD-per-whole-token rate.
func baseToUSD(amount *uint256.Int, usdPerToken *big.Rat) *big.Rat {
	v := new(big.Rat).SetInt(amount.ToBig())
	v.Quo(v, unitRat)
	return v.Mul(v, usdPerToken)
}

// convertQuote re-denominates base units of one paired token into another
// through their USD rates, flooring.
func convertQuote(amount *uint256.Int, rateFrom, rateTo *big.Rat) *uint256.Int {
	v := new(big.Rat).SetInt(amount.ToBig())
	v.Mul(v, rateFrom)
	v.Quo(v, rateTo)
	out, overflow := uint256.FromBig(new(big.Int).Quo(v.Num(), v.Denom()))
	if overflow {
		return uint256.NewInt(0)
	}
	return out
}

// cqtUSD derives the subject token's USD price from a pool quote: paired per
// CQT times USD per paired.
func (d *Detector) cqtUSD(pool *arbconfig.PoolConfig, snap *pricefeed.Snapshot) (*big.Rat, bool) {
	rate, ok := d.cfg.QuoteRate(pool.PairedToken())
	if !ok {
		return nil, false
	}
	v := new(big.Rat).Mul(snap.Price.Rat(), rate.Rat())
	if v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// gasPriceFor reads the cached probe gas price, falling back to the
// configured cap when no probe has answered yet. The risk filter re-checks
// the live price before admission.
func (d *Detector) gasPriceFor(network string) *big.Int {
	if p := d.gas.CachedGasPrice(network); p != nil {
		return p
	}
	return d.cfg.GasPriceCapWei(network)
}

// gasCostCQT converts a gas budget on a network into CQT base units:
// wei × nativeUSD / cqtUSD, floored.
func (d *Detector) gasCostCQT(network string, units uint64, gasPrice *big.Int, cqtUSD *big.Rat) *uint256.Int {
	ncfg, ok := d.cfg.Networks[network]
	if !ok {
		return uint256.NewInt(0)
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(units), gasPrice)
	cost := new(big.Rat).SetInt(wei)
	cost.Mul(cost, ncfg.NativeUSD.Rat())
	cost.Quo(cost, cqtUSD)
	out, overflow := uint256.FromBig(new(big.Int).Quo(cost.Num(), cost.Denom()))
	if overflow {
		return uint256.NewInt(0)
	}
	return out
}

// bridgeFlatCQT converts the bridge's flat USD fee into CQT base units.
func (d *Detector) bridgeFlatCQT(cqtUSD *big.Rat) *uint256.Int {
	fee := new(big.Rat).Quo(d.cfg.CrossChain.FlatFeeUSD.Rat(), cqtUSD)
	return ratToBase(fee)
}

// bridgePctCQT is the size-proportional bridge fee on a CQT notional.
func (d *Detector) bridgePctCQT(size *uint256.Int) *uint256.Int {
	return applyBps(size, d.cfg.CrossChain.PercentFeeBps)
}

// slippageBuffer reserves the configured slippage bound against the trade.
func (d *Detector) slippageBuffer(size *uint256.Int) *uint256.Int {
	return applyBps(size, d.cfg.Arbitrage.MaxSlippageBps)
}

// bridgeWithinBudget drops cross-network pairs whose expected delivery time
// cannot fit the confirmation timeout.
func (d *Detector) bridgeWithinBudget(targetNetwork string) bool {
	ncfg, ok := d.cfg.Networks[targetNetwork]
	if !ok {
		return false
	}
	expected := ncfg.BlockTime * time.Duration(ncfg.ConfirmationBlocks) * 2
	return expected <= d.cfg.CrossChain.ConfirmationTimeout
}
