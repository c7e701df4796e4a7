package detector

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/pricefeed"
)

// The detector prices trades against virtual constant-product reserves
// derived from concentrated-liquidity state: for in-range liquidity L at
// sqrt price P (Q64.96), reserve0 = L·2^96/P and reserve1 = L·P/2^96. All
// math is exact integer arithmetic; basis points use a 10^4 denominator.
const bpsDenom = 10_000

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// virtualReserves converts pool state into token0/token1 reserves.
func virtualReserves(sqrtPrice, liquidity *big.Int) (*uint256.Int, *uint256.Int) {
	r0 := new(big.Int).Mul(liquidity, q96)
	r0.Quo(r0, sqrtPrice)
	r1 := new(big.Int).Mul(liquidity, sqrtPrice)
	r1.Quo(r1, q96)

	res0, _ := uint256.FromBig(r0)
	res1, _ := uint256.FromBig(r1)
	return res0, res1
}

// poolReserves orients the virtual reserves as (CQT, paired).
func poolReserves(pool *arbconfig.PoolConfig, snap *pricefeed.Snapshot) (*uint256.Int, *uint256.Int) {
	r0, r1 := virtualReserves(snap.SqrtPriceX96, snap.Liquidity)
	if pool.CQTIsToken0() {
		return r0, r1
	}
	return r1, r0
}

// amountOut is the constant-product output for an exact input after the
// pool fee: out = inFee·Ro / (Ri·10^4 + inFee) with inFee = in·(10^4−fee).
func amountOut(in, reserveIn, reserveOut *uint256.Int, feeBps int64) *uint256.Int {
	if in.IsZero() || reserveIn.IsZero() || reserveOut.IsZero() {
		return uint256.NewInt(0)
	}
	inFee := new(uint256.Int).Mul(in, uint256.NewInt(uint64(bpsDenom-feeBps)))
	num := new(uint256.Int).Mul(inFee, reserveOut)
	den := new(uint256.Int).Mul(reserveIn, uint256.NewInt(bpsDenom))
	den.Add(den, inFee)
	return num.Div(num, den)
}

// amountIn is the inverse: the exact input that yields out, rounded up.
// Returns nil when the pool cannot produce out at all.
func amountIn(out, reserveIn, reserveOut *uint256.Int, feeBps int64) *uint256.Int {
	if out.IsZero() {
		return uint256.NewInt(0)
	}
	if out.Cmp(reserveOut) >= 0 {
		return nil
	}
	num := new(uint256.Int).Mul(reserveIn, out)
	num.Mul(num, uint256.NewInt(bpsDenom))
	den := new(uint256.Int).Sub(reserveOut, out)
	den.Mul(den, uint256.NewInt(uint64(bpsDenom-feeBps)))
	in := num.Div(num, den)
	return in.AddUint64(in, 1)
}

// applyBps returns v·bps/10^4, the size-proportional cost helper.
func applyBps(v *uint256.Int, bps int64) *uint256.Int {
	out := new(uint256.Int).Mul(v, uint256.NewInt(uint64(bps)))
	return out.Div(out, uint256.NewInt(bpsDenom))
}
