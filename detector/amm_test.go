package detector

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/pricefeed"
)

func TestVirtualReserves(t *testing.T) {
	// sqrtPrice 2·2^96 means price 4: reserve0 = L/2, reserve1 = 2L.
	sqrtPrice := new(big.Int).Lsh(big.NewInt(2), 96)
	r0, r1 := virtualReserves(sqrtPrice, big.NewInt(1000))
	require.Equal(t, uint64(500), r0.Uint64())
	require.Equal(t, uint64(2000), r1.Uint64())
}

func TestPoolReservesOrientation(t *testing.T) {
	snap := &pricefeed.Snapshot{
		SqrtPriceX96: new(big.Int).Lsh(big.NewInt(2), 96),
		Liquidity:    big.NewInt(1000),
	}
	pool := arbconfig.PoolConfig{Token0: arbconfig.CQTSymbol, Token1: "WMATIC"}
	rCQT, rPaired := poolReserves(&pool, snap)
	require.Equal(t, uint64(500), rCQT.Uint64())
	require.Equal(t, uint64(2000), rPaired.Uint64())

	pool = arbconfig.PoolConfig{Token0: "WMATIC", Token1: arbconfig.CQTSymbol}
	rCQT, rPaired = poolReserves(&pool, snap)
	require.Equal(t, uint64(2000), rCQT.Uint64())
	require.Equal(t, uint64(500), rPaired.Uint64())
}

func TestAmountOut(t *testing.T) {
	ri := uint256.NewInt(1000)
	ro := uint256.NewInt(1000)

	// Zero fee: out = in·Ro/(Ri+in).
	out := amountOut(uint256.NewInt(100), ri, ro, 0)
	require.Equal(t, uint64(90), out.Uint64())

	// A fee strictly reduces the output.
	withFee := amountOut(uint256.NewInt(100), ri, ro, 30)
	require.True(t, withFee.Cmp(out) < 0)

	require.True(t, amountOut(uint256.NewInt(0), ri, ro, 30).IsZero())
}

func TestAmountInInvertsAmountOut(t *testing.T) {
	ri := uint256.NewInt(1_000_000)
	ro := uint256.NewInt(4_000_000)

	for _, in := range []uint64{100, 5_000, 250_000} {
		out := amountOut(uint256.NewInt(in), ri, ro, 30)
		back := amountIn(out, ri, ro, 30)
		require.NotNil(t, back)
		// Rounded up, so the recovered input covers the output without
		// overshooting by more than a unit of rounding.
		require.True(t, amountOut(back, ri, ro, 30).Cmp(out) >= 0)
		require.LessOrEqual(t, back.Uint64(), in+1)
	}
}

func TestAmountInExhaustedPool(t *testing.T) {
	ro := uint256.NewInt(1000)
	require.Nil(t, amountIn(uint256.NewInt(1000), uint256.NewInt(1000), ro, 30))
	require.Nil(t, amountIn(uint256.NewInt(2000), uint256.NewInt(1000), ro, 30))
}

func TestApplyBps(t *testing.T) {
	require.Equal(t, uint64(50), applyBps(uint256.NewInt(10_000), 50).Uint64())
	require.Equal(t, uint64(0), applyBps(uint256.NewInt(100), 50).Uint64())
}
