// Package pricefeed polls the monitored pools and serves their latest
// prices. Monitors are the single writers; the oracle gives every other
// component lock-free reads with staleness metadata.
package pricefeed

import (
	"fmt"
	"math/big"
)

// Prices are exact rationals. The raw AMM quote is sqrtPriceX96, the square
// root of token1/token0 in Q64.96; decoding squares it against 2^192 so no
// precision is lost on large ratios, and encoding takes the exact integer
// square root back.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// Price is an immutable rational quote of token1 per token0.
type Price struct {
	rat *big.Rat
}

// DecodeSqrtPriceX96 converts a raw pool quote into an exact rational.
func DecodeSqrtPriceX96(sqrtPrice *big.Int) Price {
	num := new(big.Int).Mul(sqrtPrice, sqrtPrice)
	return Price{rat: new(big.Rat).SetFrac(num, new(big.Int).Set(q192))}
}

// EncodeSqrtPriceX96 converts the price back to the pool's wire format.
// encode(decode(x)) == x for every value the chain can produce.
func (p Price) EncodeSqrtPriceX96() *big.Int {
	if p.rat == nil {
		return new(big.Int)
	}
	squared := new(big.Int).Mul(p.rat.Num(), q192)
	squared.Quo(squared, p.rat.Denom())
	return squared.Sqrt(squared)
}

// PriceFromRat wraps an exact rational as a price.
func PriceFromRat(r *big.Rat) Price {
	return Price{rat: new(big.Rat).Set(r)}
}

// PriceFromFrac builds num/den as a price.
func PriceFromFrac(num, den *big.Int) Price {
	return Price{rat: new(big.Rat).SetFrac(num, den)}
}

// Rat returns a copy of the underlying rational.
func (p Price) Rat() *big.Rat {
	if p.rat == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(p.rat)
}

// Inv returns the reciprocal quote, token0 per token1.
func (p Price) Inv() Price {
	if p.rat == nil || p.rat.Sign() == 0 {
		return Price{}
	}
	return Price{rat: new(big.Rat).Inv(p.rat)}
}

// Cmp compares two prices exactly.
func (p Price) Cmp(o Price) int {
	return p.Rat().Cmp(o.Rat())
}

// IsZero reports an unset or zero price.
func (p Price) IsZero() bool {
	return p.rat == nil || p.rat.Sign() == 0
}

// Float64 approximates the price for logging and metrics only. Money math
// never goes through it.
func (p Price) Float64() float64 {
	if p.rat == nil {
		return 0
	}
	f, _ := p.rat.Float64()
	return f
}

// Mul returns the exact product of two prices, used to chain quote
// conversions.
func (p Price) Mul(o Price) Price {
	return Price{rat: new(big.Rat).Mul(p.Rat(), o.Rat())}
}

func (p Price) String() string {
	if p.rat == nil {
		return "0"
	}
	return fmt.Sprintf("%s (~%.8g)", p.rat.RatString(), p.Float64())
}
