package detector

import (
	"math/big"

	"github.com/holiman/uint256"
)

// sizeIterations fixes the ternary search depth. Each iteration shrinks the
// interval by a third; twenty reach basis-point precision on any position
// range the configuration allows.
const sizeIterations = 20

// searchOptimalSize maximizes objective over [lo, hi] by ternary search with
// integer midpoints, terminating early when the interval collapses below one
// base unit. The objective must be unimodal over the range, which the
// fee-laden edge minus linear costs is. Returns the best size and its value.
func searchOptimalSize(lo, hi *uint256.Int, objective func(*uint256.Int) *big.Int) (*uint256.Int, *big.Int) {
	if lo.Cmp(hi) > 0 {
		return nil, nil
	}
	a := new(uint256.Int).Set(lo)
	b := new(uint256.Int).Set(hi)
	third := new(uint256.Int)
	one := uint256.NewInt(1)

	for i := 0; i < sizeIterations; i++ {
		span := new(uint256.Int).Sub(b, a)
		if span.Cmp(one) <= 0 {
			break
		}
		third.Div(span, uint256.NewInt(3))

		m1 := new(uint256.Int).Add(a, third)
		m2 := new(uint256.Int).Sub(b, third)
		if objective(m1).Cmp(objective(m2)) < 0 {
			a = m1
		} else {
			b = m2
		}
	}

	best := new(uint256.Int).Set(a)
	bestVal := objective(a)
	for _, cand := range []*uint256.Int{b, lo, hi} {
		if v := objective(cand); v.Cmp(bestVal) > 0 {
			best.Set(cand)
			bestVal = v
		}
	}
	return best, bestVal
}
