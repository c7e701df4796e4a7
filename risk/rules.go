package risk

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/ledger"
)

// ExecutionView is the slice of the executor the rules consult.
type ExecutionView interface {
	// InFlight counts executions that have not reached a terminal state.
	InFlight() int
	// LastExecutionAt returns when the pair last started executing.
	LastExecutionAt(pair ledger.PoolPair) (time.Time, bool)
}

// GasProber fetches a live gas price quote for a network.
type GasProber interface {
	SuggestGasPrice(ctx context.Context, network string) (*big.Int, error)
}

// Predicate is one admission rule. A nil error admits; a non-nil error
// rejects and names why.
type Predicate interface {
	Name() string
	Evaluate(ctx context.Context, opp *detector.Opportunity) error
}

// ErrEmergencyStopped rejects every candidate while the sentinel holds the
// engine stopped.
var ErrEmergencyStopped = errors.New("risk: emergency stop engaged")

// stopRule rejects everything while the sentinel is engaged.
type stopRule struct{ sentinel *Sentinel }

func (stopRule) Name() string { return "emergency-stop" }

func (r stopRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	if r.sentinel.Stopped() {
		return ErrEmergencyStopped
	}
	return nil
}

// confidenceRule admits opportunities at or above the configured floor.
type confidenceRule struct{ cfg *arbconfig.Config }

func (confidenceRule) Name() string { return "min-confidence" }

func (r confidenceRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	if opp.Confidence < r.cfg.Arbitrage.MinConfidence {
		return fmt.Errorf("confidence %.3f below %.3f", opp.Confidence, r.cfg.Arbitrage.MinConfidence)
	}
	return nil
}

// profitRule requires the net profit to reach the configured share of the
// trade notional. Exactly at the floor admits.
type profitRule struct{ cfg *arbconfig.Config }

func (profitRule) Name() string { return "min-profit" }

func (r profitRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	floor := new(big.Int).Mul(opp.TradeSize.ToBig(), big.NewInt(r.cfg.Arbitrage.MinProfitBps))
	floor.Quo(floor, big.NewInt(10_000))
	if opp.NetProfit.Cmp(floor) < 0 {
		return fmt.Errorf("net profit %s below floor %s", opp.NetProfit, floor)
	}
	return nil
}

// sizeRule bounds the position size. Both bounds are inclusive.
type sizeRule struct{ cfg *arbconfig.Config }

func (sizeRule) Name() string { return "position-size" }

func (r sizeRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	size := opp.TradeSize.ToBig()
	if min := arbconfig.BigInt(r.cfg.Arbitrage.MinPositionSize); size.Cmp(min) < 0 {
		return fmt.Errorf("size %s below minimum %s", size, min)
	}
	if max := arbconfig.BigInt(r.cfg.Arbitrage.MaxPositionSize); max.Sign() > 0 && size.Cmp(max) > 0 {
		return fmt.Errorf("size %s above maximum %s", size, max)
	}
	return nil
}

// gasRule probes the live gas price on every involved network and rejects
// when any exceeds its cap. The probes run concurrently; a probe error
// rejects, since admission must not assume a price it could not read.
type gasRule struct {
	cfg    *arbconfig.Config
	prober GasProber
}

func (gasRule) Name() string { return "gas-price" }

func (r gasRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	networks := []string{opp.SourceNetwork}
	if opp.TargetNetwork != opp.SourceNetwork {
		networks = append(networks, opp.TargetNetwork)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, network := range networks {
		network := network
		g.Go(func() error {
			price, err := r.prober.SuggestGasPrice(ctx, network)
			if err != nil {
				return fmt.Errorf("gas probe %s: %w", network, err)
			}
			if cap := r.cfg.GasPriceCapWei(network); price.Cmp(cap) > 0 {
				return fmt.Errorf("gas price %s on %s above cap %s", price, network, cap)
			}
			return nil
		})
	}
	return g.Wait()
}

// cooldownRule rejects a pair that executed too recently. An elapsed time
// exactly at the cooldown admits.
type cooldownRule struct {
	cfg  *arbconfig.Config
	view ExecutionView
	now  func() time.Time
}

func (cooldownRule) Name() string { return "pair-cooldown" }

func (r cooldownRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	last, ok := r.view.LastExecutionAt(opp.Pair())
	if !ok {
		return nil
	}
	if elapsed := r.now().Sub(last); elapsed < r.cfg.Arbitrage.CooldownPeriod {
		return fmt.Errorf("pair cooling down, %s of %s elapsed", elapsed.Round(time.Millisecond), r.cfg.Arbitrage.CooldownPeriod)
	}
	return nil
}

// concurrencyRule bounds simultaneous executions.
type concurrencyRule struct {
	cfg  *arbconfig.Config
	view ExecutionView
}

func (concurrencyRule) Name() string { return "max-concurrent" }

func (r concurrencyRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	if inflight := r.view.InFlight(); inflight >= r.cfg.Arbitrage.MaxConcurrentArbitrages {
		return fmt.Errorf("%d executions in flight", inflight)
	}
	return nil
}

// lossBudgetRule rejects new trades once the UTC-day loss cap is spent.
type lossBudgetRule struct {
	cfg      *arbconfig.Config
	sentinel *Sentinel
}

func (lossBudgetRule) Name() string { return "daily-loss" }

func (r lossBudgetRule) Evaluate(ctx context.Context, opp *detector.Opportunity) error {
	cap := arbconfig.BigInt(r.cfg.Security.MaxDailyLoss)
	if cap.Sign() <= 0 {
		return nil
	}
	if loss := r.sentinel.DailyLoss(); loss.Cmp(cap) >= 0 {
		return fmt.Errorf("daily loss %s at cap %s", loss, cap)
	}
	return nil
}
