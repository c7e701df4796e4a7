package risk

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/ledger"
)

type fakeView struct {
	inflight int
	last     map[ledger.PoolPair]time.Time
}

func (f *fakeView) InFlight() int { return f.inflight }

func (f *fakeView) LastExecutionAt(pair ledger.PoolPair) (time.Time, bool) {
	t, ok := f.last[pair]
	return t, ok
}

type fakeProber struct {
	prices map[string]*big.Int
	err    error
}

func (f *fakeProber) SuggestGasPrice(ctx context.Context, network string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prices[network], nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// cqt converts whole tokens to base units.
func cqt(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), arbconfig.UnitWei)
}

func candidate() *detector.Opportunity {
	return &detector.Opportunity{
		ID:            "opp-1",
		SourcePool:    "pA",
		TargetPool:    "pB",
		SourceNetwork: "polygon",
		TargetNetwork: "polygon",
		TradeSize:     uint256.MustFromBig(cqt(1000)),
		NetProfit:     cqt(10),
		Confidence:    0.9,
		DetectedAt:    time.Now(),
	}
}

func riskFixture(t *testing.T) (*arbconfig.Config, *Sentinel, *ledger.Store) {
	t.Helper()
	cfg := arbconfig.Defaults
	cfg.Networks = map[string]arbconfig.NetworkConfig{
		"polygon": {MaxGasPriceGwei: 200},
		"base":    {MaxGasPriceGwei: 100},
	}
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &cfg, NewSentinel(&cfg, store), store
}

func TestSentinelFailureStreakEngagesStop(t *testing.T) {
	cfg, sentinel, store := riskFixture(t)

	for i := 0; i < cfg.Security.MaxConsecutiveFailures-1; i++ {
		sentinel.RecordFailure(nil)
		require.False(t, sentinel.Stopped())
	}
	sentinel.RecordFailure(nil)
	require.True(t, sentinel.Stopped())

	events, err := store.Events(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ledger.KindEmergencyStop, events[0].Kind)
	var payload ledger.EmergencyStopPayload
	require.NoError(t, events[0].Decode(&payload))
	require.Equal(t, "consecutive-failures", payload.Reason)
	require.True(t, payload.Automatic)

	// A second engagement does not write another event.
	sentinel.EngageStop("again", true)
	events, err = store.Events(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSentinelSuccessBreaksStreak(t *testing.T) {
	cfg, sentinel, _ := riskFixture(t)

	for i := 0; i < cfg.Security.MaxConsecutiveFailures-1; i++ {
		sentinel.RecordFailure(nil)
	}
	sentinel.RecordSuccess()
	sentinel.RecordFailure(nil)
	require.False(t, sentinel.Stopped())
}

func TestSentinelWindowExpiresOldFailures(t *testing.T) {
	cfg, sentinel, _ := riskFixture(t)
	now := time.Now()
	sentinel.now = func() time.Time { return now }

	for i := 0; i < cfg.Security.MaxConsecutiveFailures-1; i++ {
		sentinel.RecordFailure(nil)
	}
	// Old failures age out of the window before the streak completes.
	now = now.Add(cfg.Security.FailureWindow + time.Second)
	sentinel.RecordFailure(nil)
	require.False(t, sentinel.Stopped())
}

func TestSentinelDailyLossBudget(t *testing.T) {
	_, sentinel, _ := riskFixture(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sentinel.now = func() time.Time { return now }

	// Default budget is 500 CQT.
	sentinel.RecordLoss(cqt(499))
	require.False(t, sentinel.Stopped())
	require.Zero(t, sentinel.DailyLoss().Cmp(cqt(499)))

	sentinel.RecordLoss(cqt(1))
	require.True(t, sentinel.Stopped())

	// The accumulator rolls over at UTC midnight.
	now = now.Add(24 * time.Hour)
	require.Zero(t, sentinel.DailyLoss().Sign())
}

func TestSentinelSeedRestoresStop(t *testing.T) {
	cfg, sentinel, _ := riskFixture(t)

	sentinel.Seed(&ledger.State{
		TrailingFailures: cfg.Security.MaxConsecutiveFailures - 1,
		DailyLoss:        cqt(100),
		Stopped:          true,
	})
	require.True(t, sentinel.Stopped())
	require.Zero(t, sentinel.DailyLoss().Cmp(cqt(100)))

	sentinel.ClearStop()
	require.False(t, sentinel.Stopped())
	// ClearStop also resets the streak, one failure cannot re-engage.
	sentinel.RecordFailure(nil)
	require.False(t, sentinel.Stopped())
}

func TestClearStopSurvivesReplay(t *testing.T) {
	_, sentinel, store := riskFixture(t)

	sentinel.EngageStop("operator", false)
	sentinel.ClearStop()

	events, err := store.Events(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ledger.KindEmergencyCleared, events[1].Kind)

	// The clear is ledgered, so a restart does not re-engage the stop.
	st, err := ledger.Rebuild(store, time.Now())
	require.NoError(t, err)
	require.False(t, st.Stopped)
}

func TestConfidenceRuleBoundary(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	rule := confidenceRule{cfg: cfg}

	opp := candidate()
	opp.Confidence = cfg.Arbitrage.MinConfidence
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	opp.Confidence = cfg.Arbitrage.MinConfidence - 0.001
	require.Error(t, rule.Evaluate(context.Background(), opp))
}

func TestProfitRuleBoundary(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	rule := profitRule{cfg: cfg}

	// Floor for 1000 CQT at 50 bps is 5 CQT.
	opp := candidate()
	opp.NetProfit = cqt(5)
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	opp.NetProfit = new(big.Int).Sub(cqt(5), big.NewInt(1))
	require.Error(t, rule.Evaluate(context.Background(), opp))
}

func TestSizeRuleBounds(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	rule := sizeRule{cfg: cfg}

	opp := candidate()
	opp.TradeSize = uint256.MustFromBig(arbconfig.BigInt(cfg.Arbitrage.MinPositionSize))
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	opp.TradeSize = uint256.MustFromBig(arbconfig.BigInt(cfg.Arbitrage.MaxPositionSize))
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	opp.TradeSize = uint256.MustFromBig(new(big.Int).Sub(arbconfig.BigInt(cfg.Arbitrage.MinPositionSize), big.NewInt(1)))
	require.Error(t, rule.Evaluate(context.Background(), opp))

	opp.TradeSize = uint256.MustFromBig(new(big.Int).Add(arbconfig.BigInt(cfg.Arbitrage.MaxPositionSize), big.NewInt(1)))
	require.Error(t, rule.Evaluate(context.Background(), opp))
}

func TestGasRuleChecksEveryNetwork(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	prober := &fakeProber{prices: map[string]*big.Int{
		"polygon": gwei(150),
		"base":    gwei(50),
	}}
	rule := gasRule{cfg: cfg, prober: prober}

	opp := candidate()
	opp.TargetNetwork = "base"
	opp.CrossChain = true
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	// The target network breaching its cap rejects the whole candidate.
	prober.prices["base"] = gwei(101)
	require.Error(t, rule.Evaluate(context.Background(), opp))

	prober.prices["base"] = gwei(50)
	prober.err = errors.New("rpc down")
	require.Error(t, rule.Evaluate(context.Background(), opp))
}

func TestCooldownRuleBoundary(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	opp := candidate()
	started := time.Now()
	view := &fakeView{last: map[ledger.PoolPair]time.Time{opp.Pair(): started}}

	rule := cooldownRule{cfg: cfg, view: view, now: func() time.Time {
		return started.Add(cfg.Arbitrage.CooldownPeriod - time.Millisecond)
	}}
	require.Error(t, rule.Evaluate(context.Background(), opp))

	// Exactly the cooldown elapsed admits.
	rule.now = func() time.Time { return started.Add(cfg.Arbitrage.CooldownPeriod) }
	require.NoError(t, rule.Evaluate(context.Background(), opp))

	// An unseen pair has no cooldown.
	opp.TargetPool = "pC"
	require.NoError(t, rule.Evaluate(context.Background(), opp))
}

func TestConcurrencyRule(t *testing.T) {
	cfg, _, _ := riskFixture(t)
	view := &fakeView{inflight: cfg.Arbitrage.MaxConcurrentArbitrages - 1}
	rule := concurrencyRule{cfg: cfg, view: view}

	require.NoError(t, rule.Evaluate(context.Background(), candidate()))
	view.inflight++
	require.Error(t, rule.Evaluate(context.Background(), candidate()))
}

func TestFilterRanksAndShedsOverflow(t *testing.T) {
	cfg, sentinel, _ := riskFixture(t)
	cfg.Arbitrage.MaxConcurrentArbitrages = 1 // queue capacity 2
	view := &fakeView{}
	prober := &fakeProber{prices: map[string]*big.Int{"polygon": gwei(50)}}
	filter := NewFilter(cfg, sentinel, view, prober)

	mk := func(id string, profit int64) *detector.Opportunity {
		o := candidate()
		o.ID = id
		o.NetProfit = cqt(profit)
		o.TargetPool = "pB-" + id // distinct pairs, no cooldown interaction
		return o
	}
	filter.Offer([]*detector.Opportunity{mk("low", 6), mk("high", 20), mk("mid", 10)})

	first := <-filter.Queue()
	second := <-filter.Queue()
	require.Equal(t, "high", first.ID)
	require.Equal(t, "mid", second.ID)
	select {
	case o := <-filter.Queue():
		t.Fatalf("unexpected third admission %s", o.ID)
	default:
	}
}

func TestFilterRejectsWhileStopped(t *testing.T) {
	cfg, sentinel, _ := riskFixture(t)
	view := &fakeView{}
	prober := &fakeProber{prices: map[string]*big.Int{"polygon": gwei(50)}}
	filter := NewFilter(cfg, sentinel, view, prober)

	sentinel.EngageStop("operator", false)
	filter.Offer([]*detector.Opportunity{candidate()})

	select {
	case o := <-filter.Queue():
		t.Fatalf("admitted %s while stopped", o.ID)
	default:
	}
}
