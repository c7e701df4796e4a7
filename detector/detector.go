// Package detector enumerates arbitrage opportunities over the oracle's
// pool view. Prices and amounts are exact integers; confidence is the only
// heuristic float. The detector ranks nothing and admits nothing, it only
// measures; gating is the risk filter's job.
package detector

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/pricefeed"
)

const (
	// updateBufferSize bounds the oracle-update subscription; a full buffer
	// coalesces into the next timer tick.
	updateBufferSize = 64

	// recentPairCacheSize bounds the pair memory used to debounce repeat
	// logging of the same dislocation.
	recentPairCacheSize = 128
)

var (
	cycleTimer         = metrics.NewRegisteredTimer("detector/cycle", nil)
	opportunityCounter = metrics.NewRegisteredCounter("detector/opportunities", nil)
	pairSkipCounter    = metrics.NewRegisteredCounter("detector/skipped", nil)
)

// PricePredictor is the opaque external confidence source. The default
// scores every pair 1.0.
type PricePredictor interface {
	Score(sourcePool, targetPool string) float64
}

// StaticPredictor is the built-in predictor used when no external model is
// attached.
type StaticPredictor struct{}

func (StaticPredictor) Score(sourcePool, targetPool string) float64 { return 1.0 }

// GasSource is the slice of the gateway set the cost model reads.
type GasSource interface {
	CachedGasPrice(network string) *big.Int
}

// Sink receives each detection cycle's deduplicated batch.
type Sink func(batch []*Opportunity)

// Opportunity is one priced arbitrage candidate. For same-network pairs the
// first leg sells CQT into the source pool; for cross-network pairs the
// first leg buys CQT at the source pool and the bridge carries it to the
// target network's sell.
type Opportunity struct {
	ID            string
	SourcePool    string
	TargetPool    string
	SourceNetwork string
	TargetNetwork string
	CrossChain    bool
	Direction     string // the common token both legs trade

	GrossEdgeBps int64
	TradeSize    *uint256.Int // CQT base units

	// Expected swap amounts, the executor's slippage anchors.
	SwapInSource  *uint256.Int // source swap input (CQT intra, paired cross)
	SwapOutSource *uint256.Int // source swap expected output
	SwapInTarget  *uint256.Int // target swap input
	SwapOutTarget *uint256.Int // target swap expected output
	BridgeAmount  *uint256.Int // CQT carried by the bridge, cross-chain only

	EstGasCost     *uint256.Int // CQT base units
	EstBridgeCost  *uint256.Int // CQT base units
	SlippageBuffer *uint256.Int // CQT base units

	// Gas prices the cost model priced against, the executor's drift basis.
	SourceGasPrice *big.Int
	TargetGasPrice *big.Int
	NetProfit      *big.Int     // signed CQT base units
	Confidence     float64
	DetectedAt     time.Time
}

// Pair returns the ordered pool pair, the execution slot key.
func (o *Opportunity) Pair() ledger.PoolPair {
	return ledger.PoolPair{Src: o.SourcePool, Dst: o.TargetPool}
}

// poolView is one pool's fresh state prepared for a cycle.
type poolView struct {
	cfg      arbconfig.PoolConfig
	snap     *pricefeed.Snapshot
	age      time.Duration
	rCQT     *uint256.Int
	rPaired  *uint256.Int
	quoteUSD *big.Rat // USD per whole paired token
	cqtUSD   *big.Rat // USD per whole CQT, from this pool's quote
}

// Detector owns the detection loop.
type Detector struct {
	cfg       *arbconfig.Config
	oracle    *pricefeed.Oracle
	gas       GasSource
	led       *ledger.Store
	predictor PricePredictor
	sink      Sink
	logger    log.Logger

	recent *lru.ARCCache // PoolPair -> last logged netProfit

	quit chan struct{}
	wg   sync.WaitGroup

	now func() time.Time // test hook
}

// New builds a detector. A nil predictor gets the static one.
func New(cfg *arbconfig.Config, oracle *pricefeed.Oracle, gas GasSource, led *ledger.Store, predictor PricePredictor, sink Sink) *Detector {
	if predictor == nil {
		predictor = StaticPredictor{}
	}
	recent, _ := lru.NewARC(recentPairCacheSize)
	return &Detector{
		cfg:       cfg,
		oracle:    oracle,
		gas:       gas,
		led:       led,
		predictor: predictor,
		sink:      sink,
		logger:    log.New("component", "detector"),
		recent:    recent,
		quit:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the detection loop: a fixed timer plus oracle updates,
// coalesced so a burst of snapshots triggers at most one extra cycle.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.loop()
	d.logger.Info("Opportunity detection started", "interval", d.cfg.Arbitrage.DetectionInterval)
}

// Stop terminates the loop and waits for it.
func (d *Detector) Stop() {
	close(d.quit)
	d.wg.Wait()
	d.logger.Info("Opportunity detection stopped")
}

func (d *Detector) loop() {
	defer d.wg.Done()

	updates := make(chan *pricefeed.Snapshot, updateBufferSize)
	sub := d.oracle.SubscribeUpdates(updates)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(d.cfg.Arbitrage.DetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runCycle()
		case <-updates:
			// Drain the burst, then run one cycle for all of it.
			for drained := false; !drained; {
				select {
				case <-updates:
				default:
					drained = true
				}
			}
			d.runCycle()
		case <-sub.Err():
			return
		case <-d.quit:
			return
		}
	}
}

// runCycle evaluates every ordered pool pair against the current oracle
// view and hands the deduplicated positive batch to the sink.
func (d *Detector) runCycle() {
	defer cycleTimer.UpdateSince(time.Now())

	views := d.collectViews()
	if len(views) < 2 {
		return
	}

	best := make(map[ledger.PoolPair]*Opportunity)
	for i := range views {
		for j := range views {
			if i == j {
				continue
			}
			opp := d.evaluatePair(views[i], views[j])
			if opp == nil {
				continue
			}
			key := opp.Pair()
			if prev, ok := best[key]; !ok || opp.NetProfit.Cmp(prev.NetProfit) > 0 {
				best[key] = opp
			}
		}
	}
	if len(best) == 0 {
		return
	}

	batch := make([]*Opportunity, 0, len(best))
	for _, opp := range best {
		batch = append(batch, opp)
	}
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].NetProfit.Cmp(batch[j].NetProfit) > 0
	})

	for _, opp := range batch {
		opportunityCounter.Inc(1)
		d.led.MustAppend(ledger.KindOpportunityDetected, &ledger.OpportunityDetectedPayload{
			ID:            opp.ID,
			SourcePool:    opp.SourcePool,
			TargetPool:    opp.TargetPool,
			Direction:     opp.Direction,
			CrossChain:    opp.CrossChain,
			GrossEdgeBps:  opp.GrossEdgeBps,
			TradeSize:     opp.TradeSize.ToBig(),
			EstGasCost:    opp.EstGasCost.ToBig(),
			EstBridgeCost: opp.EstBridgeCost.ToBig(),
			NetProfit:     new(big.Int).Set(opp.NetProfit),
			Confidence:    opp.Confidence,
			DetectedAt:    opp.DetectedAt,
		})
		d.logPair(opp)
	}
	if d.sink != nil {
		d.sink(batch)
	}
}

// logPair logs a dislocation once until its profit changes materially.
func (d *Detector) logPair(opp *Opportunity) {
	key := opp.Pair()
	if prev, ok := d.recent.Get(key); ok && prev.(*big.Int).Cmp(opp.NetProfit) == 0 {
		return
	}
	d.recent.Add(key, new(big.Int).Set(opp.NetProfit))
	d.logger.Info("Arbitrage opportunity", "source", opp.SourcePool, "target", opp.TargetPool,
		"edgeBps", opp.GrossEdgeBps, "size", opp.TradeSize, "netProfit", opp.NetProfit,
		"confidence", opp.Confidence, "crossChain", opp.CrossChain)
}

// collectViews snapshots every enabled pool that is fresh and inside its
// expected price range.
func (d *Detector) collectViews() []*poolView {
	var views []*poolView
	for _, pool := range d.cfg.EnabledPools() {
		pool := pool
		snap, ok := d.oracle.Fresh(pool.ID)
		if !ok || snap.Suspect {
			continue
		}
		_, age, _ := d.oracle.Latest(pool.ID)
		rate, ok := d.cfg.QuoteRate(pool.PairedToken())
		if !ok {
			continue
		}
		cqtUSD, ok := d.cqtUSD(&pool, snap)
		if !ok {
			continue
		}
		rCQT, rPaired := poolReserves(&pool, snap)
		if rCQT.IsZero() || rPaired.IsZero() {
			continue
		}
		views = append(views, &poolView{
			cfg:      pool,
			snap:     snap,
			age:      age,
			rCQT:     rCQT,
			rPaired:  rPaired,
			quoteUSD: rate.Rat(),
			cqtUSD:   cqtUSD,
		})
	}
	return views
}

// evaluatePair prices one ordered pair. Same-network: sell CQT at src, buy
// back at dst. Cross-network: buy CQT at src, bridge, sell at dst. Returns
// nil unless the pair nets positive after costs.
func (d *Detector) evaluatePair(src, dst *poolView) *Opportunity {
	cross := src.cfg.Network != dst.cfg.Network
	if cross && !d.bridgeWithinBudget(dst.cfg.Network) {
		pairSkipCounter.Inc(1)
		return nil
	}

	// Gross mid-price edge of the profitable direction: sell side over buy
	// side. Non-positive edges cannot survive fees.
	sellUSD, buyUSD := src.cqtUSD, dst.cqtUSD
	if cross {
		sellUSD, buyUSD = dst.cqtUSD, src.cqtUSD
	}
	edge := new(big.Rat).Quo(sellUSD, buyUSD)
	edge.Sub(edge, big.NewRat(1, 1))
	if edge.Sign() <= 0 {
		return nil
	}
	grossEdgeBps := new(big.Rat).Mul(edge, big.NewRat(bpsDenom, 1))
	bps := new(big.Int).Quo(grossEdgeBps.Num(), grossEdgeBps.Denom()).Int64()

	lo, overflow := uint256.FromBig(arbconfig.BigInt(d.cfg.Arbitrage.MinPositionSize))
	if overflow {
		return nil
	}
	hi, overflow := uint256.FromBig(arbconfig.BigInt(d.cfg.Arbitrage.MaxPositionSize))
	if overflow {
		return nil
	}
	halfSrc := new(uint256.Int).Div(src.rCQT, uint256.NewInt(2))
	halfDst := new(uint256.Int).Div(dst.rCQT, uint256.NewInt(2))
	if hi.Cmp(halfSrc) > 0 {
		hi = halfSrc
	}
	if hi.Cmp(halfDst) > 0 {
		hi = halfDst
	}
	if lo.Cmp(hi) > 0 {
		return nil
	}

	objective := func(s *uint256.Int) *big.Int {
		v := d.edgeValue(src, dst, s, cross)
		if v == nil {
			return big.NewInt(-1 << 62)
		}
		v.Sub(v, d.slippageBuffer(s).ToBig())
		if cross {
			v.Sub(v, d.bridgePctCQT(s).ToBig())
		}
		return v
	}
	size, _ := searchOptimalSize(lo, hi, objective)
	if size == nil || size.IsZero() {
		return nil
	}

	edgeVal := d.edgeValue(src, dst, size, cross)
	if edgeVal == nil || edgeVal.Sign() <= 0 {
		return nil
	}

	// Cost model: two swaps, plus the bridge deposit and fees cross-chain.
	gasCost := uint256.NewInt(0)
	bridgeCost := uint256.NewInt(0)
	swapGas := d.cfg.Arbitrage.SwapGasUnits
	srcGasPrice := d.gasPriceFor(src.cfg.Network)
	dstGasPrice := d.gasPriceFor(dst.cfg.Network)
	if cross {
		gasCost.Add(gasCost, d.gasCostCQT(src.cfg.Network, swapGas+d.cfg.Arbitrage.BridgeGasUnits, srcGasPrice, src.cqtUSD))
		gasCost.Add(gasCost, d.gasCostCQT(dst.cfg.Network, swapGas, dstGasPrice, dst.cqtUSD))
		bridgeCost.Add(d.bridgeFlatCQT(src.cqtUSD), d.bridgePctCQT(size))
	} else {
		gasCost = d.gasCostCQT(src.cfg.Network, 2*swapGas, srcGasPrice, src.cqtUSD)
	}
	slippage := d.slippageBuffer(size)

	net := new(big.Int).Set(edgeVal)
	net.Sub(net, gasCost.ToBig())
	net.Sub(net, bridgeCost.ToBig())
	net.Sub(net, slippage.ToBig())
	if net.Sign() <= 0 {
		return nil
	}

	opp := &Opportunity{
		ID:             uuid.NewString(),
		SourcePool:     src.cfg.ID,
		TargetPool:     dst.cfg.ID,
		SourceNetwork:  src.cfg.Network,
		TargetNetwork:  dst.cfg.Network,
		CrossChain:     cross,
		Direction:      arbconfig.CQTSymbol,
		GrossEdgeBps:   bps,
		TradeSize:      size,
		EstGasCost:     gasCost,
		EstBridgeCost:  bridgeCost,
		SlippageBuffer: slippage,
		SourceGasPrice: srcGasPrice,
		TargetGasPrice: dstGasPrice,
		NetProfit:      net,
		Confidence:     d.confidence(src, dst, size),
		DetectedAt:     d.now().UTC(),
	}
	d.fillSwapAmounts(opp, src, dst, size, cross)
	return opp
}

// edgeValue returns the fee-laden edge of trading size CQT across the pair,
// in signed CQT base units, or nil when the target pool cannot absorb it.
func (d *Detector) edgeValue(src, dst *poolView, size *uint256.Int, cross bool) *big.Int {
	if cross {
		// Buy size CQT at src, sell it at dst; compare the paired flows
		// through their USD rates, in CQT.
		in := amountIn(size, src.rPaired, src.rCQT, src.cfg.FeeTierBps)
		if in == nil {
			return nil
		}
		out := amountOut(size, dst.rCQT, dst.rPaired, dst.cfg.FeeTierBps)
		value := baseToUSD(out, dst.quoteUSD)
		value.Sub(value, baseToUSD(in, src.quoteUSD))
		value.Quo(value, src.cqtUSD)
		scaled := new(big.Rat).Mul(value, unitRat)
		return new(big.Int).Quo(scaled.Num(), scaled.Denom())
	}
	// Sell size CQT at src; how much CQT would the same quote value cost
	// at dst? Positive difference is the edge.
	out := amountOut(size, src.rCQT, src.rPaired, src.cfg.FeeTierBps)
	quote := convertQuote(out, src.quoteUSD, dst.quoteUSD)
	in := amountIn(quote, dst.rCQT, dst.rPaired, dst.cfg.FeeTierBps)
	if in == nil {
		return nil
	}
	return new(big.Int).Sub(size.ToBig(), in.ToBig())
}

// fillSwapAmounts records the expected leg amounts the executor anchors its
// minimum-out bounds on.
func (d *Detector) fillSwapAmounts(opp *Opportunity, src, dst *poolView, size *uint256.Int, cross bool) {
	if cross {
		in := amountIn(size, src.rPaired, src.rCQT, src.cfg.FeeTierBps)
		opp.SwapInSource = in
		opp.SwapOutSource = new(uint256.Int).Set(size)
		opp.BridgeAmount = new(uint256.Int).Set(size)
		opp.SwapInTarget = new(uint256.Int).Set(size)
		opp.SwapOutTarget = amountOut(size, dst.rCQT, dst.rPaired, dst.cfg.FeeTierBps)
		return
	}
	out := amountOut(size, src.rCQT, src.rPaired, src.cfg.FeeTierBps)
	quote := convertQuote(out, src.quoteUSD, dst.quoteUSD)
	opp.SwapInSource = new(uint256.Int).Set(size)
	opp.SwapOutSource = out
	opp.SwapInTarget = quote
	opp.SwapOutTarget = amountOut(quote, dst.rPaired, dst.rCQT, dst.cfg.FeeTierBps)
}

// confidence multiplies the predictor score, the liquidity-depth factor and
// the staleness penalty of the older snapshot.
func (d *Detector) confidence(src, dst *poolView, size *uint256.Int) float64 {
	score := d.predictor.Score(src.cfg.ID, dst.cfg.ID)

	depthReserve := src.rCQT
	if dst.rCQT.Cmp(depthReserve) < 0 {
		depthReserve = dst.rCQT
	}
	required := new(uint256.Int).Mul(size, uint256.NewInt(10))
	depth := 1.0
	if depthReserve.Cmp(required) < 0 {
		depth = float64FromUint256(depthReserve) / float64FromUint256(required)
	}

	age := src.age
	if dst.age > age {
		age = dst.age
	}
	staleness := 1.0 - float64(age)/float64(d.oracle.StaleThreshold())
	if staleness < 0 {
		staleness = 0
	}
	return score * depth * staleness
}

func float64FromUint256(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
