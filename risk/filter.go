package risk

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/detector"
)

// evaluateTimeout bounds the rule chain per candidate; only the gas probe
// does I/O.
const evaluateTimeout = 5 * time.Second

// Filter runs every detected opportunity through the rule chain and queues
// the survivors for the executor, best first. The queue is bounded: when
// execution cannot keep up, the worst admitted candidates are shed.
type Filter struct {
	cfg      *arbconfig.Config
	sentinel *Sentinel
	rules    []Predicate
	queue    chan *detector.Opportunity
	logger   log.Logger
}

// NewFilter assembles the rule chain. Rule order is cheapest first so a
// halted engine never probes gas.
func NewFilter(cfg *arbconfig.Config, sentinel *Sentinel, view ExecutionView, prober GasProber) *Filter {
	return &Filter{
		cfg:      cfg,
		sentinel: sentinel,
		rules: []Predicate{
			stopRule{sentinel: sentinel},
			confidenceRule{cfg: cfg},
			profitRule{cfg: cfg},
			sizeRule{cfg: cfg},
			cooldownRule{cfg: cfg, view: view, now: time.Now},
			concurrencyRule{cfg: cfg, view: view},
			lossBudgetRule{cfg: cfg, sentinel: sentinel},
			gasRule{cfg: cfg, prober: prober},
		},
		queue:  make(chan *detector.Opportunity, 2*cfg.Arbitrage.MaxConcurrentArbitrages),
		logger: log.New("component", "risk"),
	}
}

// Queue is the admitted-opportunity stream the executor drains.
func (f *Filter) Queue() <-chan *detector.Opportunity { return f.queue }

// Admit evaluates one candidate against the full chain. The first rejecting
// rule wins; its name and reason come back with the verdict.
func (f *Filter) Admit(ctx context.Context, opp *detector.Opportunity) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()
	for _, rule := range f.rules {
		if err := rule.Evaluate(ctx, opp); err != nil {
			return rule.Name(), err
		}
	}
	return "", nil
}

// Offer is the detector's sink: it ranks the batch, evaluates each candidate
// and enqueues the admitted ones. A full queue drops the remainder of the
// batch, which by construction is its worst part.
func (f *Filter) Offer(batch []*detector.Opportunity) {
	ranked := append([]*detector.Opportunity(nil), batch...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].NetProfit.Cmp(ranked[j].NetProfit); c != 0 {
			return c > 0
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})

	for _, opp := range ranked {
		rule, err := f.Admit(context.Background(), opp)
		if err != nil {
			rejectedCounter.Inc(1)
			f.logger.Debug("Opportunity rejected", "id", opp.ID, "rule", rule, "reason", err)
			continue
		}
		select {
		case f.queue <- opp:
			admittedCounter.Inc(1)
			f.logger.Info("Opportunity admitted", "id", opp.ID,
				"source", opp.SourcePool, "target", opp.TargetPool,
				"netProfit", opp.NetProfit, "confidence", opp.Confidence)
		default:
			rejectedCounter.Inc(1)
			f.logger.Warn("Admission queue full, dropping opportunity", "id", opp.ID)
			return
		}
	}
}
