// Package arb assembles the arbitrage engine: ledger, chain gateways, price
// monitoring, detection, risk filtering, execution, bridge coordination and
// the profit-recycling reserve. The engine owns component lifecycles and the
// restart reconciliation that keeps executions at-most-once across crashes.
package arb

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/bridge"
	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/executor"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/internal/arbapi"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/pricefeed"
	"github.com/cqt-network/arbd/reserve"
	"github.com/cqt-network/arbd/risk"
)

// ErrAllNetworksDegraded aborts startup when not a single configured network
// answers its probe.
var ErrAllNetworksDegraded = errors.New("arb: no healthy networks")

// ledgerDirName is the ledger store location under the data directory.
const ledgerDirName = "ledger"

// receiptReader is the slice of the gateway set reconciliation reads.
type receiptReader interface {
	Receipt(ctx context.Context, network string, hash common.Hash) (*types.Receipt, error)
}

// Engine wires every component together and implements arbapi.Backend.
type Engine struct {
	cfg    *arbconfig.Config
	logger log.Logger

	led      *ledger.Store
	exporter *ledger.Exporter
	chains   *gateway.Set
	receipts receiptReader
	oracle   *pricefeed.Oracle
	monitor  *pricefeed.Monitor
	detect   *detector.Detector
	sentinel *risk.Sentinel
	filter   *risk.Filter
	exec     *executor.Executor
	bridges  *bridge.Coordinator
	reserves *reserve.Manager

	state *ledger.State // replayed at construction, consumed by Start

	mu        sync.Mutex
	lastBatch []*detector.Opportunity

	profitCh  chan executor.ProfitEvent
	profitSub event.Subscription

	httpSrv *http.Server
	rpcSrv  *rpc.Server

	quit chan struct{}
	wg   sync.WaitGroup
}

// New opens the ledger, replays it and constructs every component in its
// seeded state. Nothing runs until Start.
func New(cfg *arbconfig.Config, signer gateway.Signer) (*Engine, error) {
	logger := log.New("component", "engine")

	led, err := ledger.Open(filepath.Join(cfg.DataDir, ledgerDirName))
	if err != nil {
		return nil, fmt.Errorf("arb: open ledger: %w", err)
	}
	state, err := ledger.Rebuild(led, time.Now())
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("arb: replay ledger: %w", err)
	}
	logger.Info("Ledger replayed", "events", state.LastSeq,
		"openExecutions", len(state.OpenExecutions), "openTransfers", len(state.OpenTransfers))

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		led:      led,
		state:    state,
		profitCh: make(chan executor.ProfitEvent, 16),
		quit:     make(chan struct{}),
	}

	e.chains = gateway.NewSet(cfg, led)
	e.receipts = e.chains
	e.oracle = pricefeed.NewOracle(cfg)
	e.monitor = pricefeed.NewMonitor(cfg, e.chains, e.oracle, led)
	e.detect = detector.New(cfg, e.oracle, e.chains, led, nil, e.offer)

	e.sentinel = risk.NewSentinel(cfg, led)
	e.sentinel.Seed(state)

	e.reserves = reserve.New(cfg, e.chains, signer, led)
	e.reserves.Seed(state)

	e.bridges = bridge.New(bridge.Config{}, cfg, e.chains, led, e.reserves)

	// The filter needs the executor's in-flight view and the executor needs
	// the filter's queue, so the filter is built against the engine's own
	// indirection before the executor exists.
	e.filter = risk.NewFilter(cfg, e.sentinel, e, e.chains)
	e.exec = executor.New(cfg, e.chains, signer, e.bridges, e.sentinel, led, e.filter.Queue())
	e.exec.Seed(state)
	e.exec.SetAutoExecute(cfg.AutoExecute)

	if len(cfg.Export.KafkaBrokers) > 0 {
		exp, err := ledger.NewExporter(led, ledger.ExporterConfig{
			Brokers: cfg.Export.KafkaBrokers,
			Topic:   cfg.Export.KafkaTopic,
		})
		if err != nil {
			led.Close()
			return nil, fmt.Errorf("arb: ledger exporter: %w", err)
		}
		e.exporter = exp
	}
	return e, nil
}

// InFlight and LastExecutionAt forward to the executor; the filter binds to
// the engine so construction order stays acyclic.

func (e *Engine) InFlight() int { return e.exec.InFlight() }

func (e *Engine) LastExecutionAt(pair ledger.PoolPair) (time.Time, bool) {
	return e.exec.LastExecutionAt(pair)
}

// offer is the detector's sink: remember the batch for the API, then hand it
// to the risk filter.
func (e *Engine) offer(batch []*detector.Opportunity) {
	e.mu.Lock()
	e.lastBatch = batch
	e.mu.Unlock()
	e.filter.Offer(batch)
}

// Start probes the networks, reconciles open executions against chain state
// and launches every component loop.
func (e *Engine) Start(ctx context.Context) error {
	healthy := e.chains.ProbeAll(ctx)
	if healthy == 0 {
		return ErrAllNetworksDegraded
	}
	e.logger.Info("Networks probed", "healthy", healthy, "configured", len(e.cfg.Networks))

	resumed := e.bridges.Resume(e.state.OpenTransfers)
	if err := e.reconcile(ctx, resumed); err != nil {
		return err
	}

	e.chains.StartProbes()
	e.monitor.Start()
	e.detect.Start()
	e.exec.Start()
	e.bridges.Start()
	e.reserves.Start()

	e.profitSub = e.exec.SubscribeProfit(e.profitCh)
	e.wg.Add(1)
	go e.profitLoop()

	if err := e.startHTTP(); err != nil {
		return err
	}
	e.logger.Info("Engine started", "autoExecute", e.exec.AutoExecute(), "stopped", e.sentinel.Stopped())
	return nil
}

// Stop tears the engine down back to front: no new detections, then no new
// executions, then the watchers, then the transports. In-flight bridge
// transfers stay open in the ledger for the next start.
func (e *Engine) Stop() {
	e.detect.Stop()
	e.exec.Stop()
	// The profit loop outlives the executor so a final profit event can
	// never block the drain.
	if e.profitSub != nil {
		e.profitSub.Unsubscribe()
	}
	close(e.quit)
	e.bridges.Stop()
	e.reserves.Stop()
	e.monitor.Stop()
	e.oracle.Close()
	e.wg.Wait()
	e.stopHTTP()
	e.chains.Stop()
	if e.exporter != nil {
		e.exporter.Stop()
	}
	if err := e.led.Close(); err != nil {
		e.logger.Error("Ledger close failed", "err", err)
	}
	e.logger.Info("Engine stopped")
}

func (e *Engine) profitLoop() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.profitCh:
			e.reserves.Allocate(ev.Profit, ev.ExecutionID, ev.SourcePool, ev.TargetPool)
		case <-e.quit:
			return
		}
	}
}

// reconcile settles executions the previous run left open. Confirmed legs
// are re-read from the chain: a fully landed plan closes as completed with
// an unknown (zero) realized profit, a reverted leg closes as failed, an
// execution whose bridge transfer is still live is handed back to the
// executor so a delivery resumes its post-bridge sell, one whose transfer
// timed out fails the way the live path would, and anything unverifiable
// closes as failed so its pair slot frees up.
func (e *Engine) reconcile(ctx context.Context, resumed map[string]<-chan bridge.Result) error {
	transfers := make(map[string]*ledger.OpenTransfer, len(e.state.OpenTransfers))
	for _, tr := range e.state.OpenTransfers {
		transfers[tr.ExecutionID] = tr
	}

	for _, ex := range e.state.OpenExecutions {
		tr, bridging := transfers[ex.ExecutionID]
		if !bridging {
			e.closeStale(ctx, ex)
			continue
		}
		if tr.TimedOut {
			// The reclaim queue owns the asset now; a late recovery credits
			// the reserve, not this execution.
			e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
				ExecutionID: ex.ExecutionID,
				Reason:      "bridge-timeout",
				Message:     fmt.Sprintf("transfer %s timed out before restart", tr.SourceTxHash),
				FailedAt:    time.Now().UTC(),
			})
			continue
		}
		ch, live := resumed[ex.ExecutionID]
		if !live {
			e.logger.Warn("Execution waits on an unresumed bridge transfer", "execution", ex.ExecutionID)
			continue
		}
		e.logger.Warn("Execution re-attached to resumed bridge transfer", "execution", ex.ExecutionID)
		e.exec.ResumeCross(ex, tr.Amount, ch)
	}
	return nil
}

func (e *Engine) closeStale(ctx context.Context, ex *ledger.OpenExecution) {
	if len(ex.Legs) == 0 {
		// Reserved but never submitted: nothing can be on chain.
		e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
			ExecutionID: ex.ExecutionID,
			Reason:      "orphaned-at-restart",
			FailedAt:    time.Now().UTC(),
		})
		return
	}

	landed := 0
	for _, leg := range ex.Legs {
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		rcpt, err := e.receipts.Receipt(rctx, leg.Network, leg.TxHash)
		cancel()
		switch {
		case err != nil || rcpt == nil:
			e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
				ExecutionID: ex.ExecutionID,
				Reason:      "orphaned-at-restart",
				Message:     fmt.Sprintf("leg %d unverifiable on %s", leg.Index, leg.Network),
				FailedAt:    time.Now().UTC(),
			})
			return
		case rcpt.Status != types.ReceiptStatusSuccessful:
			e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
				ExecutionID: ex.ExecutionID,
				Reason:      "leg-reverted",
				Message:     fmt.Sprintf("leg %d reverted on %s", leg.Index, leg.Network),
				FailedAt:    time.Now().UTC(),
			})
			return
		default:
			landed++
		}
	}

	// Every submitted leg landed. The realized profit was never settled and
	// cannot be recovered from receipts alone, so the books carry zero.
	e.logger.Warn("Open execution fully landed, closing with unknown profit", "execution", ex.ExecutionID, "legs", landed)
	e.led.MustAppend(ledger.KindExecutionCompleted, &ledger.ExecutionCompletedPayload{
		ExecutionID:    ex.ExecutionID,
		RealizedProfit: new(big.Int),
		GasSpent:       new(big.Int),
		CompletedAt:    time.Now().UTC(),
	})
}

// startHTTP serves the control API when a listen host is configured.
func (e *Engine) startHTTP() error {
	if e.cfg.API.HTTPHost == "" {
		return nil
	}
	e.rpcSrv = rpc.NewServer()
	if err := e.rpcSrv.RegisterName("arb", arbapi.NewAPI(e)); err != nil {
		return fmt.Errorf("arb: register api: %w", err)
	}
	addr := net.JoinHostPort(e.cfg.API.HTTPHost, strconv.Itoa(e.cfg.API.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("arb: api listen: %w", err)
	}
	e.httpSrv = &http.Server{Handler: e.rpcSrv, ReadHeaderTimeout: 5 * time.Second}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Control API server failed", "err", err)
		}
	}()
	e.logger.Info("Control API listening", "addr", ln.Addr())
	return nil
}

func (e *Engine) stopHTTP() {
	if e.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		e.httpSrv.Shutdown(ctx)
		cancel()
	}
	if e.rpcSrv != nil {
		e.rpcSrv.Stop()
	}
}

// The arbapi.Backend surface.

func (e *Engine) NetworkHealth() map[string]bool {
	out := make(map[string]bool, len(e.cfg.Networks))
	for _, id := range e.chains.Networks() {
		out[id] = e.chains.Healthy(id)
	}
	return out
}

func (e *Engine) PoolSnapshots() []*pricefeed.Snapshot {
	pools := e.cfg.EnabledPools()
	out := make([]*pricefeed.Snapshot, 0, len(pools))
	for _, p := range pools {
		if snap, _, ok := e.oracle.Latest(p.ID); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (e *Engine) RecentOpportunities() []*detector.Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*detector.Opportunity(nil), e.lastBatch...)
}

func (e *Engine) Executions(limit int) []executor.Summary { return e.exec.Executions(limit) }
func (e *Engine) AutoExecute() bool                       { return e.exec.AutoExecute() }
func (e *Engine) SetAutoExecute(on bool)                  { e.exec.SetAutoExecute(on) }
func (e *Engine) ReserveBalances() map[string]*big.Int    { return e.reserves.Balances() }
func (e *Engine) InjectReserve(pool string) error         { return e.reserves.InjectNow(pool) }
func (e *Engine) Stopped() bool                           { return e.sentinel.Stopped() }
func (e *Engine) DailyLoss() *big.Int                     { return e.sentinel.DailyLoss() }
func (e *Engine) EngageStop(reason string)                { e.sentinel.EngageStop(reason, false) }
func (e *Engine) ClearStop()                              { e.sentinel.ClearStop() }

func (e *Engine) DepositReserve(pool string, amount *big.Int) error {
	if _, ok := e.cfg.Pool(pool); !ok {
		return fmt.Errorf("arb: unknown pool %q", pool)
	}
	e.reserves.Deposit(pool, amount)
	return nil
}

func (e *Engine) LedgerEvents(start uint64, limit int) ([]*ledger.Event, error) {
	return e.led.Events(start, limit)
}
