// Package executor turns admitted opportunities into on-chain transactions.
// Each execution is reserved in the ledger before anything is signed, so a
// crash between reservation and confirmation is visible at restart and
// nothing runs twice. One pool pair executes at most one arbitrage at a
// time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/bridge"
	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

const (
	// historyLimit bounds the terminal-execution ring served by the API.
	historyLimit = 256

	// Gas limit headroom over the node's estimate.
	gasLimitNum = 6
	gasLimitDen = 5

	// Abort threshold for gas price drift between detection and submission:
	// a live price above 6/5 of the priced basis invalidates the cost model.
	gasDriftNum = 6
	gasDriftDen = 5
)

// ErrGasDrift marks a cost basis invalidated by the live gas price.
var ErrGasDrift = errors.New("executor: gas price drift")

var (
	completedMeter    = metrics.NewRegisteredMeter("executor/completed", nil)
	failedMeter       = metrics.NewRegisteredMeter("executor/failed", nil)
	supersededCounter = metrics.NewRegisteredCounter("executor/superseded", nil)
	inflightGauge     = metrics.NewRegisteredGauge("executor/inflight", nil)
)

// Chain is the slice of the gateway set the executor drives.
type Chain interface {
	SuggestGasPrice(ctx context.Context, network string) (*big.Int, error)
	ReadPoolState(ctx context.Context, network string, pool common.Address) (*gateway.PoolState, error)
	EstimateGas(ctx context.Context, network string, msg gateway.CallMsg) (uint64, *big.Int, error)
	NextNonce(ctx context.Context, network string, addr common.Address) (uint64, error)
	Submit(ctx context.Context, network string, tx *types.Transaction) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, network string, hash common.Hash, depth uint64) (*types.Receipt, error)
	ChainID(network string) *big.Int
}

// Tracker follows a bridge deposit to its terminal outcome.
type Tracker interface {
	Track(xfer *bridge.Transfer) <-chan bridge.Result
}

// Safety receives execution outcomes for the failure streak and loss budget.
// The risk sentinel implements it.
type Safety interface {
	Stopped() bool
	RecordSuccess()
	RecordFailure(loss *big.Int)
	RecordLoss(loss *big.Int)
}

// ProfitEvent announces a settled positive execution. The reserve manager
// subscribes to recycle a share of it into the traded pools.
type ProfitEvent struct {
	ExecutionID string
	SourcePool  string
	TargetPool  string
	Profit      *big.Int // CQT base units
	CompletedAt time.Time
}

// Executor owns the worker pool draining the admission queue.
type Executor struct {
	cfg     *arbconfig.Config
	chain   Chain
	signer  gateway.Signer
	tracker Tracker
	safety  Safety
	led     *ledger.Store
	queue   <-chan *detector.Opportunity
	logger  log.Logger

	running atomic.Bool
	auto    atomic.Bool

	mu       sync.Mutex
	slots    map[ledger.PoolPair]string
	lastExec map[ledger.PoolPair]time.Time
	inflight map[string]*Execution
	history  []*Execution // terminal executions, oldest first

	feed  event.Feed
	scope event.SubscriptionScope

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time // test hook
}

// New builds an executor. It does nothing until Start.
func New(cfg *arbconfig.Config, chain Chain, signer gateway.Signer, tracker Tracker, safety Safety, led *ledger.Store, queue <-chan *detector.Opportunity) *Executor {
	e := &Executor{
		cfg:      cfg,
		chain:    chain,
		signer:   signer,
		tracker:  tracker,
		safety:   safety,
		led:      led,
		queue:    queue,
		logger:   log.New("component", "executor"),
		slots:    make(map[ledger.PoolPair]string),
		lastExec: make(map[ledger.PoolPair]time.Time),
		inflight: make(map[string]*Execution),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	e.auto.Store(cfg.AutoExecute)
	return e
}

// Seed restores pair cooldowns from replayed ledger state.
func (e *Executor) Seed(st *ledger.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pair, at := range st.LastExecutionAt {
		e.lastExec[pair] = at
	}
}

// AutoExecute reports whether dequeued opportunities are traded.
func (e *Executor) AutoExecute() bool { return e.auto.Load() }

// SetAutoExecute toggles trading without stopping detection.
func (e *Executor) SetAutoExecute(v bool) {
	if e.auto.Swap(v) != v {
		e.logger.Warn("Auto-execute toggled", "enabled", v)
	}
}

// InFlight counts executions that have not reached a terminal state.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// LastExecutionAt returns when a pair last claimed its execution slot.
func (e *Executor) LastExecutionAt(pair ledger.PoolPair) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.lastExec[pair]
	return at, ok
}

// Executions returns recent executions, newest first, in-flight included.
func (e *Executor) Executions(limit int) []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Summary, 0, len(e.inflight)+len(e.history))
	for _, ex := range e.inflight {
		out = append(out, ex.summary())
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		out = append(out, e.history[i].summary())
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SubscribeProfit delivers every settled positive execution to ch.
func (e *Executor) SubscribeProfit(ch chan<- ProfitEvent) event.Subscription {
	return e.scope.Track(e.feed.Subscribe(ch))
}

// Start launches one worker per allowed concurrent execution.
func (e *Executor) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < e.cfg.Arbitrage.MaxConcurrentArbitrages; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("Execution workers started", "workers", e.cfg.Arbitrage.MaxConcurrentArbitrages, "autoExecute", e.auto.Load())
}

// Stop terminates the workers after their current execution and abandons
// whatever is still queued. An execution blocked on a bridge result is left
// open in the ledger for restart reconciliation.
func (e *Executor) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.quit)
	e.wg.Wait()

	for {
		select {
		case opp := <-e.queue:
			e.supersede(opp, "", "shutdown")
		default:
			e.scope.Close()
			e.logger.Info("Execution workers stopped")
			return
		}
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case opp := <-e.queue:
			e.process(opp)
		}
	}
}

// process runs one opportunity end to end.
func (e *Executor) process(opp *detector.Opportunity) {
	if !e.auto.Load() {
		e.logger.Debug("Auto-execute disabled, dropping opportunity", "id", opp.ID)
		return
	}
	if e.safety.Stopped() {
		e.supersede(opp, "", "emergency-stop")
		return
	}
	if age := e.now().Sub(opp.DetectedAt); age > e.cfg.Arbitrage.StaleThreshold {
		e.supersede(opp, "", "stale")
		return
	}

	execID := uuid.NewString()
	if !e.claimSlot(opp.Pair(), execID) {
		e.supersede(opp, "", "pair-in-flight")
		return
	}
	defer e.releaseSlot(opp.Pair())

	ex := &Execution{
		ID:         execID,
		Opp:        opp,
		Status:     StatusReserved,
		ReservedAt: e.now().UTC(),
	}
	e.mu.Lock()
	e.inflight[execID] = ex
	inflightGauge.Update(int64(len(e.inflight)))
	e.mu.Unlock()

	e.led.MustAppend(ledger.KindExecutionReserved, &ledger.ExecutionReservedPayload{
		ExecutionID:   execID,
		OpportunityID: opp.ID,
		SourcePool:    opp.SourcePool,
		TargetPool:    opp.TargetPool,
		CrossChain:    opp.CrossChain,
		TradeSize:     opp.TradeSize.ToBig(),
		ReservedAt:    ex.ReservedAt,
	})
	e.logger.Info("Execution reserved", "id", execID, "opportunity", opp.ID,
		"source", opp.SourcePool, "target", opp.TargetPool, "crossChain", opp.CrossChain)

	if opp.CrossChain {
		e.runCross(ex)
	} else {
		e.runIntra(ex)
	}

	e.mu.Lock()
	if ex.Status.Terminal() {
		delete(e.inflight, execID)
		e.history = append(e.history, ex)
		if len(e.history) > historyLimit {
			e.history = e.history[len(e.history)-historyLimit:]
		}
	}
	inflightGauge.Update(int64(len(e.inflight)))
	e.mu.Unlock()
}

// claimSlot takes the pair's exclusive execution slot and stamps the
// cooldown. The stamp happens at claim, not completion, so a crash mid
// flight still cools the pair down.
func (e *Executor) claimSlot(pair ledger.PoolPair, execID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.slots[pair]; busy {
		return false
	}
	e.slots[pair] = execID
	e.lastExec[pair] = e.now()
	return true
}

func (e *Executor) releaseSlot(pair ledger.PoolPair) {
	e.mu.Lock()
	delete(e.slots, pair)
	e.mu.Unlock()
}

func (e *Executor) setStatus(ex *Execution, s Status) {
	e.mu.Lock()
	ex.Status = s
	e.mu.Unlock()
}

// supersede drops an opportunity (and optionally its reserved execution)
// without trading.
func (e *Executor) supersede(opp *detector.Opportunity, execID, reason string) {
	supersededCounter.Inc(1)
	e.led.MustAppend(ledger.KindExecutionSuperseded, &ledger.ExecutionSupersededPayload{
		ExecutionID:   execID,
		OpportunityID: opp.ID,
		Reason:        reason,
		At:            e.now().UTC(),
	})
	e.logger.Debug("Opportunity superseded", "id", opp.ID, "reason", reason)
}

// abandon supersedes a reserved execution before any leg was submitted.
func (e *Executor) abandon(ex *Execution, reason string) {
	e.setStatus(ex, StatusSuperseded)
	e.mu.Lock()
	ex.FailReason = reason
	ex.CompletedAt = e.now().UTC()
	e.mu.Unlock()
	e.supersede(ex.Opp, ex.ID, reason)
}

// fail records a terminal failure and charges the loss budget.
func (e *Executor) fail(ex *Execution, reason string, cause error) {
	var gasSpent *big.Int
	if len(ex.Legs) > 0 {
		gasSpent = ex.Opp.EstGasCost.ToBig()
	}
	e.mu.Lock()
	ex.Status = StatusFailed
	ex.FailReason = reason
	ex.GasSpent = gasSpent
	ex.CompletedAt = e.now().UTC()
	e.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	e.led.MustAppend(ledger.KindExecutionFailed, &ledger.ExecutionFailedPayload{
		ExecutionID: ex.ID,
		Reason:      reason,
		Message:     msg,
		GasSpent:    gasSpent,
		FailedAt:    ex.CompletedAt,
	})
	e.safety.RecordFailure(gasSpent)
	failedMeter.Mark(1)
	e.logger.Warn("Execution failed", "id", ex.ID, "reason", reason, "err", cause)
}

// complete settles a finished execution and announces any profit.
func (e *Executor) complete(ex *Execution, realized *big.Int) {
	gasSpent := ex.Opp.EstGasCost.ToBig()
	completedAt := e.now().UTC()

	e.mu.Lock()
	ex.Status = StatusCompleted
	ex.RealizedProfit = realized
	ex.GasSpent = gasSpent
	ex.CompletedAt = completedAt
	e.mu.Unlock()

	e.led.MustAppend(ledger.KindExecutionCompleted, &ledger.ExecutionCompletedPayload{
		ExecutionID:    ex.ID,
		RealizedProfit: realized,
		GasSpent:       gasSpent,
		CompletedAt:    completedAt,
	})
	completedMeter.Mark(1)
	e.safety.RecordSuccess()
	if realized.Sign() > 0 {
		e.feed.Send(ProfitEvent{
			ExecutionID: ex.ID,
			SourcePool:  ex.Opp.SourcePool,
			TargetPool:  ex.Opp.TargetPool,
			Profit:      new(big.Int).Set(realized),
			CompletedAt: completedAt,
		})
	} else if realized.Sign() < 0 {
		e.safety.RecordLoss(new(big.Int).Neg(realized))
	}
	e.logger.Info("Execution completed", "id", ex.ID, "realizedProfit", realized)
}

// checkGasDrift compares the live gas price against the basis the cost
// model priced with. Drift past the threshold invalidates the estimate.
func (e *Executor) checkGasDrift(ctx context.Context, network string, basis *big.Int) error {
	if basis == nil || basis.Sign() == 0 {
		return nil
	}
	live, err := e.chain.SuggestGasPrice(ctx, network)
	if err != nil {
		return fmt.Errorf("gas price on %s: %w", network, err)
	}
	limit := new(big.Int).Mul(basis, big.NewInt(gasDriftNum))
	scaled := new(big.Int).Mul(live, big.NewInt(gasDriftDen))
	if scaled.Cmp(limit) > 0 {
		return fmt.Errorf("%w on %s: live %s, basis %s", ErrGasDrift, network, live, basis)
	}
	return nil
}

// lessSlippage applies the configured slippage bound to an expected amount,
// producing the on-chain minimum-out.
func (e *Executor) lessSlippage(v *uint256.Int) *big.Int {
	out := new(big.Int).Mul(v.ToBig(), big.NewInt(10_000-e.cfg.Arbitrage.MaxSlippageBps))
	return out.Quo(out, big.NewInt(10_000))
}

// submitLeg builds, signs, submits and confirms one transaction.
func (e *Executor) submitLeg(ctx context.Context, ex *Execution, kind, network string, to common.Address, data []byte) (*Leg, error) {
	ncfg, ok := e.cfg.Networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	msg := gateway.CallMsg{From: e.signer.Address(), To: to, Data: data}
	gasLimit, gasPrice, err := e.chain.EstimateGas(ctx, network, msg)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit * gasLimitNum / gasLimitDen
	if cap := e.cfg.GasPriceCapWei(network); gasPrice.Cmp(cap) > 0 {
		return nil, fmt.Errorf("gas price %s above cap %s", gasPrice, cap)
	}

	nonce, err := e.chain.NextNonce(ctx, network, e.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tx := types.NewTransaction(nonce, to, new(big.Int), gasLimit, gasPrice, data)
	signed, err := e.signer.SignTx(e.chain.ChainID(network), tx)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	e.setStatus(ex, StatusSubmitting)
	hash, err := e.chain.Submit(ctx, network, signed)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	leg := &Leg{
		Index:    len(ex.Legs),
		Kind:     kind,
		Network:  network,
		TxHash:   hash,
		GasPrice: gasPrice,
	}
	e.mu.Lock()
	ex.Legs = append(ex.Legs, leg)
	ex.Status = StatusSubmitted
	e.mu.Unlock()

	submittedAt := e.now().UTC()
	e.led.MustAppend(ledger.KindLegSubmitted, &ledger.LegSubmittedPayload{
		ExecutionID: ex.ID,
		LegIndex:    leg.Index,
		LegKind:     kind,
		Network:     network,
		TxHash:      hash,
		GasPrice:    gasPrice,
		SubmittedAt: submittedAt,
	})
	e.logger.Info("Leg submitted", "execution", ex.ID, "leg", leg.Index, "kind", kind, "network", network, "tx", hash)

	e.setStatus(ex, StatusConfirming)
	cctx, cancel := context.WithTimeout(ctx, params.DefaultLegConfirmTimeout)
	defer cancel()
	rcpt, err := e.chain.AwaitConfirmation(cctx, network, hash, ncfg.ConfirmationBlocks)
	if err != nil {
		return leg, fmt.Errorf("confirm: %w", err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return leg, fmt.Errorf("transaction reverted")
	}

	e.mu.Lock()
	leg.Receipt = rcpt
	leg.GasUsed = rcpt.GasUsed
	leg.Confirmed = true
	e.mu.Unlock()

	e.led.MustAppend(ledger.KindLegConfirmed, &ledger.LegConfirmedPayload{
		ExecutionID: ex.ID,
		LegIndex:    leg.Index,
		TxHash:      hash,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
		GasPrice:    leg.GasPrice,
		ConfirmedAt: e.now().UTC(),
	})
	return leg, nil
}

// swapOut reads the actual output amount from a confirmed swap leg,
// falling back to the planned estimate when the receipt carries no log.
func (e *Executor) swapOut(leg *Leg, network string, planned *uint256.Int) *big.Int {
	ncfg := e.cfg.Networks[network]
	if leg.Receipt != nil {
		if amounts, ok := gateway.ParseSwapLog(leg.Receipt, ncfg.Router); ok {
			return amounts.AmountOut
		}
	}
	e.logger.Warn("Swap receipt missing router log, settling on estimate",
		"execution leg", leg.Index, "tx", leg.TxHash)
	return planned.ToBig()
}
