// Package bridge tracks cross-chain transfers from deposit to delivery. The
// coordinator never submits transactions; the executor deposits and the
// coordinator watches the target chain until the transfer resolves or its
// deadline passes. Timed-out transfers move to a reclaim queue that keeps
// watching for late deliveries and credits them to the reserve.
package bridge

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

var (
	trackedGauge    = metrics.NewRegisteredGauge("bridge/tracked", nil)
	reclaimGauge    = metrics.NewRegisteredGauge("bridge/reclaim", nil)
	deliveredMeter  = metrics.NewRegisteredMeter("bridge/delivered", nil)
	timedOutCounter = metrics.NewRegisteredCounter("bridge/timeouts", nil)
	reclaimedMeter  = metrics.NewRegisteredMeter("bridge/reclaimed", nil)
)

// Config tunes the coordinator's polling. Zero values take defaults.
type Config struct {
	// PollInterval overrides the per-transfer watch cadence. Zero derives
	// twice the target network's block time.
	PollInterval time.Duration

	// ReclaimInterval is the late-delivery scan cadence.
	ReclaimInterval time.Duration
}

// DefaultConfig is the coordinator's default tuning.
var DefaultConfig = Config{
	ReclaimInterval: 5 * time.Minute,
}

// sanitize clamps nonsensical tuning, warning about every adjustment.
func (c Config) sanitize() Config {
	if c.ReclaimInterval < time.Second {
		if c.ReclaimInterval != 0 {
			log.Warn("Sanitizing invalid bridge reclaim interval", "provided", c.ReclaimInterval, "updated", DefaultConfig.ReclaimInterval)
		}
		c.ReclaimInterval = DefaultConfig.ReclaimInterval
	}
	return c
}

// Transfer is one bridge deposit awaiting delivery on the target network.
type Transfer struct {
	ExecutionID   string
	SourceTxHash  common.Hash
	SourceNetwork string
	TargetNetwork string
	Amount        *big.Int // CQT base units
	Deadline      time.Time
}

// Result is the terminal outcome of a tracked transfer. Exactly one of
// Delivered, Refunded and TimedOut is set.
type Result struct {
	Delivered    bool
	Refunded     bool
	TimedOut     bool
	TargetTxHash common.Hash
}

// ChainReader is the slice of the gateway set the coordinator polls.
type ChainReader interface {
	ReadBridgeDelivery(ctx context.Context, network string, bridge common.Address, sourceTx common.Hash) (*gateway.Delivery, error)
	ReadBridgeRefund(ctx context.Context, network string, bridge common.Address, sourceTx common.Hash) (bool, error)
}

// ReserveCreditor receives assets recovered after a timeout. The reserve
// manager implements it.
type ReserveCreditor interface {
	Credit(amount *big.Int, source, refID string)
}

type entry struct {
	xfer   *Transfer
	result chan Result
}

// Coordinator watches all in-flight bridge transfers, one goroutine each.
type Coordinator struct {
	cfg      Config
	engine   *arbconfig.Config
	chain    ChainReader
	led      *ledger.Store
	creditor ReserveCreditor
	logger   log.Logger

	mu      sync.Mutex
	tracked map[common.Hash]*entry
	reclaim map[common.Hash]*Transfer

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time // test hook
}

// New builds a coordinator. The creditor may be nil, which drops late
// recoveries on the floor after logging them.
func New(cfg Config, engine *arbconfig.Config, chain ChainReader, led *ledger.Store, creditor ReserveCreditor) *Coordinator {
	return &Coordinator{
		cfg:      cfg.sanitize(),
		engine:   engine,
		chain:    chain,
		led:      led,
		creditor: creditor,
		logger:   log.New("component", "bridge"),
		tracked:  make(map[common.Hash]*entry),
		reclaim:  make(map[common.Hash]*Transfer),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the reclaim scanner.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.reclaimLoop()
}

// Stop terminates every watcher. In-flight transfers stay open in the
// ledger and resume after restart.
func (c *Coordinator) Stop() {
	close(c.quit)
	c.wg.Wait()
}

// Track registers a fresh deposit and starts watching for its delivery. The
// returned channel delivers exactly one Result unless the coordinator stops
// first.
func (c *Coordinator) Track(xfer *Transfer) <-chan Result {
	c.led.MustAppend(ledger.KindBridgeStarted, &ledger.BridgeStartedPayload{
		ExecutionID:   xfer.ExecutionID,
		SourceTxHash:  xfer.SourceTxHash,
		SourceNetwork: xfer.SourceNetwork,
		TargetNetwork: xfer.TargetNetwork,
		Token:         arbconfig.CQTSymbol,
		Amount:        xfer.Amount,
		Deadline:      xfer.Deadline,
	})
	return c.watch(xfer)
}

// Resume re-attaches watchers to transfers replayed from the ledger and
// returns their result channels keyed by execution ID, so the executor can
// pick the post-bridge legs back up. Started events already exist, so none
// are re-appended; timed-out transfers go straight to the reclaim queue and
// get no channel.
func (c *Coordinator) Resume(transfers []*ledger.OpenTransfer) map[string]<-chan Result {
	resumed := make(map[string]<-chan Result, len(transfers))
	for _, tr := range transfers {
		xfer := &Transfer{
			ExecutionID:   tr.ExecutionID,
			SourceTxHash:  tr.SourceTxHash,
			SourceNetwork: tr.SourceNetwork,
			TargetNetwork: tr.TargetNetwork,
			Amount:        tr.Amount,
			Deadline:      tr.Deadline,
		}
		if tr.TimedOut {
			c.mu.Lock()
			c.reclaim[xfer.SourceTxHash] = xfer
			reclaimGauge.Update(int64(len(c.reclaim)))
			c.mu.Unlock()
			continue
		}
		resumed[xfer.ExecutionID] = c.watch(xfer)
	}
	return resumed
}

// Pending counts transfers still being watched.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// ReclaimQueue counts timed-out transfers awaiting late delivery.
func (c *Coordinator) ReclaimQueue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reclaim)
}

func (c *Coordinator) watch(xfer *Transfer) <-chan Result {
	e := &entry{xfer: xfer, result: make(chan Result, 1)}
	c.mu.Lock()
	c.tracked[xfer.SourceTxHash] = e
	trackedGauge.Update(int64(len(c.tracked)))
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watchLoop(e)
	return e.result
}

// pollInterval derives the watch cadence from the target chain's block time.
func (c *Coordinator) pollInterval(targetNetwork string) time.Duration {
	if c.cfg.PollInterval > 0 {
		return c.cfg.PollInterval
	}
	if ncfg, ok := c.engine.Networks[targetNetwork]; ok && ncfg.BlockTime > 0 {
		return 2 * ncfg.BlockTime
	}
	return 10 * time.Second
}

func (c *Coordinator) watchLoop(e *entry) {
	defer c.wg.Done()
	xfer := e.xfer

	ticker := time.NewTicker(c.pollInterval(xfer.TargetNetwork))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if done := c.check(e); done {
				return
			}
		case <-c.quit:
			// Leave the transfer open; restart reconciliation resumes it.
			c.detach(xfer.SourceTxHash)
			return
		}
	}
}

// check polls one transfer once. Returns true when the watch is over.
func (c *Coordinator) check(e *entry) bool {
	xfer := e.xfer
	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultRPCTimeout)
	defer cancel()

	targetBridge, okT := c.engine.CrossChain.BridgeContracts[xfer.TargetNetwork]
	sourceBridge, okS := c.engine.CrossChain.BridgeContracts[xfer.SourceNetwork]
	if !okT || !okS {
		c.logger.Error("Bridge contract missing for tracked transfer",
			"source", xfer.SourceNetwork, "target", xfer.TargetNetwork)
		return false
	}

	if delivery, err := c.chain.ReadBridgeDelivery(ctx, xfer.TargetNetwork, targetBridge, xfer.SourceTxHash); err == nil && delivery.Delivered {
		deliveredMeter.Mark(1)
		c.led.MustAppend(ledger.KindBridgeConfirmed, &ledger.BridgeConfirmedPayload{
			SourceTxHash: xfer.SourceTxHash,
			TargetTxHash: delivery.TargetTxHash,
			ConfirmedAt:  c.now().UTC(),
		})
		c.logger.Info("Bridge transfer delivered", "sourceTx", xfer.SourceTxHash, "targetTx", delivery.TargetTxHash)
		c.resolve(e, Result{Delivered: true, TargetTxHash: delivery.TargetTxHash})
		return true
	}

	if refunded, err := c.chain.ReadBridgeRefund(ctx, xfer.SourceNetwork, sourceBridge, xfer.SourceTxHash); err == nil && refunded {
		c.led.MustAppend(ledger.KindBridgeRefunded, &ledger.BridgeRefundedPayload{
			ExecutionID:  xfer.ExecutionID,
			SourceTxHash: xfer.SourceTxHash,
			Amount:       xfer.Amount,
			RefundedAt:   c.now().UTC(),
		})
		c.logger.Warn("Bridge transfer refunded", "sourceTx", xfer.SourceTxHash, "amount", xfer.Amount)
		c.resolve(e, Result{Refunded: true})
		return true
	}

	if c.now().After(xfer.Deadline) {
		timedOutCounter.Inc(1)
		c.led.MustAppend(ledger.KindBridgeTimeout, &ledger.BridgeTimeoutPayload{
			ExecutionID:  xfer.ExecutionID,
			SourceTxHash: xfer.SourceTxHash,
			TimedOutAt:   c.now().UTC(),
		})
		c.logger.Warn("Bridge transfer timed out", "sourceTx", xfer.SourceTxHash,
			"deadline", xfer.Deadline, "amount", xfer.Amount)

		c.mu.Lock()
		c.reclaim[xfer.SourceTxHash] = xfer
		reclaimGauge.Update(int64(len(c.reclaim)))
		c.mu.Unlock()

		c.resolve(e, Result{TimedOut: true})
		return true
	}
	return false
}

// resolve delivers the result and drops the watch entry.
func (c *Coordinator) resolve(e *entry, res Result) {
	c.detach(e.xfer.SourceTxHash)
	e.result <- res
}

func (c *Coordinator) detach(sourceTx common.Hash) {
	c.mu.Lock()
	delete(c.tracked, sourceTx)
	trackedGauge.Update(int64(len(c.tracked)))
	c.mu.Unlock()
}

// reclaimLoop scans the timed-out transfers for late deliveries or refunds
// at a much slower cadence than the live watchers.
func (c *Coordinator) reclaimLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scanReclaim()
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) scanReclaim() {
	c.mu.Lock()
	pending := make([]*Transfer, 0, len(c.reclaim))
	for _, xfer := range c.reclaim {
		pending = append(pending, xfer)
	}
	c.mu.Unlock()

	for _, xfer := range pending {
		select {
		case <-c.quit:
			return
		default:
		}
		if c.tryReclaim(xfer) {
			c.mu.Lock()
			delete(c.reclaim, xfer.SourceTxHash)
			reclaimGauge.Update(int64(len(c.reclaim)))
			c.mu.Unlock()
		}
	}
}

// tryReclaim checks one stranded transfer. A late delivery or a refund
// recovers the asset and credits the reserve.
func (c *Coordinator) tryReclaim(xfer *Transfer) bool {
	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultRPCTimeout)
	defer cancel()

	targetBridge, okT := c.engine.CrossChain.BridgeContracts[xfer.TargetNetwork]
	sourceBridge, okS := c.engine.CrossChain.BridgeContracts[xfer.SourceNetwork]
	if !okT || !okS {
		return false
	}

	if delivery, err := c.chain.ReadBridgeDelivery(ctx, xfer.TargetNetwork, targetBridge, xfer.SourceTxHash); err == nil && delivery.Delivered {
		reclaimedMeter.Mark(1)
		c.led.MustAppend(ledger.KindBridgeConfirmed, &ledger.BridgeConfirmedPayload{
			SourceTxHash: xfer.SourceTxHash,
			TargetTxHash: delivery.TargetTxHash,
			Late:         true,
			ConfirmedAt:  c.now().UTC(),
		})
		c.credit(xfer)
		c.logger.Info("Stranded transfer delivered late", "sourceTx", xfer.SourceTxHash, "amount", xfer.Amount)
		return true
	}

	if refunded, err := c.chain.ReadBridgeRefund(ctx, xfer.SourceNetwork, sourceBridge, xfer.SourceTxHash); err == nil && refunded {
		reclaimedMeter.Mark(1)
		c.led.MustAppend(ledger.KindBridgeRefunded, &ledger.BridgeRefundedPayload{
			ExecutionID:  xfer.ExecutionID,
			SourceTxHash: xfer.SourceTxHash,
			Amount:       xfer.Amount,
			Late:         true,
			RefundedAt:   c.now().UTC(),
		})
		c.credit(xfer)
		c.logger.Info("Stranded transfer refunded", "sourceTx", xfer.SourceTxHash, "amount", xfer.Amount)
		return true
	}
	return false
}

func (c *Coordinator) credit(xfer *Transfer) {
	if c.creditor == nil {
		c.logger.Warn("No reserve attached, recovered amount unmanaged", "amount", xfer.Amount)
		return
	}
	c.creditor.Credit(xfer.Amount, ledger.ReserveSourceReclaim, xfer.ExecutionID)
}
