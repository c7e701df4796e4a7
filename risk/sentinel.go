// Package risk gates detected opportunities before execution. A filter runs
// every candidate through an ordered rule chain; a sentinel tracks the
// failure streak and the daily loss budget and can halt trading entirely.
package risk

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
)

var (
	stopGauge       = metrics.NewRegisteredGauge("risk/stopped", nil)
	failureCounter  = metrics.NewRegisteredCounter("risk/failures", nil)
	dailyLossGauge  = metrics.NewRegisteredGauge("risk/dailyloss", nil)
	rejectedCounter = metrics.NewRegisteredCounter("risk/rejected", nil)
	admittedCounter = metrics.NewRegisteredCounter("risk/admitted", nil)
)

// Sentinel owns the emergency stop. Once engaged it stays engaged until an
// operator clears it; the flag survives restarts through the ledger.
type Sentinel struct {
	cfg    *arbconfig.Config
	led    *ledger.Store
	logger log.Logger

	stopped atomic.Bool

	mu        sync.Mutex
	failures  []time.Time // failure streak, pruned to the rolling window
	lossDay   time.Time   // UTC midnight anchoring the loss accumulator
	dailyLoss *big.Int

	now func() time.Time // test hook
}

// NewSentinel builds a sentinel with an empty record.
func NewSentinel(cfg *arbconfig.Config, led *ledger.Store) *Sentinel {
	return &Sentinel{
		cfg:       cfg,
		led:       led,
		logger:    log.New("component", "sentinel"),
		dailyLoss: new(big.Int),
		now:       time.Now,
	}
}

// Seed restores the sentinel from replayed ledger state. Replay yields the
// failure streak without timestamps, so the seed stamps them at restore
// time: a streak survives the restart for a full window, never less.
func (s *Sentinel) Seed(st *ledger.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.failures = s.failures[:0]
	for i := 0; i < st.TrailingFailures; i++ {
		s.failures = append(s.failures, now)
	}
	s.lossDay = now.UTC().Truncate(24 * time.Hour)
	s.dailyLoss = new(big.Int).Set(st.DailyLoss)
	if st.Stopped {
		s.stopped.Store(true)
		stopGauge.Update(1)
		s.logger.Warn("Emergency stop restored from ledger")
	}
}

// Stopped reports whether trading is halted.
func (s *Sentinel) Stopped() bool { return s.stopped.Load() }

// EngageStop halts trading and records the stop. Idempotent: only the first
// engagement writes a ledger event.
func (s *Sentinel) EngageStop(reason string, automatic bool) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	stopGauge.Update(1)
	s.logger.Error("Emergency stop engaged", "reason", reason, "automatic", automatic)
	s.led.MustAppend(ledger.KindEmergencyStop, &ledger.EmergencyStopPayload{
		Reason:    reason,
		Automatic: automatic,
		At:        s.now().UTC(),
	})
}

// ClearStop re-enables trading. Operator action only, never automatic. The
// clear is recorded in the ledger so replay does not re-engage the stop.
func (s *Sentinel) ClearStop() {
	if !s.stopped.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	s.failures = s.failures[:0]
	s.mu.Unlock()
	stopGauge.Update(0)
	s.led.MustAppend(ledger.KindEmergencyCleared, &ledger.EmergencyClearedPayload{
		At: s.now().UTC(),
	})
	s.logger.Warn("Emergency stop cleared by operator")
}

// RecordFailure extends the failure streak and charges any realized loss.
// Reaching the configured streak length inside the rolling window engages
// the stop.
func (s *Sentinel) RecordFailure(loss *big.Int) {
	failureCounter.Inc(1)
	now := s.now()

	s.mu.Lock()
	s.failures = append(s.failures, now)
	cutoff := now.Add(-s.cfg.Security.FailureWindow)
	for len(s.failures) > 0 && s.failures[0].Before(cutoff) {
		s.failures = s.failures[1:]
	}
	streak := len(s.failures)
	s.addLossLocked(loss, now)
	s.mu.Unlock()

	if streak >= s.cfg.Security.MaxConsecutiveFailures {
		s.EngageStop("consecutive-failures", true)
	}
	s.checkLossBudget()
}

// RecordSuccess breaks the failure streak.
func (s *Sentinel) RecordSuccess() {
	s.mu.Lock()
	s.failures = s.failures[:0]
	s.mu.Unlock()
}

// RecordLoss charges a realized loss outside a failure, like a completed
// execution that settled underwater.
func (s *Sentinel) RecordLoss(loss *big.Int) {
	s.mu.Lock()
	s.addLossLocked(loss, s.now())
	s.mu.Unlock()
	s.checkLossBudget()
}

// addLossLocked rolls the accumulator over at UTC midnight before adding.
func (s *Sentinel) addLossLocked(loss *big.Int, now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.lossDay) {
		s.lossDay = day
		s.dailyLoss.SetInt64(0)
	}
	if loss != nil && loss.Sign() > 0 {
		s.dailyLoss.Add(s.dailyLoss, loss)
	}
	dailyLossGauge.Update(s.dailyLoss.Int64())
}

// DailyLoss returns the loss accumulated during the current UTC day.
func (s *Sentinel) DailyLoss() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := s.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.lossDay) {
		return new(big.Int)
	}
	return new(big.Int).Set(s.dailyLoss)
}

// checkLossBudget engages the stop once the daily loss reaches the cap.
func (s *Sentinel) checkLossBudget() {
	cap := arbconfig.BigInt(s.cfg.Security.MaxDailyLoss)
	if cap.Sign() > 0 && s.DailyLoss().Cmp(cap) >= 0 {
		s.EngageStop("daily-loss-budget", true)
	}
}
