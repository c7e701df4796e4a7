package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// PoolPair is an ordered (source, target) pool pair, the unit of execution
// exclusivity and cooldown tracking.
type PoolPair struct {
	Src string
	Dst string
}

// LegRecord is the replayed view of one submitted execution leg.
type LegRecord struct {
	Index     int
	Kind      string
	Network   string
	TxHash    common.Hash
	GasPrice  *big.Int
	Confirmed bool
}

// OpenExecution is an execution that never reached a terminal event. The
// engine reconciles these against on-chain state before anything resumes.
type OpenExecution struct {
	ExecutionID   string
	OpportunityID string
	SourcePool    string
	TargetPool    string
	CrossChain    bool
	TradeSize     *big.Int
	ReservedAt    time.Time
	Legs          []*LegRecord
}

// OpenTransfer is a bridge transfer without a terminal ledger event, or one
// that timed out and lives in the reclaim queue (TimedOut set).
type OpenTransfer struct {
	ExecutionID   string
	SourceTxHash  common.Hash
	SourceNetwork string
	TargetNetwork string
	Token         string
	Amount        *big.Int
	Deadline      time.Time
	TimedOut      bool
}

// State is the fold of the whole log, the seed for every component at start.
type State struct {
	LastSeq          uint64
	OpenExecutions   []*OpenExecution
	OpenTransfers    []*OpenTransfer
	Reserves         map[string]*big.Int
	LastInjectionAt  map[string]time.Time
	LastExecutionAt  map[PoolPair]time.Time
	TrailingFailures int      // consecutive failures at the log tail
	DailyLoss        *big.Int // realized loss accumulated during now's UTC day
	Stopped          bool     // an EmergencyStop event is the latest stop-relevant record
}

// Rebuild replays the store into a State snapshot. now anchors the UTC day
// window for the loss budget.
func Rebuild(s *Store, now time.Time) (*State, error) {
	st := &State{
		Reserves:        make(map[string]*big.Int),
		LastInjectionAt: make(map[string]time.Time),
		LastExecutionAt: make(map[PoolPair]time.Time),
		DailyLoss:       new(big.Int),
	}
	day := now.UTC().Truncate(24 * time.Hour)
	sameDay := func(t time.Time) bool {
		return t.UTC().Truncate(24 * time.Hour).Equal(day)
	}

	execs := make(map[string]*OpenExecution)
	transfers := make(map[common.Hash]*OpenTransfer)

	err := s.Replay(func(evt *Event) error {
		st.LastSeq = evt.Seq
		switch evt.Kind {
		case KindExecutionReserved:
			var p ExecutionReservedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			execs[p.ExecutionID] = &OpenExecution{
				ExecutionID:   p.ExecutionID,
				OpportunityID: p.OpportunityID,
				SourcePool:    p.SourcePool,
				TargetPool:    p.TargetPool,
				CrossChain:    p.CrossChain,
				TradeSize:     p.TradeSize,
				ReservedAt:    p.ReservedAt,
			}
			st.LastExecutionAt[PoolPair{p.SourcePool, p.TargetPool}] = p.ReservedAt

		case KindLegSubmitted:
			var p LegSubmittedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			if ex, ok := execs[p.ExecutionID]; ok {
				ex.Legs = append(ex.Legs, &LegRecord{
					Index:    p.LegIndex,
					Kind:     p.LegKind,
					Network:  p.Network,
					TxHash:   p.TxHash,
					GasPrice: p.GasPrice,
				})
			}

		case KindLegConfirmed:
			var p LegConfirmedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			if ex, ok := execs[p.ExecutionID]; ok {
				for _, leg := range ex.Legs {
					if leg.Index == p.LegIndex {
						leg.Confirmed = true
					}
				}
			}

		case KindExecutionCompleted:
			var p ExecutionCompletedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			delete(execs, p.ExecutionID)
			st.TrailingFailures = 0
			if p.RealizedProfit != nil && p.RealizedProfit.Sign() < 0 && sameDay(p.CompletedAt) {
				st.DailyLoss.Sub(st.DailyLoss, p.RealizedProfit)
			}

		case KindExecutionFailed:
			var p ExecutionFailedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			delete(execs, p.ExecutionID)
			st.TrailingFailures++
			if p.GasSpent != nil && p.GasSpent.Sign() > 0 && sameDay(p.FailedAt) {
				st.DailyLoss.Add(st.DailyLoss, p.GasSpent)
			}

		case KindExecutionSuperseded:
			var p ExecutionSupersededPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			if p.ExecutionID != "" {
				delete(execs, p.ExecutionID)
			}

		case KindBridgeStarted:
			var p BridgeStartedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			transfers[p.SourceTxHash] = &OpenTransfer{
				ExecutionID:   p.ExecutionID,
				SourceTxHash:  p.SourceTxHash,
				SourceNetwork: p.SourceNetwork,
				TargetNetwork: p.TargetNetwork,
				Token:         p.Token,
				Amount:        p.Amount,
				Deadline:      p.Deadline,
			}

		case KindBridgeConfirmed:
			var p BridgeConfirmedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			delete(transfers, p.SourceTxHash)

		case KindBridgeTimeout:
			var p BridgeTimeoutPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			if tr, ok := transfers[p.SourceTxHash]; ok {
				tr.TimedOut = true
			}

		case KindBridgeRefunded:
			var p BridgeRefundedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			delete(transfers, p.SourceTxHash)

		case KindReserveAllocated:
			var p ReserveAllocatedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			bal, ok := st.Reserves[p.Pool]
			if !ok {
				bal = new(big.Int)
				st.Reserves[p.Pool] = bal
			}
			bal.Add(bal, p.Amount)

		case KindReserveInjected:
			var p ReserveInjectedPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			bal, ok := st.Reserves[p.Pool]
			if !ok {
				bal = new(big.Int)
				st.Reserves[p.Pool] = bal
			}
			if p.Injected != nil {
				bal.Sub(bal, p.Injected)
			}
			if p.Residual != nil {
				bal.Sub(bal, p.Residual)
			}
			if bal.Sign() < 0 {
				log.Warn("Replayed reserve balance negative, clamping", "pool", p.Pool, "balance", bal)
				bal.SetInt64(0)
			}
			st.LastInjectionAt[p.Pool] = p.At

		case KindEmergencyStop:
			st.Stopped = true

		case KindEmergencyCleared:
			st.Stopped = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ex := range execs {
		st.OpenExecutions = append(st.OpenExecutions, ex)
	}
	for _, tr := range transfers {
		st.OpenTransfers = append(st.OpenTransfers, tr)
	}
	return st, nil
}
