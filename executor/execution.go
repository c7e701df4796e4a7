package executor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cqt-network/arbd/detector"
)

// Status is the execution lifecycle state. Transitions only move forward;
// Completed, Failed and Superseded are terminal.
type Status uint8

const (
	StatusDetected Status = iota
	StatusReserved
	StatusSubmitting
	StatusSubmitted
	StatusConfirming
	StatusCompleted
	StatusFailed
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusDetected:
		return "detected"
	case StatusReserved:
		return "reserved"
	case StatusSubmitting:
		return "submitting"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirming:
		return "confirming"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Terminal reports whether the status can change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSuperseded
}

// Leg is one on-chain transaction of an execution.
type Leg struct {
	Index    int
	Kind     string // ledger.LegSwap or ledger.LegBridge
	Network  string
	TxHash   common.Hash
	GasPrice *big.Int
	GasUsed  uint64
	Receipt  *types.Receipt

	Confirmed bool
}

// Execution is one arbitrage attempt derived from an admitted opportunity.
// The executor mutates it under its own lock; Snapshot hands out copies.
type Execution struct {
	ID  string
	Opp *detector.Opportunity

	Status     Status
	FailReason string
	Legs       []*Leg

	ReservedAt  time.Time
	CompletedAt time.Time

	RealizedProfit *big.Int // CQT base units, signed; nil until settled
	GasSpent       *big.Int // CQT base units charged against the loss budget
}

// Summary is the immutable external view of an execution, what the control
// API serves.
type Summary struct {
	ID             string        `json:"id"`
	OpportunityID  string        `json:"opportunityId"`
	SourcePool     string        `json:"sourcePool"`
	TargetPool     string        `json:"targetPool"`
	CrossChain     bool          `json:"crossChain"`
	Status         string        `json:"status"`
	FailReason     string        `json:"failReason,omitempty"`
	TradeSize      *big.Int      `json:"tradeSize"`
	RealizedProfit *big.Int      `json:"realizedProfit,omitempty"`
	Legs           []LegSummary  `json:"legs,omitempty"`
	ReservedAt     time.Time     `json:"reservedAt"`
	CompletedAt    time.Time     `json:"completedAt,omitempty"`
}

// LegSummary mirrors one leg in the external view.
type LegSummary struct {
	Kind      string      `json:"kind"`
	Network   string      `json:"network"`
	TxHash    common.Hash `json:"txHash"`
	Confirmed bool        `json:"confirmed"`
}

func (ex *Execution) summary() Summary {
	s := Summary{
		ID:            ex.ID,
		OpportunityID: ex.Opp.ID,
		SourcePool:    ex.Opp.SourcePool,
		TargetPool:    ex.Opp.TargetPool,
		CrossChain:    ex.Opp.CrossChain,
		Status:        ex.Status.String(),
		FailReason:    ex.FailReason,
		TradeSize:     ex.Opp.TradeSize.ToBig(),
		ReservedAt:    ex.ReservedAt,
		CompletedAt:   ex.CompletedAt,
	}
	if ex.RealizedProfit != nil {
		s.RealizedProfit = new(big.Int).Set(ex.RealizedProfit)
	}
	for _, leg := range ex.Legs {
		s.Legs = append(s.Legs, LegSummary{
			Kind:      leg.Kind,
			Network:   leg.Network,
			TxHash:    leg.TxHash,
			Confirmed: leg.Confirmed,
		})
	}
	return s
}
