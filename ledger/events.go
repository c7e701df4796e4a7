package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags a ledger event with its stable, machine readable type.
type Kind string

const (
	KindPriceSnapshot       Kind = "PriceSnapshot"
	KindOpportunityDetected Kind = "OpportunityDetected"
	KindExecutionReserved   Kind = "ExecutionReserved"
	KindLegSubmitted        Kind = "LegSubmitted"
	KindLegConfirmed        Kind = "LegConfirmed"
	KindExecutionCompleted  Kind = "ExecutionCompleted"
	KindExecutionFailed     Kind = "ExecutionFailed"
	KindExecutionSuperseded Kind = "ExecutionSuperseded"
	KindBridgeStarted       Kind = "BridgeStarted"
	KindBridgeConfirmed     Kind = "BridgeConfirmed"
	KindBridgeTimeout       Kind = "BridgeTimeout"
	KindBridgeRefunded      Kind = "BridgeRefunded"
	KindStrandedAsset       Kind = "StrandedAsset"
	KindReserveAllocated    Kind = "ReserveAllocated"
	KindReserveInjected     Kind = "ReserveInjected"
	KindHealthDegraded      Kind = "HealthDegraded"
	KindEmergencyStop       Kind = "EmergencyStop"
	KindEmergencyCleared    Kind = "EmergencyCleared"
)

// kinds holds every kind the current schema understands. A trailing event
// with an unknown kind is treated as a partial write and truncated on open.
var kinds = map[Kind]struct{}{
	KindPriceSnapshot:       {},
	KindOpportunityDetected: {},
	KindExecutionReserved:   {},
	KindLegSubmitted:        {},
	KindLegConfirmed:        {},
	KindExecutionCompleted:  {},
	KindExecutionFailed:     {},
	KindExecutionSuperseded: {},
	KindBridgeStarted:       {},
	KindBridgeConfirmed:     {},
	KindBridgeTimeout:       {},
	KindBridgeRefunded:      {},
	KindStrandedAsset:       {},
	KindReserveAllocated:    {},
	KindReserveInjected:     {},
	KindHealthDegraded:      {},
	KindEmergencyStop:       {},
	KindEmergencyCleared:    {},
}

// Valid reports whether the kind belongs to the current schema.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Event is one append-only record. Seq is assigned by the store and strictly
// monotonic; events are never mutated after the append returns.
type Event struct {
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"ts"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ledger: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Leg kinds inside execution events.
const (
	LegSwap         = "swap"
	LegBridge       = "bridge"
	LegAddLiquidity = "add-liquidity"
)

// Reserve credit sources.
const (
	ReserveSourceExecution = "execution"
	ReserveSourceDeposit   = "deposit"
	ReserveSourceReclaim   = "bridge-reclaim"
)

type PriceSnapshotPayload struct {
	Pool         string    `json:"pool"`
	Network      string    `json:"network"`
	SqrtPriceX96 *big.Int  `json:"sqrtPriceX96"`
	Liquidity    *big.Int  `json:"liquidity"`
	BlockNumber  uint64    `json:"blockNumber"`
	ObservedAt   time.Time `json:"observedAt"`
	Suspect      bool      `json:"suspect,omitempty"`
}

type OpportunityDetectedPayload struct {
	ID            string    `json:"id"`
	SourcePool    string    `json:"sourcePool"`
	TargetPool    string    `json:"targetPool"`
	Direction     string    `json:"direction"`
	CrossChain    bool      `json:"crossChain"`
	GrossEdgeBps  int64     `json:"grossEdgeBps"`
	TradeSize     *big.Int  `json:"tradeSize"`
	EstGasCost    *big.Int  `json:"estGasCost"`
	EstBridgeCost *big.Int  `json:"estBridgeCost"`
	NetProfit     *big.Int  `json:"netProfit"`
	Confidence    float64   `json:"confidence"`
	DetectedAt    time.Time `json:"detectedAt"`
}

type ExecutionReservedPayload struct {
	ExecutionID   string    `json:"executionId"`
	OpportunityID string    `json:"opportunityId"`
	SourcePool    string    `json:"sourcePool"`
	TargetPool    string    `json:"targetPool"`
	CrossChain    bool      `json:"crossChain"`
	TradeSize     *big.Int  `json:"tradeSize"`
	ReservedAt    time.Time `json:"reservedAt"`
}

type LegSubmittedPayload struct {
	ExecutionID string      `json:"executionId"`
	LegIndex    int         `json:"legIndex"`
	LegKind     string      `json:"legKind"`
	Network     string      `json:"network"`
	TxHash      common.Hash `json:"txHash"`
	GasPrice    *big.Int    `json:"gasPrice"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

type LegConfirmedPayload struct {
	ExecutionID string      `json:"executionId"`
	LegIndex    int         `json:"legIndex"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
	GasPrice    *big.Int    `json:"gasPrice"`
	ConfirmedAt time.Time   `json:"confirmedAt"`
}

type ExecutionCompletedPayload struct {
	ExecutionID    string    `json:"executionId"`
	RealizedProfit *big.Int  `json:"realizedProfit"`
	GasSpent       *big.Int  `json:"gasSpent"`
	CompletedAt    time.Time `json:"completedAt"`
}

type ExecutionFailedPayload struct {
	ExecutionID string    `json:"executionId"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message,omitempty"`
	GasSpent    *big.Int  `json:"gasSpent,omitempty"`
	FailedAt    time.Time `json:"failedAt"`
}

type ExecutionSupersededPayload struct {
	ExecutionID   string    `json:"executionId,omitempty"`
	OpportunityID string    `json:"opportunityId"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

type BridgeStartedPayload struct {
	ExecutionID   string      `json:"executionId"`
	SourceTxHash  common.Hash `json:"sourceTxHash"`
	SourceNetwork string      `json:"sourceNetwork"`
	TargetNetwork string      `json:"targetNetwork"`
	Token         string      `json:"token"`
	Amount        *big.Int    `json:"amount"`
	Deadline      time.Time   `json:"deadline"`
}

type BridgeConfirmedPayload struct {
	SourceTxHash common.Hash `json:"sourceTxHash"`
	TargetTxHash common.Hash `json:"targetTxHash"`
	Late         bool        `json:"late,omitempty"`
	ConfirmedAt  time.Time   `json:"confirmedAt"`
}

type BridgeTimeoutPayload struct {
	ExecutionID  string      `json:"executionId"`
	SourceTxHash common.Hash `json:"sourceTxHash"`
	TimedOutAt   time.Time   `json:"timedOutAt"`
}

type BridgeRefundedPayload struct {
	ExecutionID  string      `json:"executionId"`
	SourceTxHash common.Hash `json:"sourceTxHash"`
	Amount       *big.Int    `json:"amount"`
	Late         bool        `json:"late,omitempty"`
	RefundedAt   time.Time   `json:"refundedAt"`
}

type StrandedAssetPayload struct {
	ExecutionID  string      `json:"executionId"`
	SourceTxHash common.Hash `json:"sourceTxHash"`
	Network      string      `json:"network"`
	Token        string      `json:"token"`
	Amount       *big.Int    `json:"amount"`
	At           time.Time   `json:"at"`
}

type ReserveAllocatedPayload struct {
	Pool   string    `json:"pool"`
	Amount *big.Int  `json:"amount"`
	Source string    `json:"source"`
	RefID  string    `json:"refId,omitempty"`
	At     time.Time `json:"at"`
}

type ReserveInjectedPayload struct {
	Pool         string      `json:"pool"`
	CQTAmount    *big.Int    `json:"cqtAmount"`
	PairedAmount *big.Int    `json:"pairedAmount"`
	Injected     *big.Int    `json:"injected"`
	Residual     *big.Int    `json:"residual"`
	TxHash       common.Hash `json:"txHash"`
	At           time.Time   `json:"at"`
}

type HealthDegradedPayload struct {
	Network   string    `json:"network"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	At        time.Time `json:"at"`
}

type EmergencyStopPayload struct {
	Reason    string    `json:"reason"`
	Automatic bool      `json:"automatic"`
	At        time.Time `json:"at"`
}

type EmergencyClearedPayload struct {
	At time.Time `json:"at"`
}
