// Package arbapi exposes the engine's control surface over JSON-RPC under
// the "arb" namespace. The API is a thin view over a Backend; the engine
// implements Backend so the RPC layer never reaches into components
// directly.
package arbapi

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/executor"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
	"github.com/cqt-network/arbd/pricefeed"
)

// Backend is the slice of the engine the control API needs.
type Backend interface {
	NetworkHealth() map[string]bool
	PoolSnapshots() []*pricefeed.Snapshot
	RecentOpportunities() []*detector.Opportunity
	Executions(limit int) []executor.Summary
	InFlight() int
	AutoExecute() bool
	SetAutoExecute(on bool)
	ReserveBalances() map[string]*big.Int
	InjectReserve(pool string) error
	DepositReserve(pool string, amount *big.Int) error
	Stopped() bool
	DailyLoss() *big.Int
	EngageStop(reason string)
	ClearStop()
	LedgerEvents(start uint64, limit int) ([]*ledger.Event, error)
}

// Status is the one-call operator overview.
type Status struct {
	Version     string              `json:"version"`
	Stopped     bool                `json:"stopped"`
	AutoExecute bool                `json:"autoExecute"`
	InFlight    int                 `json:"inFlight"`
	DailyLoss   *big.Int            `json:"dailyLoss"`
	Networks    map[string]bool     `json:"networks"`
	Reserves    map[string]*big.Int `json:"reserves"`
	Pools       []PoolPrice         `json:"pools"`
}

// PoolPrice is a pool's latest observation, priced as a float for display.
// The engine's own math never touches this representation.
type PoolPrice struct {
	Pool        string  `json:"pool"`
	Network     string  `json:"network"`
	Price       float64 `json:"price"`
	BlockNumber uint64  `json:"blockNumber"`
	AgeMs       int64   `json:"ageMs"`
	Suspect     bool    `json:"suspect,omitempty"`
}

// API implements the "arb" namespace.
type API struct {
	b      Backend
	logger log.Logger
	now    func() time.Time
}

func NewAPI(b Backend) *API {
	return &API{b: b, logger: log.New("component", "api"), now: time.Now}
}

// Status reports health, stop state, reserves and latest pool prices.
func (api *API) Status() *Status {
	snaps := api.b.PoolSnapshots()
	pools := make([]PoolPrice, 0, len(snaps))
	now := api.now()
	for _, s := range snaps {
		pools = append(pools, PoolPrice{
			Pool:        s.PoolID,
			Network:     s.Network,
			Price:       s.Price.Float64(),
			BlockNumber: s.BlockNumber,
			AgeMs:       now.Sub(s.ObservedAt).Milliseconds(),
			Suspect:     s.Suspect,
		})
	}
	return &Status{
		Version:     params.VersionWithMeta,
		Stopped:     api.b.Stopped(),
		AutoExecute: api.b.AutoExecute(),
		InFlight:    api.b.InFlight(),
		DailyLoss:   api.b.DailyLoss(),
		Networks:    api.b.NetworkHealth(),
		Reserves:    api.b.ReserveBalances(),
		Pools:       pools,
	}
}

// Opportunities returns the most recent detection batch, best first.
func (api *API) Opportunities() []*detector.Opportunity {
	return api.b.RecentOpportunities()
}

// Executions returns recent executions, newest first. A nil limit returns
// the full retained history.
func (api *API) Executions(limit *int) []executor.Summary {
	n := 0
	if limit != nil {
		n = *limit
	}
	return api.b.Executions(n)
}

// SetAutoExecute toggles automatic execution and returns the new state.
// Detection keeps running either way.
func (api *API) SetAutoExecute(on bool) bool {
	api.b.SetAutoExecute(on)
	api.logger.Info("Auto-execute toggled via API", "enabled", on)
	return on
}

// EmergencyStop halts all trading until ClearStop.
func (api *API) EmergencyStop(reason string) {
	if reason == "" {
		reason = "operator"
	}
	api.b.EngageStop(reason)
}

// ClearStop resumes trading after an emergency stop.
func (api *API) ClearStop() {
	api.b.ClearStop()
}

// InjectReserve forces an immediate liquidity injection for one pool.
func (api *API) InjectReserve(pool string) error {
	if pool == "" {
		return errors.New("pool id required")
	}
	return api.b.InjectReserve(pool)
}

// DepositReserve credits external capital to one pool's reserve.
func (api *API) DepositReserve(pool string, amount *big.Int) error {
	if pool == "" {
		return errors.New("pool id required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	return api.b.DepositReserve(pool, amount)
}

// LedgerEvents pages through the append-only ledger from a sequence number.
func (api *API) LedgerEvents(start uint64, limit int) ([]*ledger.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return api.b.LedgerEvents(start, limit)
}
