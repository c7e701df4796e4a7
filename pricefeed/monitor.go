package pricefeed

import (
	"context"
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

var pollTimer = metrics.NewRegisteredTimer("pricefeed/poll", nil)

// ChainReader is the slice of the gateway set the monitor needs.
type ChainReader interface {
	ReadPoolState(ctx context.Context, network string, pool common.Address) (*gateway.PoolState, error)
}

// Monitor runs one polling goroutine per enabled pool. Each tick reads the
// pool state, decodes the price, records a PriceSnapshot event and stores
// the snapshot in the oracle.
type Monitor struct {
	pools  []arbconfig.PoolConfig
	chain  ChainReader
	oracle *Oracle
	led    *ledger.Store
	logger log.Logger

	quit chan struct{}
	wg   sync.WaitGroup

	now func() time.Time // test hook
}

// NewMonitor prepares pollers for every enabled pool.
func NewMonitor(cfg *arbconfig.Config, chain ChainReader, oracle *Oracle, led *ledger.Store) *Monitor {
	return &Monitor{
		pools:  cfg.EnabledPools(),
		chain:  chain,
		oracle: oracle,
		led:    led,
		logger: log.New("component", "monitor"),
		quit:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the pool pollers. Each polls immediately, then on its
// configured interval.
func (m *Monitor) Start() {
	for _, pool := range m.pools {
		m.wg.Add(1)
		go m.loop(pool)
	}
	m.logger.Info("Pool monitoring started", "pools", len(m.pools))
}

// Stop terminates the pollers and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
	m.logger.Info("Pool monitoring stopped")
}

func (m *Monitor) loop(pool arbconfig.PoolConfig) {
	defer m.wg.Done()
	logger := m.logger.New("pool", pool.ID)

	m.poll(pool, logger)
	ticker := time.NewTicker(pool.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.poll(pool, logger)
		case <-m.quit:
			return
		}
	}
}

// poll reads one pool and publishes the snapshot. Failures are logged and
// skipped; the snapshot simply goes stale until a poll succeeds again.
func (m *Monitor) poll(pool arbconfig.PoolConfig, logger log.Logger) {
	defer pollTimer.UpdateSince(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultRPCTimeout)
	defer cancel()

	state, err := m.chain.ReadPoolState(ctx, pool.Network, pool.Address)
	if err != nil {
		logger.Warn("Pool poll failed", "err", err)
		return
	}

	raw := DecodeSqrtPriceX96(state.SqrtPriceX96)
	price := raw
	if !pool.CQTIsToken0() {
		price = raw.Inv()
	}

	snap := &Snapshot{
		PoolID:       pool.ID,
		Network:      pool.Network,
		SqrtPriceX96: state.SqrtPriceX96,
		Price:        price,
		Liquidity:    state.Liquidity,
		BlockNumber:  state.BlockNumber,
		ObservedAt:   m.now().UTC(),
		Suspect:      outOfRange(price, pool.ExpectedPriceRange),
	}
	if snap.Suspect {
		logger.Warn("Pool price outside expected range", "price", price.Float64(),
			"min", pool.ExpectedPriceRange.Min, "max", pool.ExpectedPriceRange.Max)
	}

	m.led.MustAppend(ledger.KindPriceSnapshot, &ledger.PriceSnapshotPayload{
		Pool:         pool.ID,
		Network:      pool.Network,
		SqrtPriceX96: state.SqrtPriceX96,
		Liquidity:    state.Liquidity,
		BlockNumber:  state.BlockNumber,
		ObservedAt:   snap.ObservedAt,
		Suspect:      snap.Suspect,
	})
	m.oracle.Store(snap)
	logger.Trace("Pool polled", "price", price.Float64(), "block", state.BlockNumber)
}

// outOfRange checks the paired-per-CQT quote against the configured bounds.
// An unset range accepts everything.
func outOfRange(p Price, bounds arbconfig.PriceRange) bool {
	rat := p.Rat()
	if bounds.Min.Sign() > 0 && rat.Cmp(bounds.Min.Rat()) < 0 {
		return true
	}
	if bounds.Max.Sign() > 0 && rat.Cmp(bounds.Max.Rat()) > 0 {
		return true
	}
	return false
}
