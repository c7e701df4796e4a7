// Package reserve implements the built-in liquidity provider: a share of
// every realized profit accumulates per pool and is periodically injected
// back as pool liquidity. The ledger is written before any balance changes,
// so a crash never loses an allocation.
package reserve

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

const bpsDenom = 10_000

var (
	allocatedMeter = metrics.NewRegisteredMeter("reserve/allocated", nil)
	injectedMeter  = metrics.NewRegisteredMeter("reserve/injected", nil)
	balanceGauge   = metrics.NewRegisteredGauge("reserve/pools", nil)
)

// Chain is the slice of the gateway set the manager uses to inject.
type Chain interface {
	Healthy(network string) bool
	ReadPoolState(ctx context.Context, network string, pool common.Address) (*gateway.PoolState, error)
	EstimateGas(ctx context.Context, network string, msg gateway.CallMsg) (uint64, *big.Int, error)
	NextNonce(ctx context.Context, network string, addr common.Address) (uint64, error)
	Submit(ctx context.Context, network string, tx *types.Transaction) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, network string, hash common.Hash, depth uint64) (*types.Receipt, error)
	ChainID(network string) *big.Int
}

// entry is one pool's accumulated reserve.
type entry struct {
	balance         *big.Int
	lastInjectionAt time.Time
}

// Manager accumulates profit shares and injects them as liquidity.
type Manager struct {
	cfg    *arbconfig.Config
	chain  Chain
	signer gateway.Signer
	led    *ledger.Store
	logger log.Logger

	mu      sync.Mutex
	entries map[string]*entry

	quit chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time // test hook
}

// New builds a manager. It does nothing until Start.
func New(cfg *arbconfig.Config, chain Chain, signer gateway.Signer, led *ledger.Store) *Manager {
	return &Manager{
		cfg:     cfg,
		chain:   chain,
		signer:  signer,
		led:     led,
		logger:  log.New("component", "reserve"),
		entries: make(map[string]*entry),
		quit:    make(chan struct{}),
		now:     time.Now,
	}
}

// Seed restores balances and injection stamps from replayed ledger state.
func (m *Manager) Seed(st *ledger.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pool, bal := range st.Reserves {
		m.entries[pool] = &entry{balance: new(big.Int).Set(bal)}
	}
	for pool, at := range st.LastInjectionAt {
		e, ok := m.entries[pool]
		if !ok {
			e = &entry{balance: new(big.Int)}
			m.entries[pool] = e
		}
		e.lastInjectionAt = at
	}
	balanceGauge.Update(int64(len(m.entries)))
}

// Start launches the evaluation loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("Reserve manager started", "interval", m.cfg.BLP.EvaluationInterval,
		"allocationBps", m.cfg.BLP.ProfitAllocationBps)
}

// Stop terminates the loop, letting a running injection finish.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()
}

// Allocate credits the configured share of a realized profit, split evenly
// between the pools the execution traded. The executor's profit feed drives
// it.
func (m *Manager) Allocate(profit *big.Int, refID, sourcePool, targetPool string) {
	if profit == nil || profit.Sign() <= 0 {
		return
	}
	share := new(big.Int).Mul(profit, big.NewInt(m.cfg.BLP.ProfitAllocationBps))
	share.Quo(share, big.NewInt(bpsDenom))
	if share.Sign() == 0 {
		return
	}
	if targetPool == "" || targetPool == sourcePool {
		m.add(sourcePool, share, ledger.ReserveSourceExecution, refID)
		return
	}
	half := new(big.Int).Quo(share, big.NewInt(2))
	if half.Sign() > 0 {
		m.add(sourcePool, half, ledger.ReserveSourceExecution, refID)
	}
	if rest := new(big.Int).Sub(share, half); rest.Sign() > 0 {
		m.add(targetPool, rest, ledger.ReserveSourceExecution, refID)
	}
}

// Credit adds a full amount to the reserve, split evenly across the
// priority pools. The bridge coordinator uses it for reclaimed assets.
func (m *Manager) Credit(amount *big.Int, source, refID string) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.credit(amount, source, refID)
}

// Deposit credits one specific pool, the operator surface.
func (m *Manager) Deposit(pool string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.add(pool, amount, ledger.ReserveSourceDeposit, "")
}

func (m *Manager) credit(total *big.Int, source, refID string) {
	pools := m.targetPools()
	if len(pools) == 0 {
		m.logger.Warn("No pools configured for reserve credit", "amount", total)
		return
	}
	each := new(big.Int).Quo(total, big.NewInt(int64(len(pools))))
	if each.Sign() == 0 {
		return
	}
	for _, pool := range pools {
		m.add(pool, each, source, refID)
	}
}

// add appends the allocation event, then mutates the balance.
func (m *Manager) add(pool string, amount *big.Int, source, refID string) {
	m.led.MustAppend(ledger.KindReserveAllocated, &ledger.ReserveAllocatedPayload{
		Pool:   pool,
		Amount: amount,
		Source: source,
		RefID:  refID,
		At:     m.now().UTC(),
	})
	allocatedMeter.Mark(1)

	m.mu.Lock()
	e, ok := m.entries[pool]
	if !ok {
		e = &entry{balance: new(big.Int)}
		m.entries[pool] = e
	}
	e.balance.Add(e.balance, amount)
	balanceGauge.Update(int64(len(m.entries)))
	m.mu.Unlock()

	m.logger.Debug("Reserve credited", "pool", pool, "amount", amount, "source", source)
}

// Balance returns a pool's accumulated reserve.
func (m *Manager) Balance(pool string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[pool]; ok {
		return new(big.Int).Set(e.balance)
	}
	return new(big.Int)
}

// Balances returns every pool's reserve.
func (m *Manager) Balances() map[string]*big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*big.Int, len(m.entries))
	for pool, e := range m.entries {
		out[pool] = new(big.Int).Set(e.balance)
	}
	return out
}

// targetPools lists the enabled pools that receive credits, highest
// priority first, then lexicographic for determinism.
func (m *Manager) targetPools() []string {
	var pools []string
	for _, p := range m.cfg.EnabledPools() {
		pools = append(pools, p.ID)
	}
	prio := m.cfg.BLP.PoolPriorities
	sort.Slice(pools, func(i, j int) bool {
		if prio[pools[i]] != prio[pools[j]] {
			return prio[pools[i]] > prio[pools[j]]
		}
		return pools[i] < pools[j]
	})
	return pools
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.BLP.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evaluate()
		case <-m.quit:
			return
		}
	}
}

// evaluate injects into at most one pool: the highest-priority one whose
// balance, injection interval, pool state and network health all allow it.
func (m *Manager) evaluate() {
	minBalance := arbconfig.BigInt(m.cfg.BLP.MinReserveBalance)
	now := m.now()

	for _, poolID := range m.targetPools() {
		pool, ok := m.cfg.Pool(poolID)
		if !ok || !pool.Enabled {
			continue
		}
		m.mu.Lock()
		e, ok := m.entries[poolID]
		eligible := ok && e.balance.Cmp(minBalance) >= 0 &&
			now.Sub(e.lastInjectionAt) >= m.cfg.BLP.MinInjectionInterval
		m.mu.Unlock()
		if !eligible {
			continue
		}
		if !m.chain.Healthy(pool.Network) {
			m.logger.Debug("Skipping injection on degraded network", "pool", poolID, "network", pool.Network)
			continue
		}
		if err := m.inject(&pool); err != nil {
			m.logger.Warn("Reserve injection failed", "pool", poolID, "err", err)
		}
		return
	}
}

// InjectNow forces an immediate injection attempt for one pool, bypassing
// the balance and interval gates but not the health gate. Operator surface.
func (m *Manager) InjectNow(poolID string) error {
	pool, ok := m.cfg.Pool(poolID)
	if !ok {
		return &arbconfig.ConfigError{Field: "pool", Msg: "unknown pool " + poolID}
	}
	if !m.chain.Healthy(pool.Network) {
		return gateway.ErrDegraded
	}
	return m.inject(&pool)
}

// inject adds the pool's accumulated reserve as liquidity: half the spend
// stays CQT, half covers the paired side at the pool's current price. The
// CQT side is capped at the configured fraction of the pool's own reserve.
func (m *Manager) inject(pool *arbconfig.PoolConfig) error {
	ncfg, ok := m.cfg.Networks[pool.Network]
	if !ok {
		return &arbconfig.ConfigError{Field: "network", Msg: "unknown network " + pool.Network}
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.DefaultInjectionTimeout)
	defer cancel()

	state, err := m.chain.ReadPoolState(ctx, pool.Network, pool.Address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.entries[pool.ID]
	if !ok || e.balance.Sign() == 0 {
		m.mu.Unlock()
		return nil
	}
	balance := new(big.Int).Set(e.balance)
	m.mu.Unlock()

	cqtSide, pairedSide, pairedAmount := m.splitInjection(pool, state, balance)
	if cqtSide.Sign() == 0 {
		return nil
	}

	amount0, amount1 := cqtSide, pairedAmount
	if !pool.CQTIsToken0() {
		amount0, amount1 = pairedAmount, cqtSide
	}
	deadline := big.NewInt(m.now().Add(params.DefaultLegConfirmTimeout).Unix())
	data := gateway.PackAddLiquidity(pool.Address, amount0, amount1, deadline)

	msg := gateway.CallMsg{From: m.signer.Address(), To: ncfg.Router, Data: data}
	gasLimit, gasPrice, err := m.chain.EstimateGas(ctx, pool.Network, msg)
	if err != nil {
		return err
	}
	nonce, err := m.chain.NextNonce(ctx, pool.Network, m.signer.Address())
	if err != nil {
		return err
	}
	tx := types.NewTransaction(nonce, ncfg.Router, new(big.Int), gasLimit*6/5, gasPrice, data)
	signed, err := m.signer.SignTx(m.chain.ChainID(pool.Network), tx)
	if err != nil {
		return err
	}
	hash, err := m.chain.Submit(ctx, pool.Network, signed)
	if err != nil {
		return err
	}
	rcpt, err := m.chain.AwaitConfirmation(ctx, pool.Network, hash, ncfg.ConfirmationBlocks)
	if err != nil {
		return err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return gateway.ErrConfirmTimeout
	}

	at := m.now().UTC()
	m.led.MustAppend(ledger.KindReserveInjected, &ledger.ReserveInjectedPayload{
		Pool:         pool.ID,
		CQTAmount:    cqtSide,
		PairedAmount: pairedAmount,
		Injected:     cqtSide,
		Residual:     pairedSide,
		TxHash:       hash,
		At:           at,
	})
	injectedMeter.Mark(1)

	m.mu.Lock()
	e.balance.Sub(e.balance, cqtSide)
	e.balance.Sub(e.balance, pairedSide)
	if e.balance.Sign() < 0 {
		e.balance.SetInt64(0)
	}
	e.lastInjectionAt = m.now()
	m.mu.Unlock()

	m.logger.Info("Reserve injected as liquidity", "pool", pool.ID,
		"cqt", cqtSide, "paired", pairedAmount, "tx", hash)
	return nil
}

// splitInjection sizes an injection from a reserve balance: the spend is
// split in half, with the CQT side capped at the configured fraction of the
// pool's own CQT reserve. Returns the CQT side, the reserve debit covering
// the paired side, and the paired amount it buys at the pool's price.
func (m *Manager) splitInjection(pool *arbconfig.PoolConfig, state *gateway.PoolState, balance *big.Int) (cqtSide, pairedSide, pairedAmount *big.Int) {
	half := new(big.Int).Quo(balance, big.NewInt(2))

	// Pool CQT reserve from concentrated-liquidity state.
	poolCQT := new(big.Int)
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)
	if pool.CQTIsToken0() {
		poolCQT.Mul(state.Liquidity, q96)
		poolCQT.Quo(poolCQT, state.SqrtPriceX96)
	} else {
		poolCQT.Mul(state.Liquidity, state.SqrtPriceX96)
		poolCQT.Quo(poolCQT, q96)
	}
	cap := new(big.Int).Mul(poolCQT, big.NewInt(m.cfg.BLP.MaxPoolFractionBps))
	cap.Quo(cap, big.NewInt(bpsDenom))

	cqtSide = half
	if cqtSide.Cmp(cap) > 0 {
		cqtSide = cap
	}
	pairedSide = new(big.Int).Set(cqtSide)

	// Paired per CQT from the sqrt price, oriented to the pool layout.
	num := new(big.Int).Mul(state.SqrtPriceX96, state.SqrtPriceX96)
	den := new(big.Int).Lsh(big.NewInt(1), 192)
	if !pool.CQTIsToken0() {
		num, den = den, num
	}
	pairedAmount = new(big.Int).Mul(cqtSide, num)
	pairedAmount.Quo(pairedAmount, den)
	return cqtSide, pairedSide, pairedAmount
}
