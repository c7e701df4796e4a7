package reserve

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/gateway"
	"github.com/cqt-network/arbd/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"))
}

var testRouter = common.HexToAddress("0x100")

type fakeChain struct {
	mu        sync.Mutex
	healthy   map[string]bool
	state     *gateway.PoolState
	stateErr  error
	submitted []*types.Transaction
	revert    bool
}

func (f *fakeChain) Healthy(network string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[network]
}

func (f *fakeChain) ReadPoolState(ctx context.Context, network string, pool common.Address) (*gateway.PoolState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, network string, msg gateway.CallMsg) (uint64, *big.Int, error) {
	return 200_000, big.NewInt(30_000_000_000), nil
}

func (f *fakeChain) NextNonce(ctx context.Context, network string, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.submitted)), nil
}

func (f *fakeChain) Submit(ctx context.Context, network string, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	return tx.Hash(), nil
}

func (f *fakeChain) AwaitConfirmation(ctx context.Context, network string, hash common.Hash, depth uint64) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(100)}, nil
}

func (f *fakeChain) ChainID(network string) *big.Int { return big.NewInt(137) }

func (f *fakeChain) submissions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.submitted...)
}

func cqt(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), arbconfig.UnitWei)
}

func reserveFixture(t *testing.T) (*Manager, *fakeChain, *ledger.Store) {
	t.Helper()
	cfg := arbconfig.Defaults
	cfg.Networks = map[string]arbconfig.NetworkConfig{
		"polygon": {ChainID: 137, ConfirmationBlocks: 2, BlockTime: 2 * time.Second, Router: testRouter},
	}
	cfg.Pools = []arbconfig.PoolConfig{
		{ID: "pA", Network: "polygon", Address: common.HexToAddress("0x21"), Token0: arbconfig.CQTSymbol, Token1: "WMATIC", Enabled: true},
		{ID: "pB", Network: "polygon", Address: common.HexToAddress("0x22"), Token0: arbconfig.CQTSymbol, Token1: "WMATIC", Enabled: true},
	}
	cfg.BLP.PoolPriorities = map[string]int{"pA": 2, "pB": 1}

	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	liquidity, _ := new(big.Int).SetString("2000000000000000000000000", 10) // 2e24
	chain := &fakeChain{
		healthy: map[string]bool{"polygon": true},
		state: &gateway.PoolState{
			SqrtPriceX96: new(big.Int).Lsh(big.NewInt(2), 96), // price 4
			Liquidity:    liquidity,
			BlockNumber:  100,
		},
	}
	return New(&cfg, chain, gateway.NewKeySigner(key), store), chain, store
}

func TestAllocateSplitsProfitShare(t *testing.T) {
	m, _, store := reserveFixture(t)
	m.cfg.Pools = append(m.cfg.Pools, arbconfig.PoolConfig{
		ID: "pC", Network: "polygon", Address: common.HexToAddress("0x23"),
		Token0: arbconfig.CQTSymbol, Token1: "WMATIC", Enabled: true,
	})

	// 20% of 100 CQT, split evenly between the executed pair. pC is enabled
	// but took no part in the execution and gets nothing.
	m.Allocate(cqt(100), "exec-1", "pA", "pB")
	require.Zero(t, m.Balance("pA").Cmp(cqt(10)))
	require.Zero(t, m.Balance("pB").Cmp(cqt(10)))
	require.Zero(t, m.Balance("pC").Sign())

	events, err := store.Events(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	pools := make([]string, 0, 2)
	for _, e := range events {
		require.Equal(t, ledger.KindReserveAllocated, e.Kind)
		var p ledger.ReserveAllocatedPayload
		require.NoError(t, e.Decode(&p))
		require.Equal(t, ledger.ReserveSourceExecution, p.Source)
		require.Equal(t, "exec-1", p.RefID)
		require.Zero(t, p.Amount.Cmp(cqt(10)))
		pools = append(pools, p.Pool)
	}
	require.ElementsMatch(t, []string{"pA", "pB"}, pools)

	// Losses and zero profits allocate nothing.
	m.Allocate(new(big.Int).Neg(cqt(5)), "exec-2", "pA", "pB")
	m.Allocate(new(big.Int), "exec-3", "pA", "pB")
	require.Zero(t, m.Balance("pA").Cmp(cqt(10)))
}

func TestAllocateSamePoolTakesWholeShare(t *testing.T) {
	m, _, _ := reserveFixture(t)

	m.Allocate(cqt(100), "exec-1", "pA", "pA")
	require.Zero(t, m.Balance("pA").Cmp(cqt(20)))
	require.Zero(t, m.Balance("pB").Sign())
}

func TestCreditFullAmount(t *testing.T) {
	m, _, store := reserveFixture(t)

	m.Credit(cqt(50), ledger.ReserveSourceReclaim, "exec-9")
	require.Zero(t, m.Balance("pA").Cmp(cqt(25)))
	require.Zero(t, m.Balance("pB").Cmp(cqt(25)))

	events, err := store.Events(0, 10)
	require.NoError(t, err)
	var p ledger.ReserveAllocatedPayload
	require.NoError(t, events[0].Decode(&p))
	require.Equal(t, ledger.ReserveSourceReclaim, p.Source)
}

func TestDepositCreditsSinglePool(t *testing.T) {
	m, _, _ := reserveFixture(t)

	m.Deposit("pB", cqt(30))
	require.Zero(t, m.Balance("pA").Sign())
	require.Zero(t, m.Balance("pB").Cmp(cqt(30)))
}

func TestEvaluateInjectsHighestPriorityPool(t *testing.T) {
	m, chain, store := reserveFixture(t)

	// Both pools above the 1000 CQT minimum; pA has higher priority.
	m.Deposit("pA", cqt(2000))
	m.Deposit("pB", cqt(2000))
	m.evaluate()

	subs := chain.submissions()
	require.Len(t, subs, 1, "one injection per cycle")
	require.Equal(t, testRouter, *subs[0].To())

	// Half the balance in CQT, half debited for the paired side at price 4.
	require.Zero(t, m.Balance("pA").Sign())
	require.Zero(t, m.Balance("pB").Cmp(cqt(2000)))

	events, err := store.Events(0, 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, ledger.KindReserveInjected, last.Kind)
	var p ledger.ReserveInjectedPayload
	require.NoError(t, last.Decode(&p))
	require.Equal(t, "pA", p.Pool)
	require.Zero(t, p.Injected.Cmp(cqt(1000)))
	require.Zero(t, p.Residual.Cmp(cqt(1000)))
	require.Zero(t, p.PairedAmount.Cmp(cqt(4000)))
}

func TestInjectionCappedByPoolFraction(t *testing.T) {
	m, chain, _ := reserveFixture(t)
	// Pool CQT reserve 100 whole tokens, 1% cap is 1 CQT.
	chain.state.Liquidity = new(big.Int).Mul(big.NewInt(200), arbconfig.UnitWei)

	m.Deposit("pA", cqt(2000))
	m.evaluate()

	require.Len(t, chain.submissions(), 1)
	// 1 CQT injected, 1 debited for the paired side; the rest stays.
	require.Zero(t, m.Balance("pA").Cmp(cqt(1998)))
}

func TestEvaluateGates(t *testing.T) {
	m, chain, _ := reserveFixture(t)

	// Below the minimum balance: nothing happens.
	m.Deposit("pA", cqt(500))
	m.evaluate()
	require.Empty(t, chain.submissions())

	// Above the minimum but inside the injection interval: still nothing.
	m.Deposit("pA", cqt(1500))
	m.mu.Lock()
	m.entries["pA"].lastInjectionAt = time.Now()
	m.mu.Unlock()
	m.evaluate()
	require.Empty(t, chain.submissions())

	// Interval elapsed but network degraded: still nothing.
	m.mu.Lock()
	m.entries["pA"].lastInjectionAt = time.Now().Add(-2 * m.cfg.BLP.MinInjectionInterval)
	m.mu.Unlock()
	chain.mu.Lock()
	chain.healthy["polygon"] = false
	chain.mu.Unlock()
	m.evaluate()
	require.Empty(t, chain.submissions())

	// All gates pass.
	chain.mu.Lock()
	chain.healthy["polygon"] = true
	chain.mu.Unlock()
	m.evaluate()
	require.Len(t, chain.submissions(), 1)
}

func TestFailedInjectionKeepsBalance(t *testing.T) {
	m, chain, store := reserveFixture(t)
	chain.revert = true

	m.Deposit("pA", cqt(2000))
	m.evaluate()

	// The reverted transaction leaves the reserve untouched and writes no
	// injection event.
	require.Zero(t, m.Balance("pA").Cmp(cqt(2000)))
	events, err := store.Events(0, 10)
	require.NoError(t, err)
	for _, e := range events {
		require.NotEqual(t, ledger.KindReserveInjected, e.Kind)
	}
}

func TestSeedRestoresBalances(t *testing.T) {
	m, _, _ := reserveFixture(t)
	at := time.Now().Add(-30 * time.Minute)

	m.Seed(&ledger.State{
		Reserves:        map[string]*big.Int{"pA": cqt(700)},
		LastInjectionAt: map[string]time.Time{"pA": at},
	})
	require.Zero(t, m.Balance("pA").Cmp(cqt(700)))

	m.mu.Lock()
	require.Equal(t, at, m.entries["pA"].lastInjectionAt)
	m.mu.Unlock()
}

func TestStartStopLoop(t *testing.T) {
	m, chain, _ := reserveFixture(t)
	m.cfg.BLP.EvaluationInterval = 10 * time.Millisecond

	m.Deposit("pA", cqt(2000))
	m.Start()
	require.Eventually(t, func() bool { return len(chain.submissions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
}
