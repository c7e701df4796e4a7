package arb

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"))
}

type fakeReceipts struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeReceipts) Receipt(ctx context.Context, network string, hash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, nil
}

func unit(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), arbconfig.UnitWei)
}

// reconcileFixture builds an engine with just enough wiring to run restart
// reconciliation: a ledger and a scripted receipt reader.
func reconcileFixture(t *testing.T) (*Engine, *fakeReceipts, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := arbconfig.Defaults
	receipts := &fakeReceipts{receipts: make(map[common.Hash]*types.Receipt)}
	e := &Engine{
		cfg:      &cfg,
		logger:   log.New("component", "engine"),
		led:      store,
		receipts: receipts,
	}
	return e, receipts, store
}

func reserveExecution(t *testing.T, store *ledger.Store, id string) {
	t.Helper()
	store.MustAppend(ledger.KindExecutionReserved, &ledger.ExecutionReservedPayload{
		ExecutionID:   id,
		OpportunityID: "opp-" + id,
		SourcePool:    "pA",
		TargetPool:    "pB",
		TradeSize:     unit(1000),
		ReservedAt:    time.Now().UTC(),
	})
}

func submitLeg(t *testing.T, store *ledger.Store, execID string, index int, hash common.Hash) {
	t.Helper()
	store.MustAppend(ledger.KindLegSubmitted, &ledger.LegSubmittedPayload{
		ExecutionID: execID,
		LegIndex:    index,
		LegKind:     ledger.LegSwap,
		Network:     "polygon",
		TxHash:      hash,
		GasPrice:    big.NewInt(30_000_000_000),
		SubmittedAt: time.Now().UTC(),
	})
}

func rebuilt(t *testing.T, store *ledger.Store) *ledger.State {
	t.Helper()
	st, err := ledger.Rebuild(store, time.Now())
	require.NoError(t, err)
	return st
}

func lastEvent(t *testing.T, store *ledger.Store) *ledger.Event {
	t.Helper()
	events, err := store.Events(0, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestReconcileOrphansUnsubmittedExecution(t *testing.T) {
	e, _, store := reconcileFixture(t)
	reserveExecution(t, store, "ex-1")
	e.state = rebuilt(t, store)

	require.NoError(t, e.reconcile(context.Background(), nil))

	evt := lastEvent(t, store)
	require.Equal(t, ledger.KindExecutionFailed, evt.Kind)
	var p ledger.ExecutionFailedPayload
	require.NoError(t, evt.Decode(&p))
	require.Equal(t, "ex-1", p.ExecutionID)
	require.Equal(t, "orphaned-at-restart", p.Reason)

	// The replayed state after reconciliation has nothing open.
	require.Empty(t, rebuilt(t, store).OpenExecutions)
}

func TestReconcileCompletesFullyLandedExecution(t *testing.T) {
	e, receipts, store := reconcileFixture(t)
	h0, h1 := common.HexToHash("0xa0"), common.HexToHash("0xa1")
	reserveExecution(t, store, "ex-2")
	submitLeg(t, store, "ex-2", 0, h0)
	submitLeg(t, store, "ex-2", 1, h1)
	receipts.receipts[h0] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	receipts.receipts[h1] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	e.state = rebuilt(t, store)

	require.NoError(t, e.reconcile(context.Background(), nil))

	evt := lastEvent(t, store)
	require.Equal(t, ledger.KindExecutionCompleted, evt.Kind)
	var p ledger.ExecutionCompletedPayload
	require.NoError(t, evt.Decode(&p))
	require.Equal(t, "ex-2", p.ExecutionID)
	require.Zero(t, p.RealizedProfit.Sign(), "unsettled profit closes as zero")
}

func TestReconcileFailsRevertedLeg(t *testing.T) {
	e, receipts, store := reconcileFixture(t)
	h0 := common.HexToHash("0xb0")
	reserveExecution(t, store, "ex-3")
	submitLeg(t, store, "ex-3", 0, h0)
	receipts.receipts[h0] = &types.Receipt{Status: types.ReceiptStatusFailed}
	e.state = rebuilt(t, store)

	require.NoError(t, e.reconcile(context.Background(), nil))

	evt := lastEvent(t, store)
	require.Equal(t, ledger.KindExecutionFailed, evt.Kind)
	var p ledger.ExecutionFailedPayload
	require.NoError(t, evt.Decode(&p))
	require.Equal(t, "leg-reverted", p.Reason)
}

func TestReconcileLeavesBridgePendingExecutionOpen(t *testing.T) {
	e, _, store := reconcileFixture(t)
	h0 := common.HexToHash("0xc0")
	reserveExecution(t, store, "ex-4")
	submitLeg(t, store, "ex-4", 0, h0)
	store.MustAppend(ledger.KindBridgeStarted, &ledger.BridgeStartedPayload{
		ExecutionID:   "ex-4",
		SourceTxHash:  h0,
		SourceNetwork: "polygon",
		TargetNetwork: "base",
		Token:         arbconfig.CQTSymbol,
		Amount:        unit(1000),
		Deadline:      time.Now().Add(time.Hour),
	})
	e.state = rebuilt(t, store)
	require.Len(t, e.state.OpenTransfers, 1)

	require.NoError(t, e.reconcile(context.Background(), nil))

	// No terminal event: the transfer is still live and nothing resumed it,
	// so the execution stays open rather than being guessed at.
	st := rebuilt(t, store)
	require.Len(t, st.OpenExecutions, 1)
	require.Equal(t, "ex-4", st.OpenExecutions[0].ExecutionID)
}

func TestReconcileFailsTimedOutBridgeExecution(t *testing.T) {
	e, _, store := reconcileFixture(t)
	h0 := common.HexToHash("0xc1")
	reserveExecution(t, store, "ex-6")
	submitLeg(t, store, "ex-6", 0, h0)
	store.MustAppend(ledger.KindBridgeStarted, &ledger.BridgeStartedPayload{
		ExecutionID:   "ex-6",
		SourceTxHash:  h0,
		SourceNetwork: "polygon",
		TargetNetwork: "base",
		Token:         arbconfig.CQTSymbol,
		Amount:        unit(1000),
		Deadline:      time.Now().Add(-time.Hour),
	})
	store.MustAppend(ledger.KindBridgeTimeout, &ledger.BridgeTimeoutPayload{
		ExecutionID:  "ex-6",
		SourceTxHash: h0,
		TimedOutAt:   time.Now().UTC(),
	})
	e.state = rebuilt(t, store)

	require.NoError(t, e.reconcile(context.Background(), nil))

	// The reclaim queue owns the asset; the execution fails like the live
	// timeout path and frees its pair slot.
	evt := lastEvent(t, store)
	require.Equal(t, ledger.KindExecutionFailed, evt.Kind)
	var p ledger.ExecutionFailedPayload
	require.NoError(t, evt.Decode(&p))
	require.Equal(t, "ex-6", p.ExecutionID)
	require.Equal(t, "bridge-timeout", p.Reason)
	require.Empty(t, rebuilt(t, store).OpenExecutions)
}

func TestReconcileUnverifiableLegOrphans(t *testing.T) {
	e, _, store := reconcileFixture(t)
	reserveExecution(t, store, "ex-5")
	submitLeg(t, store, "ex-5", 0, common.HexToHash("0xd0"))
	e.state = rebuilt(t, store)

	require.NoError(t, e.reconcile(context.Background(), nil))

	evt := lastEvent(t, store)
	require.Equal(t, ledger.KindExecutionFailed, evt.Kind)
	var p ledger.ExecutionFailedPayload
	require.NoError(t, evt.Decode(&p))
	require.Equal(t, "orphaned-at-restart", p.Reason)
}
