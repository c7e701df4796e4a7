package ledger

import (
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	replayNow  = time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	yesterday  = replayNow.Add(-26 * time.Hour)
	bridgeHash = common.HexToHash("0x01")
)

// seedReplayStream appends a representative event history:
// e1 completes with profit, e2 is stuck behind a timed-out bridge, e3
// reverts, e4 is superseded, e5 lost money yesterday, e6 lost money today
// and the log tail is a failure.
func seedReplayStream(t *testing.T, s *Store) {
	t.Helper()
	mustAppend := func(kind Kind, payload interface{}) {
		_, err := s.Append(kind, payload)
		require.NoError(t, err)
	}

	at := replayNow.Add(-time.Hour)
	mustAppend(KindExecutionReserved, ExecutionReservedPayload{
		ExecutionID: "e1", OpportunityID: "o1", SourcePool: "A", TargetPool: "B",
		TradeSize: big.NewInt(10_000), ReservedAt: at,
	})
	mustAppend(KindLegSubmitted, LegSubmittedPayload{
		ExecutionID: "e1", LegIndex: 0, LegKind: LegSwap, Network: "polygon",
		TxHash: common.HexToHash("0xa1"), GasPrice: big.NewInt(30), SubmittedAt: at,
	})
	mustAppend(KindLegConfirmed, LegConfirmedPayload{
		ExecutionID: "e1", LegIndex: 0, TxHash: common.HexToHash("0xa1"), ConfirmedAt: at,
	})
	mustAppend(KindExecutionCompleted, ExecutionCompletedPayload{
		ExecutionID: "e1", RealizedProfit: big.NewInt(1000), CompletedAt: at,
	})
	mustAppend(KindReserveAllocated, ReserveAllocatedPayload{
		Pool: "A", Amount: big.NewInt(100), Source: ReserveSourceExecution, RefID: "e1", At: at,
	})
	mustAppend(KindReserveAllocated, ReserveAllocatedPayload{
		Pool: "B", Amount: big.NewInt(100), Source: ReserveSourceExecution, RefID: "e1", At: at,
	})

	// e2: cross-chain, bridge timed out, never terminal.
	mustAppend(KindExecutionReserved, ExecutionReservedPayload{
		ExecutionID: "e2", OpportunityID: "o2", SourcePool: "A", TargetPool: "C",
		CrossChain: true, TradeSize: big.NewInt(5000), ReservedAt: at.Add(time.Minute),
	})
	mustAppend(KindLegSubmitted, LegSubmittedPayload{
		ExecutionID: "e2", LegIndex: 0, LegKind: LegSwap, Network: "polygon",
		TxHash: common.HexToHash("0xb1"), GasPrice: big.NewInt(30), SubmittedAt: at.Add(time.Minute),
	})
	mustAppend(KindBridgeStarted, BridgeStartedPayload{
		ExecutionID: "e2", SourceTxHash: bridgeHash, SourceNetwork: "polygon",
		TargetNetwork: "base", Token: "CQT", Amount: big.NewInt(5000),
		Deadline: at.Add(11 * time.Minute),
	})
	mustAppend(KindBridgeTimeout, BridgeTimeoutPayload{
		ExecutionID: "e2", SourceTxHash: bridgeHash, TimedOutAt: at.Add(11 * time.Minute),
	})

	// e3: reverted today, burned gas.
	mustAppend(KindExecutionReserved, ExecutionReservedPayload{
		ExecutionID: "e3", OpportunityID: "o3", SourcePool: "B", TargetPool: "A",
		TradeSize: big.NewInt(2000), ReservedAt: at.Add(2 * time.Minute),
	})
	mustAppend(KindExecutionFailed, ExecutionFailedPayload{
		ExecutionID: "e3", Reason: "revert", GasSpent: big.NewInt(50), FailedAt: replayNow.Add(-30 * time.Minute),
	})

	// Injection zeroes pool A.
	mustAppend(KindReserveInjected, ReserveInjectedPayload{
		Pool: "A", CQTAmount: big.NewInt(40), PairedAmount: big.NewInt(40),
		Injected: big.NewInt(80), Residual: big.NewInt(20),
		TxHash: common.HexToHash("0xc1"), At: replayNow.Add(-20 * time.Minute),
	})

	// e4: superseded before submission.
	mustAppend(KindExecutionReserved, ExecutionReservedPayload{
		ExecutionID: "e4", OpportunityID: "o4", SourcePool: "B", TargetPool: "A",
		TradeSize: big.NewInt(2000), ReservedAt: replayNow.Add(-15 * time.Minute),
	})
	mustAppend(KindExecutionSuperseded, ExecutionSupersededPayload{
		ExecutionID: "e4", OpportunityID: "o4", Reason: "stop", At: replayNow.Add(-15 * time.Minute),
	})

	// e5: yesterday's loss is outside today's budget window.
	mustAppend(KindExecutionCompleted, ExecutionCompletedPayload{
		ExecutionID: "e5", RealizedProfit: big.NewInt(-300), CompletedAt: yesterday,
	})
	// e6: today's loss counts.
	mustAppend(KindExecutionCompleted, ExecutionCompletedPayload{
		ExecutionID: "e6", RealizedProfit: big.NewInt(-200), CompletedAt: replayNow.Add(-10 * time.Minute),
	})
	// Tail failure keeps the trailing counter at one.
	mustAppend(KindExecutionFailed, ExecutionFailedPayload{
		ExecutionID: "e7", Reason: "gas-drift", FailedAt: replayNow.Add(-5 * time.Minute),
	})
}

func TestRebuildFoldsState(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	seedReplayStream(t, s)

	st, err := Rebuild(s, replayNow)
	require.NoError(t, err)

	require.Len(t, st.OpenExecutions, 1)
	ex := st.OpenExecutions[0]
	assert.Equal(t, "e2", ex.ExecutionID)
	assert.True(t, ex.CrossChain)
	require.Len(t, ex.Legs, 1)
	assert.Equal(t, LegSwap, ex.Legs[0].Kind)
	assert.False(t, ex.Legs[0].Confirmed)

	require.Len(t, st.OpenTransfers, 1)
	tr := st.OpenTransfers[0]
	assert.Equal(t, bridgeHash, tr.SourceTxHash)
	assert.True(t, tr.TimedOut)

	assert.Equal(t, int64(0), st.Reserves["A"].Int64())
	assert.Equal(t, int64(100), st.Reserves["B"].Int64())
	assert.False(t, st.LastInjectionAt["A"].IsZero())

	// Cooldown windows track the newest reservation per ordered pair.
	assert.Equal(t, replayNow.Add(-15*time.Minute), st.LastExecutionAt[PoolPair{"B", "A"}].UTC())

	// 50 gas on e3 + 200 realized on e6; yesterday's 300 excluded.
	assert.Equal(t, int64(250), st.DailyLoss.Int64())
	assert.Equal(t, 1, st.TrailingFailures)
	assert.False(t, st.Stopped)
}

func TestRebuildIsDeterministic(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	seedReplayStream(t, s)

	a, err := Rebuild(s, replayNow)
	require.NoError(t, err)
	b, err := Rebuild(s, replayNow)
	require.NoError(t, err)

	sortExecs := func(st *State) {
		sort.Slice(st.OpenExecutions, func(i, j int) bool {
			return st.OpenExecutions[i].ExecutionID < st.OpenExecutions[j].ExecutionID
		})
		sort.Slice(st.OpenTransfers, func(i, j int) bool {
			return st.OpenTransfers[i].SourceTxHash.Hex() < st.OpenTransfers[j].SourceTxHash.Hex()
		})
	}
	sortExecs(a)
	sortExecs(b)
	assert.Equal(t, a, b)
}

func TestRebuildReserveNeverNegative(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(KindReserveAllocated, ReserveAllocatedPayload{
		Pool: "A", Amount: big.NewInt(10), Source: ReserveSourceDeposit, At: replayNow,
	})
	require.NoError(t, err)
	// An over-injection must clamp instead of driving the balance negative.
	_, err = s.Append(KindReserveInjected, ReserveInjectedPayload{
		Pool: "A", CQTAmount: big.NewInt(10), PairedAmount: big.NewInt(10),
		Injected: big.NewInt(15), Residual: big.NewInt(0), At: replayNow,
	})
	require.NoError(t, err)

	st, err := Rebuild(s, replayNow)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Reserves["A"].Sign())
}

func TestRebuildEmergencyStopVisible(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(KindEmergencyStop, EmergencyStopPayload{Reason: "max failures", Automatic: true, At: replayNow})
	require.NoError(t, err)

	st, err := Rebuild(s, replayNow)
	require.NoError(t, err)
	assert.True(t, st.Stopped)
}

func TestRebuildEmergencyClearSticks(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(KindEmergencyStop, EmergencyStopPayload{Reason: "max failures", Automatic: true, At: replayNow})
	require.NoError(t, err)
	_, err = s.Append(KindEmergencyCleared, EmergencyClearedPayload{At: replayNow.Add(time.Minute)})
	require.NoError(t, err)

	// An operator-cleared stop stays cleared across restarts.
	st, err := Rebuild(s, replayNow)
	require.NoError(t, err)
	assert.False(t, st.Stopped)

	// A later re-engagement wins again.
	_, err = s.Append(KindEmergencyStop, EmergencyStopPayload{Reason: "operator", At: replayNow.Add(2 * time.Minute)})
	require.NoError(t, err)
	st, err = Rebuild(s, replayNow)
	require.NoError(t, err)
	assert.True(t, st.Stopped)
}

func TestRebuildRefundedTransferClosed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.Append(KindBridgeStarted, BridgeStartedPayload{
		ExecutionID: "e9", SourceTxHash: bridgeHash, SourceNetwork: "polygon",
		TargetNetwork: "base", Token: "CQT", Amount: big.NewInt(5000),
		Deadline: replayNow.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	_, err = s.Append(KindBridgeTimeout, BridgeTimeoutPayload{
		ExecutionID: "e9", SourceTxHash: bridgeHash, TimedOutAt: replayNow.Add(11 * time.Minute),
	})
	require.NoError(t, err)
	_, err = s.Append(KindBridgeRefunded, BridgeRefundedPayload{
		ExecutionID: "e9", SourceTxHash: bridgeHash, Amount: big.NewInt(5000),
		Late: true, RefundedAt: replayNow.Add(time.Hour),
	})
	require.NoError(t, err)

	// The refund is terminal: rebuilding yields nothing to resume or reclaim.
	st, err := Rebuild(s, replayNow)
	require.NoError(t, err)
	assert.Empty(t, st.OpenTransfers)
}
