package arbapi

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cqt-network/arbd/detector"
	"github.com/cqt-network/arbd/executor"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/pricefeed"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	stopped     bool
	stopReason  string
	auto        bool
	inFlight    int
	dailyLoss   *big.Int
	health      map[string]bool
	snaps       []*pricefeed.Snapshot
	opps        []*detector.Opportunity
	execs       []executor.Summary
	reserves    map[string]*big.Int
	injected    []string
	deposited   map[string]*big.Int
	injectErr   error
	events      []*ledger.Event
	eventsStart uint64
	eventsLimit int
}

func (b *fakeBackend) NetworkHealth() map[string]bool                { return b.health }
func (b *fakeBackend) PoolSnapshots() []*pricefeed.Snapshot          { return b.snaps }
func (b *fakeBackend) RecentOpportunities() []*detector.Opportunity  { return b.opps }
func (b *fakeBackend) Executions(limit int) []executor.Summary       { return b.execs }
func (b *fakeBackend) InFlight() int                                 { return b.inFlight }
func (b *fakeBackend) AutoExecute() bool                             { return b.auto }
func (b *fakeBackend) SetAutoExecute(on bool)                        { b.auto = on }
func (b *fakeBackend) ReserveBalances() map[string]*big.Int          { return b.reserves }
func (b *fakeBackend) Stopped() bool                                 { return b.stopped }
func (b *fakeBackend) DailyLoss() *big.Int                           { return b.dailyLoss }
func (b *fakeBackend) ClearStop()                                    { b.stopped = false }

func (b *fakeBackend) EngageStop(reason string) {
	b.stopped = true
	b.stopReason = reason
}

func (b *fakeBackend) InjectReserve(pool string) error {
	if b.injectErr != nil {
		return b.injectErr
	}
	b.injected = append(b.injected, pool)
	return nil
}

func (b *fakeBackend) DepositReserve(pool string, amount *big.Int) error {
	if b.deposited == nil {
		b.deposited = make(map[string]*big.Int)
	}
	b.deposited[pool] = amount
	return nil
}

func (b *fakeBackend) LedgerEvents(start uint64, limit int) ([]*ledger.Event, error) {
	b.eventsStart, b.eventsLimit = start, limit
	return b.events, nil
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		auto:      true,
		inFlight:  1,
		dailyLoss: big.NewInt(42),
		health:    map[string]bool{"polygon": true, "base": false},
		reserves:  map[string]*big.Int{"pA": big.NewInt(7)},
		snaps: []*pricefeed.Snapshot{{
			PoolID:      "pA",
			Network:     "polygon",
			Price:       pricefeed.PriceFromFrac(big.NewInt(4), big.NewInt(1)),
			BlockNumber: 99,
			ObservedAt:  time.Now().Add(-2 * time.Second),
		}},
		execs: []executor.Summary{{ID: "ex-1", Status: "completed"}},
	}
}

func TestStatusView(t *testing.T) {
	b := newBackend()
	api := NewAPI(b)

	st := api.Status()
	require.False(t, st.Stopped)
	require.True(t, st.AutoExecute)
	require.Equal(t, 1, st.InFlight)
	require.Equal(t, map[string]bool{"polygon": true, "base": false}, st.Networks)
	require.Len(t, st.Pools, 1)
	require.Equal(t, "pA", st.Pools[0].Pool)
	require.InDelta(t, 4.0, st.Pools[0].Price, 1e-9)
	require.GreaterOrEqual(t, st.Pools[0].AgeMs, int64(2000))
}

func TestStopAndResume(t *testing.T) {
	b := newBackend()
	api := NewAPI(b)

	api.EmergencyStop("manual halt")
	require.True(t, b.stopped)
	require.Equal(t, "manual halt", b.stopReason)

	api.ClearStop()
	require.False(t, b.stopped)

	// An empty reason still stops, attributed to the operator.
	api.EmergencyStop("")
	require.Equal(t, "operator", b.stopReason)
}

func TestReserveValidation(t *testing.T) {
	b := newBackend()
	api := NewAPI(b)

	require.Error(t, api.InjectReserve(""))
	require.NoError(t, api.InjectReserve("pA"))
	require.Equal(t, []string{"pA"}, b.injected)

	require.Error(t, api.DepositReserve("pA", nil))
	require.Error(t, api.DepositReserve("pA", big.NewInt(-1)))
	require.NoError(t, api.DepositReserve("pA", big.NewInt(5)))
	require.Zero(t, b.deposited["pA"].Cmp(big.NewInt(5)))

	b.injectErr = errors.New("degraded")
	require.Error(t, api.InjectReserve("pA"))
}

func TestLedgerEventsClampsLimit(t *testing.T) {
	b := newBackend()
	api := NewAPI(b)

	_, err := api.LedgerEvents(5, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), b.eventsStart)
	require.Equal(t, 1000, b.eventsLimit)

	_, err = api.LedgerEvents(0, 10)
	require.NoError(t, err)
	require.Equal(t, 10, b.eventsLimit)
}

// The namespace served over an in-process RPC server, the same wiring the
// daemon uses.
func TestServedOverRPC(t *testing.T) {
	b := newBackend()
	server := rpc.NewServer()
	defer server.Stop()
	require.NoError(t, server.RegisterName("arb", NewAPI(b)))

	client := rpc.DialInProc(server)
	defer client.Close()

	var st Status
	require.NoError(t, client.CallContext(context.Background(), &st, "arb_status"))
	require.True(t, st.AutoExecute)
	require.Len(t, st.Pools, 1)

	var on bool
	require.NoError(t, client.CallContext(context.Background(), &on, "arb_setAutoExecute", false))
	require.False(t, on)
	require.False(t, b.auto)

	var execs []executor.Summary
	require.NoError(t, client.CallContext(context.Background(), &execs, "arb_executions", 5))
	require.Len(t, execs, 1)
	require.Equal(t, "ex-1", execs[0].ID)

	require.NoError(t, client.CallContext(context.Background(), nil, "arb_emergencyStop", "drill"))
	require.True(t, b.stopped)
}
