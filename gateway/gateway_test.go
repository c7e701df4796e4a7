package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
)

// fakeClient scripts one endpoint. handler inspects the method and fills the
// result; a nil handler answers every call with errDial.
type fakeClient struct {
	mu      sync.Mutex
	calls   int
	handler func(result interface{}, method string, args ...interface{}) error
}

var errDial = errors.New("connection refused")

func (f *fakeClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.handler == nil {
		return errDial
	}
	return f.handler(result, method, args...)
}

func (f *fakeClient) Close() {}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func headHandler(head uint64) func(result interface{}, method string, args ...interface{}) error {
	return func(result interface{}, method string, args ...interface{}) error {
		switch method {
		case "eth_blockNumber":
			*result.(*hexutil.Uint64) = hexutil.Uint64(head)
			return nil
		case "eth_gasPrice":
			*result.(*hexutil.Big) = hexutil.Big(*big.NewInt(40_000_000_000))
			return nil
		}
		return errors.New("unexpected method " + method)
	}
}

func testGateway(t *testing.T, clients map[string]*fakeClient, urls ...string) (*Gateway, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := arbconfig.NetworkConfig{
		ChainID:            137,
		RPCURL:             urls[0],
		BackupRPCURLs:      urls[1:],
		ConfirmationBlocks: 2,
		NativeUSD:          decimal.RequireFromString("0.55"),
		BlockTime:          time.Millisecond,
	}
	gw := New("polygon", cfg, store)
	gw.dial = func(ctx context.Context, url string) (rpcClient, error) {
		c, ok := clients[url]
		if !ok {
			return nil, errDial
		}
		return c, nil
	}
	return gw, store
}

func TestFailoverRotatesOnce(t *testing.T) {
	dead := &fakeClient{}
	alive := &fakeClient{handler: headHandler(100)}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": dead, "b": alive}, "a", "b")

	head, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)
	require.Equal(t, 1, dead.callCount())
	require.Equal(t, 1, alive.callCount())
	require.True(t, gw.Healthy())
}

func TestAllEndpointsFailingDegradesNetwork(t *testing.T) {
	gw, store := testGateway(t, map[string]*fakeClient{"a": {}, "b": {}}, "a", "b")

	_, err := gw.BlockNumber(context.Background())
	var terr *TransientRPCError
	require.ErrorAs(t, err, &terr)
	require.False(t, gw.Healthy())

	events, err := store.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ledger.KindHealthDegraded, events[0].Kind)

	// Recovery is probe-driven and records the transition once.
	gw.markHealthy()
	gw.markHealthy()
	require.True(t, gw.Healthy())
	events, err = store.Events(0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestMalformedResponseIsPermanent(t *testing.T) {
	bad := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		return &json.SyntaxError{}
	}}
	good := &fakeClient{handler: headHandler(7)}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": bad, "b": good}, "a", "b")

	_, err := gw.BlockNumber(context.Background())
	var perr *PermanentRPCError
	require.ErrorAs(t, err, &perr)
	// The bad endpoint was rotated away; the next call lands on the backup.
	head, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), head)
}

type rpcError struct{ code int }

func (e *rpcError) Error() string  { return "execution reverted" }
func (e *rpcError) ErrorCode() int { return e.code }

func TestServerSideErrorNeverFailsOver(t *testing.T) {
	reverting := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		return &rpcError{code: 3}
	}}
	backup := &fakeClient{handler: headHandler(1)}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": reverting, "b": backup}, "a", "b")

	_, err := gw.BlockNumber(context.Background())
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 3, cerr.Code)
	require.Zero(t, backup.callCount())
	require.True(t, gw.Healthy())
}

func TestSubmitRejectedWhileDegraded(t *testing.T) {
	gw, _ := testGateway(t, map[string]*fakeClient{"a": {}}, "a")
	gw.degraded.Store(true)

	tx := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 21000, GasPrice: big.NewInt(1)})
	_, err := gw.Submit(context.Background(), tx)
	require.ErrorIs(t, err, ErrDegraded)
}

func TestReadPoolState(t *testing.T) {
	var (
		sqrtPrice = new(big.Int).Lsh(big.NewInt(1), 96) // price exactly 1
		liquidity = big.NewInt(5_000_000)
	)
	slotRet, err := poolABI.Methods["slot0"].Outputs.Pack(sqrtPrice, big.NewInt(0), uint16(0), uint16(0), uint16(0), uint8(0), true)
	require.NoError(t, err)
	liqRet, err := poolABI.Methods["liquidity"].Outputs.Pack(liquidity)
	require.NoError(t, err)

	node := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		switch method {
		case "eth_blockNumber":
			*result.(*hexutil.Uint64) = 42
			return nil
		case "eth_call":
			data := args[0].(callArgs).Data
			out := result.(*hexutil.Bytes)
			if string(data) == string(PackSlot0()) {
				*out = slotRet
			} else {
				*out = liqRet
			}
			return nil
		}
		return errors.New("unexpected method " + method)
	}}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": node}, "a")

	state, err := gw.ReadPoolState(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Zero(t, state.SqrtPriceX96.Cmp(sqrtPrice))
	require.Zero(t, state.Liquidity.Cmp(liquidity))
	require.Equal(t, uint64(42), state.BlockNumber)
}

func TestReadPoolStateMissingPool(t *testing.T) {
	node := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		switch method {
		case "eth_blockNumber":
			*result.(*hexutil.Uint64) = 1
		case "eth_call":
			*result.(*hexutil.Bytes) = nil
		}
		return nil
	}}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": node}, "a")

	_, err := gw.ReadPoolState(context.Background(), common.HexToAddress("0x02"))
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestAwaitConfirmationDepth(t *testing.T) {
	var (
		mu   sync.Mutex
		head = uint64(10)
		hash = common.HexToHash("0xbeef")
	)
	node := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		switch method {
		case "eth_blockNumber":
			head++
			*result.(*hexutil.Uint64) = hexutil.Uint64(head)
		case "eth_getTransactionReceipt":
			rcpt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12), TxHash: hash}
			*result.(**types.Receipt) = rcpt
		}
		return nil
	}}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": node}, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rcpt, err := gw.AwaitConfirmation(ctx, hash, 2)
	require.NoError(t, err)
	require.Equal(t, hash, rcpt.TxHash)
}

func TestAwaitConfirmationTimeout(t *testing.T) {
	node := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		// Transaction never appears.
		return nil
	}}
	gw, _ := testGateway(t, map[string]*fakeClient{"a": node}, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := gw.AwaitConfirmation(ctx, common.HexToHash("0x01"), 2)
	require.ErrorIs(t, err, ErrConfirmTimeout)
}

// fakeEthService backs the in-process RPC server standing in for a node.
type fakeEthService struct{}

func (s *fakeEthService) BlockNumber() hexutil.Uint64 { return 1234 }

func (s *fakeEthService) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(30_000_000_000))
}

func TestGatewayAgainstInProcServer(t *testing.T) {
	server := rpc.NewServer()
	defer server.Stop()
	require.NoError(t, server.RegisterName("eth", new(fakeEthService)))

	gw, _ := testGateway(t, nil, "inproc")
	gw.dial = func(ctx context.Context, url string) (rpcClient, error) {
		return rpc.DialInProc(server), nil
	}

	head, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1234), head)

	price, err := gw.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	require.Zero(t, price.Cmp(big.NewInt(30_000_000_000)))
	require.Zero(t, gw.CachedGasPrice().Cmp(price))
}

func TestNextNonceSeedsFromPending(t *testing.T) {
	node := &fakeClient{handler: func(result interface{}, method string, args ...interface{}) error {
		if method == "eth_getTransactionCount" {
			*result.(*hexutil.Uint64) = 7
			return nil
		}
		return headHandler(1)(result, method, args...)
	}}
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := &arbconfig.Config{Networks: map[string]arbconfig.NetworkConfig{
		"polygon": {ChainID: 137, RPCURL: "a", BlockTime: time.Millisecond},
	}}
	set := NewSet(cfg, store)
	gw, _ := set.Gateway("polygon")
	gw.dial = func(ctx context.Context, url string) (rpcClient, error) { return node, nil }

	addr := common.HexToAddress("0x99")
	n0, err := set.NextNonce(context.Background(), "polygon", addr)
	require.NoError(t, err)
	n1, err := set.NextNonce(context.Background(), "polygon", addr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n0)
	require.Equal(t, uint64(8), n1)
}

func TestClassifyTreatsNetErrorsTransient(t *testing.T) {
	require.Equal(t, failureTransient, classify(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.Equal(t, failureTransient, classify(context.DeadlineExceeded))
	require.Equal(t, failureCall, classify(context.Canceled))
}
