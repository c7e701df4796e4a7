// Package gateway is the per-network facade to blockchain RPC. It owns the
// endpoint failover policy, the typed eth_* wrappers and the contract call
// encoding; nothing else in the engine talks JSON-RPC directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
)

const (
	// receiptCacheSize bounds the per-network receipt cache. Receipts are
	// immutable once their transaction is buried at depth.
	receiptCacheSize = 1024

	// minPollInterval floors the confirmation poll cadence for networks
	// with very short configured block times.
	minPollInterval = 500 * time.Millisecond
)

var (
	callTimer       = metrics.NewRegisteredTimer("gateway/call", nil)
	failoverCounter = metrics.NewRegisteredCounter("gateway/failover", nil)
	degradedGauge   = metrics.NewRegisteredGauge("gateway/degraded", nil)
	submitCounter   = metrics.NewRegisteredCounter("gateway/submit", nil)
)

// rpcClient is the slice of *rpc.Client the gateway uses, split out so tests
// can substitute scripted endpoints.
type rpcClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// dialFunc opens a client for one endpoint URL.
type dialFunc func(ctx context.Context, url string) (rpcClient, error)

func defaultDial(ctx context.Context, url string) (rpcClient, error) {
	return rpc.DialContext(ctx, url)
}

// PoolState is the raw AMM state of one pool at a block.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	BlockNumber  uint64
}

// CallMsg describes a contract call or transaction for estimation.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

type callArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// Gateway serves one network. All methods are safe for concurrent use.
type Gateway struct {
	network   string
	cfg       arbconfig.NetworkConfig
	endpoints []string
	led       *ledger.Store
	logger    log.Logger

	dial dialFunc // test hook

	mu      sync.Mutex
	clients map[int]rpcClient // lazily dialed, by endpoint index
	active  int

	degraded atomic.Bool
	gasPrice atomic.Pointer[big.Int] // last suggested, refreshed by probes

	// healthHook observes degraded-flag flips; set by the owning Set.
	healthHook func(network string, degraded bool)

	receipts *lru.ARCCache
}

// New builds the gateway for one network. The ledger receives the
// HealthDegraded events the failover policy produces.
func New(network string, cfg arbconfig.NetworkConfig, led *ledger.Store) *Gateway {
	endpoints := append([]string{cfg.RPCURL}, cfg.BackupRPCURLs...)
	receipts, _ := lru.NewARC(receiptCacheSize)
	return &Gateway{
		network:   network,
		cfg:       cfg,
		endpoints: endpoints,
		led:       led,
		logger:    log.New("network", network),
		dial:      defaultDial,
		clients:   make(map[int]rpcClient),
		receipts:  receipts,
	}
}

// Network returns the network identifier this gateway serves.
func (g *Gateway) Network() string { return g.network }

// ChainID returns the configured chain id.
func (g *Gateway) ChainID() *big.Int { return new(big.Int).SetUint64(g.cfg.ChainID) }

// Healthy reports whether the network is accepting work.
func (g *Gateway) Healthy() bool { return !g.degraded.Load() }

// client returns the connection for the active endpoint, dialing on demand.
func (g *Gateway) client(ctx context.Context) (rpcClient, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.endpoints) == 0 {
		return nil, "", ErrNoEndpoints
	}
	idx := g.active
	if c, ok := g.clients[idx]; ok {
		return c, g.endpoints[idx], nil
	}
	c, err := g.dial(ctx, g.endpoints[idx])
	if err != nil {
		return nil, g.endpoints[idx], err
	}
	g.clients[idx] = c
	return c, g.endpoints[idx], nil
}

// rotate moves to the next endpoint, dropping the connection of the one that
// failed so a later rotation redials it.
func (g *Gateway) rotate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[g.active]; ok {
		c.Close()
		delete(g.clients, g.active)
	}
	g.active = (g.active + 1) % len(g.endpoints)
	failoverCounter.Inc(1)
}

// do runs one logical RPC operation under the uniform failure policy: an
// unrecognized failure rotates to the next endpoint and retries exactly
// once; a second failure is terminal for the call and degrades the network.
func (g *Gateway) do(ctx context.Context, op string, fn func(rpcClient) error) error {
	defer callTimer.UpdateSince(time.Now())

	client, endpoint, err := g.client(ctx)
	if err == nil {
		err = fn(client)
	}
	if err == nil {
		return nil
	}
	switch classify(err) {
	case failureCall:
		return g.callError(op, err)
	case failurePermanent:
		g.logger.Warn("Malformed RPC response, rotating endpoint", "op", op, "endpoint", endpoint, "err", err)
		g.rotate()
		return &PermanentRPCError{Network: g.network, Endpoint: endpoint, Op: op, Err: err}
	}

	g.logger.Debug("Transient RPC failure, failing over", "op", op, "endpoint", endpoint, "err", err)
	g.rotate()

	client, endpoint, err = g.client(ctx)
	if err == nil {
		err = fn(client)
	}
	if err == nil {
		return nil
	}
	if classify(err) == failureCall {
		return g.callError(op, err)
	}
	g.markDegraded(op, err)
	return &TransientRPCError{Network: g.network, Endpoint: endpoint, Op: op, Err: err}
}

func (g *Gateway) callError(op string, err error) error {
	code := 0
	var re rpc.Error
	if errors.As(err, &re) {
		code = re.ErrorCode()
	}
	return &CallError{Network: g.network, Op: op, Code: code, Err: err}
}

// markDegraded flips the network into degraded state once and records it.
// The health probe clears the flag when an endpoint answers again.
func (g *Gateway) markDegraded(op string, err error) {
	if !g.degraded.CompareAndSwap(false, true) {
		return
	}
	degradedGauge.Inc(1)
	g.logger.Warn("Network degraded, suspending submissions", "op", op, "err", err)
	if g.led != nil {
		g.led.MustAppend(ledger.KindHealthDegraded, &ledger.HealthDegradedPayload{
			Network: g.network,
			Reason:  err.Error(),
			At:      time.Now().UTC(),
		})
	}
	if g.healthHook != nil {
		g.healthHook(g.network, true)
	}
}

// markHealthy clears the degraded flag after a successful probe.
func (g *Gateway) markHealthy() {
	if !g.degraded.CompareAndSwap(true, false) {
		return
	}
	degradedGauge.Dec(1)
	g.logger.Info("Network recovered")
	if g.led != nil {
		g.led.MustAppend(ledger.KindHealthDegraded, &ledger.HealthDegradedPayload{
			Network:   g.network,
			Recovered: true,
			At:        time.Now().UTC(),
		})
	}
	if g.healthHook != nil {
		g.healthHook(g.network, false)
	}
}

// BlockNumber returns the current head height.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	err := g.do(ctx, "eth_blockNumber", func(c rpcClient) error {
		return c.CallContext(ctx, &out, "eth_blockNumber")
	})
	return uint64(out), err
}

// SuggestGasPrice returns the node's gas price estimate and refreshes the
// cached value the detector's cost model reads.
func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	err := g.do(ctx, "eth_gasPrice", func(c rpcClient) error {
		return c.CallContext(ctx, &out, "eth_gasPrice")
	})
	if err != nil {
		return nil, err
	}
	price := (*big.Int)(&out)
	g.gasPrice.Store(new(big.Int).Set(price))
	return price, nil
}

// CachedGasPrice returns the last suggested gas price without an RPC round
// trip, or nil when none has been observed yet.
func (g *Gateway) CachedGasPrice() *big.Int {
	if p := g.gasPrice.Load(); p != nil {
		return new(big.Int).Set(p)
	}
	return nil
}

// Call performs a read-only contract call at the latest block.
func (g *Gateway) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	err := g.do(ctx, "eth_call", func(c rpcClient) error {
		return c.CallContext(ctx, &out, "eth_call", callArgs{To: &to, Data: data}, "latest")
	})
	return out, err
}

// EstimateGas returns the expected gas units for msg and the current price
// per unit. The caller rejects the operation when the price exceeds its cap.
func (g *Gateway) EstimateGas(ctx context.Context, msg CallMsg) (uint64, *big.Int, error) {
	args := callArgs{From: msg.From, To: &msg.To, Data: msg.Data}
	if msg.Value != nil {
		args.Value = (*hexutil.Big)(msg.Value)
	}
	var units hexutil.Uint64
	err := g.do(ctx, "eth_estimateGas", func(c rpcClient) error {
		return c.CallContext(ctx, &units, "eth_estimateGas", args)
	})
	if err != nil {
		return 0, nil, err
	}
	price, err := g.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, err
	}
	return uint64(units), price, nil
}

// PendingNonce returns the account's next nonce including mempool content.
func (g *Gateway) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out hexutil.Uint64
	err := g.do(ctx, "eth_getTransactionCount", func(c rpcClient) error {
		return c.CallContext(ctx, &out, "eth_getTransactionCount", addr, "pending")
	})
	return uint64(out), err
}

// Submit broadcasts a signed transaction and returns once the mempool has
// accepted it. Rejected while the network is degraded.
func (g *Gateway) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if !g.Healthy() {
		return common.Hash{}, ErrDegraded
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("gateway: encode transaction: %w", err)
	}
	var hash common.Hash
	err = g.do(ctx, "eth_sendRawTransaction", func(c rpcClient) error {
		return c.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	})
	if err != nil {
		return common.Hash{}, err
	}
	submitCounter.Inc(1)
	g.logger.Debug("Transaction submitted", "hash", hash)
	return hash, nil
}

// Receipt returns the receipt for hash, or nil when the transaction is not
// mined yet. Mined receipts are cached.
func (g *Gateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if cached, ok := g.receipts.Get(hash); ok {
		return cached.(*types.Receipt), nil
	}
	var rcpt *types.Receipt
	err := g.do(ctx, "eth_getTransactionReceipt", func(c rpcClient) error {
		return c.CallContext(ctx, &rcpt, "eth_getTransactionReceipt", hash)
	})
	if err != nil {
		return nil, err
	}
	if rcpt != nil {
		g.receipts.Add(hash, rcpt)
	}
	return rcpt, nil
}

// AwaitConfirmation blocks until the transaction is buried under depth
// blocks or the context expires. The caller decides retry versus abandon on
// ErrConfirmTimeout.
func (g *Gateway) AwaitConfirmation(ctx context.Context, hash common.Hash, depth uint64) (*types.Receipt, error) {
	interval := g.cfg.BlockTime
	if interval < minPollInterval {
		interval = minPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rcpt, err := g.Receipt(ctx, hash)
		if err == nil && rcpt != nil && rcpt.BlockNumber != nil {
			head, herr := g.BlockNumber(ctx)
			if herr == nil && rcpt.BlockNumber.Uint64()+depth <= head {
				return rcpt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s after %v", ErrConfirmTimeout, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ReadPoolState performs the slot0 and liquidity calls against a pool and
// decodes them. An address with no readable state is ErrPoolNotFound.
func (g *Gateway) ReadPoolState(ctx context.Context, pool common.Address) (*PoolState, error) {
	head, err := g.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	slotData, err := g.Call(ctx, pool, PackSlot0())
	if err != nil {
		return nil, err
	}
	if len(slotData) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrPoolNotFound, pool, g.network)
	}
	sqrtPrice, err := UnpackSlot0(slotData)
	if err != nil {
		return nil, &PermanentRPCError{Network: g.network, Op: "slot0", Err: err}
	}
	liqData, err := g.Call(ctx, pool, PackLiquidity())
	if err != nil {
		return nil, err
	}
	liquidity, err := UnpackLiquidity(liqData)
	if err != nil {
		return nil, &PermanentRPCError{Network: g.network, Op: "liquidity", Err: err}
	}
	return &PoolState{SqrtPriceX96: sqrtPrice, Liquidity: liquidity, BlockNumber: head}, nil
}

// ReadBridgeDelivery checks the target-side bridge contract for a delivery
// matching the source transfer.
func (g *Gateway) ReadBridgeDelivery(ctx context.Context, bridge common.Address, sourceTx common.Hash) (*Delivery, error) {
	data, err := g.Call(ctx, bridge, PackDeliveries(sourceTx))
	if err != nil {
		return nil, err
	}
	return UnpackDeliveries(data)
}

// ReadBridgeRefund checks the source-side bridge contract for a refund of
// the transfer.
func (g *Gateway) ReadBridgeRefund(ctx context.Context, bridge common.Address, sourceTx common.Hash) (bool, error) {
	data, err := g.Call(ctx, bridge, PackRefunds(sourceTx))
	if err != nil {
		return false, err
	}
	return UnpackRefunds(data)
}

// Close drops all endpoint connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for idx, c := range g.clients {
		c.Close()
		delete(g.clients, idx)
	}
}
