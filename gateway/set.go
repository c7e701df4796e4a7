package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/cqt-network/arbd/arb/arbconfig"
	"github.com/cqt-network/arbd/ledger"
	"github.com/cqt-network/arbd/params"
)

// DefaultProbeInterval is the cadence of the per-network health probes.
const DefaultProbeInterval = 15 * time.Second

// Set owns one Gateway per configured network plus the health probe workers.
// Every other component reaches chains through it, addressed by network id.
type Set struct {
	cfg    *arbconfig.Config
	logger log.Logger

	gws      map[string]*Gateway
	degraded mapset.Set[string]

	mu     sync.Mutex
	nonces map[string]uint64 // network -> next local nonce for the signer account

	probeInterval time.Duration
	quit          chan struct{}
	wg            sync.WaitGroup
}

// NewSet builds gateways for every configured network.
func NewSet(cfg *arbconfig.Config, led *ledger.Store) *Set {
	s := &Set{
		cfg:           cfg,
		logger:        log.New("component", "gateways"),
		gws:           make(map[string]*Gateway, len(cfg.Networks)),
		degraded:      mapset.NewSet[string](),
		nonces:        make(map[string]uint64),
		probeInterval: DefaultProbeInterval,
		quit:          make(chan struct{}),
	}
	for id, ncfg := range cfg.Networks {
		gw := New(id, ncfg, led)
		gw.healthHook = s.onHealthChange
		s.gws[id] = gw
	}
	return s
}

func (s *Set) onHealthChange(network string, degraded bool) {
	if degraded {
		s.degraded.Add(network)
	} else {
		s.degraded.Remove(network)
	}
}

// Gateway returns the gateway serving a network.
func (s *Set) Gateway(network string) (*Gateway, bool) {
	gw, ok := s.gws[network]
	return gw, ok
}

// Networks lists the configured network ids, sorted.
func (s *Set) Networks() []string {
	out := make([]string, 0, len(s.gws))
	for id := range s.gws {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Healthy reports whether a network is accepting work.
func (s *Set) Healthy(network string) bool {
	gw, ok := s.gws[network]
	return ok && gw.Healthy()
}

// DegradedNetworks returns the currently degraded network ids, sorted.
func (s *Set) DegradedNetworks() []string {
	out := s.degraded.ToSlice()
	sort.Strings(out)
	return out
}

// ProbeAll checks every network concurrently and returns how many answered.
// Used at startup: zero healthy networks aborts the engine.
func (s *Set) ProbeAll(ctx context.Context) int {
	var (
		g, gctx = errgroup.WithContext(ctx)
		mu      sync.Mutex
		healthy int
	)
	for _, gw := range s.gws {
		gw := gw
		g.Go(func() error {
			if err := s.probe(gctx, gw); err != nil {
				s.logger.Warn("Startup probe failed", "network", gw.Network(), "err", err)
				return nil
			}
			mu.Lock()
			healthy++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return healthy
}

// probe runs one health check: head height plus a gas price refresh for the
// detector's cached cost inputs.
func (s *Set) probe(ctx context.Context, gw *Gateway) error {
	cctx, cancel := context.WithTimeout(ctx, params.DefaultRPCTimeout)
	defer cancel()
	if _, err := gw.BlockNumber(cctx); err != nil {
		return err
	}
	if _, err := gw.SuggestGasPrice(cctx); err != nil {
		return err
	}
	gw.markHealthy()
	return nil
}

// StartProbes launches one health probe worker per network.
func (s *Set) StartProbes() {
	for _, gw := range s.gws {
		s.wg.Add(1)
		go s.probeLoop(gw)
	}
}

func (s *Set) probeLoop(gw *Gateway) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.probe(context.Background(), gw); err != nil {
				gw.logger.Debug("Health probe failed", "err", err)
			}
		case <-s.quit:
			return
		}
	}
}

// Stop terminates the probe workers and drops all connections.
func (s *Set) Stop() {
	close(s.quit)
	s.wg.Wait()
	for _, gw := range s.gws {
		gw.Close()
	}
}

// NextNonce hands out the next nonce for the signer account on a network,
// seeding from the chain's pending count on first use.
func (s *Set) NextNonce(ctx context.Context, network string, addr common.Address) (uint64, error) {
	gw, ok := s.gws[network]
	if !ok {
		return 0, fmt.Errorf("gateway: unknown network %q", network)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce, ok := s.nonces[network]; ok {
		s.nonces[network] = nonce + 1
		return nonce, nil
	}
	nonce, err := gw.PendingNonce(ctx, addr)
	if err != nil {
		return 0, err
	}
	s.nonces[network] = nonce + 1
	return nonce, nil
}

// The forwarding methods below are what the consumer-side interfaces in
// pricefeed, detector, risk, executor, bridge and reserve bind to.

func (s *Set) ReadPoolState(ctx context.Context, network string, pool common.Address) (*PoolState, error) {
	gw, ok := s.gws[network]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.ReadPoolState(ctx, pool)
}

func (s *Set) SuggestGasPrice(ctx context.Context, network string) (*big.Int, error) {
	gw, ok := s.gws[network]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.SuggestGasPrice(ctx)
}

func (s *Set) CachedGasPrice(network string) *big.Int {
	if gw, ok := s.gws[network]; ok {
		return gw.CachedGasPrice()
	}
	return nil
}

func (s *Set) EstimateGas(ctx context.Context, network string, msg CallMsg) (uint64, *big.Int, error) {
	gw, ok := s.gws[network]
	if !ok {
		return 0, nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.EstimateGas(ctx, msg)
}

func (s *Set) Submit(ctx context.Context, network string, tx *types.Transaction) (common.Hash, error) {
	gw, ok := s.gws[network]
	if !ok {
		return common.Hash{}, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.Submit(ctx, tx)
}

func (s *Set) AwaitConfirmation(ctx context.Context, network string, hash common.Hash, depth uint64) (*types.Receipt, error) {
	gw, ok := s.gws[network]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.AwaitConfirmation(ctx, hash, depth)
}

func (s *Set) Receipt(ctx context.Context, network string, hash common.Hash) (*types.Receipt, error) {
	gw, ok := s.gws[network]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.Receipt(ctx, hash)
}

func (s *Set) ReadBridgeDelivery(ctx context.Context, network string, bridge common.Address, sourceTx common.Hash) (*Delivery, error) {
	gw, ok := s.gws[network]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.ReadBridgeDelivery(ctx, bridge, sourceTx)
}

func (s *Set) ReadBridgeRefund(ctx context.Context, network string, bridge common.Address, sourceTx common.Hash) (bool, error) {
	gw, ok := s.gws[network]
	if !ok {
		return false, fmt.Errorf("gateway: unknown network %q", network)
	}
	return gw.ReadBridgeRefund(ctx, bridge, sourceTx)
}

func (s *Set) ChainID(network string) *big.Int {
	if gw, ok := s.gws[network]; ok {
		return gw.ChainID()
	}
	return nil
}
