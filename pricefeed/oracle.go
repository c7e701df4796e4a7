package pricefeed

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/cqt-network/arbd/arb/arbconfig"
)

// historySize is the per-pool snapshot ring capacity.
const historySize = 256

var (
	snapshotCounter = metrics.NewRegisteredCounter("pricefeed/snapshots", nil)
	suspectCounter  = metrics.NewRegisteredCounter("pricefeed/suspect", nil)
)

// Snapshot is one observed pool state with its decoded price. Immutable
// after Store.
type Snapshot struct {
	PoolID       string
	Network      string
	SqrtPriceX96 *big.Int
	Price        Price    // paired token per CQT, exact
	Liquidity    *big.Int
	BlockNumber  uint64
	ObservedAt   time.Time

	// Suspect marks a price outside the pool's expected range. Stored and
	// visible, but the detector treats it like a stale snapshot.
	Suspect bool
}

// ring is a fixed-capacity snapshot history, oldest overwritten first.
type ring struct {
	buf  [historySize]*Snapshot
	next int
	size int
}

func (r *ring) push(s *Snapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % historySize
	if r.size < historySize {
		r.size++
	}
}

// slice returns up to n snapshots, newest first.
func (r *ring) slice(n int) []*Snapshot {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*Snapshot, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + historySize) % historySize
		out = append(out, r.buf[idx])
	}
	return out
}

// Oracle holds the latest snapshot per pool behind an atomic pointer (single
// writer, lock-free readers) plus a mutex-guarded bounded history.
type Oracle struct {
	stale time.Duration

	latest sync.Map // poolID -> *atomic.Pointer[Snapshot]

	mu    sync.Mutex
	rings map[string]*ring

	feed  event.Feed
	scope event.SubscriptionScope

	now func() time.Time // test hook
}

// NewOracle builds an oracle with the configured staleness threshold.
func NewOracle(cfg *arbconfig.Config) *Oracle {
	return &Oracle{
		stale: cfg.Arbitrage.StaleThreshold,
		rings: make(map[string]*ring),
		now:   time.Now,
	}
}

func (o *Oracle) pointer(poolID string) *atomic.Pointer[Snapshot] {
	if p, ok := o.latest.Load(poolID); ok {
		return p.(*atomic.Pointer[Snapshot])
	}
	p, _ := o.latest.LoadOrStore(poolID, new(atomic.Pointer[Snapshot]))
	return p.(*atomic.Pointer[Snapshot])
}

// Store publishes a snapshot: swaps the latest pointer, appends to the
// history ring and notifies subscribers.
func (o *Oracle) Store(s *Snapshot) {
	o.pointer(s.PoolID).Store(s)

	o.mu.Lock()
	r, ok := o.rings[s.PoolID]
	if !ok {
		r = new(ring)
		o.rings[s.PoolID] = r
	}
	r.push(s)
	o.mu.Unlock()

	snapshotCounter.Inc(1)
	if s.Suspect {
		suspectCounter.Inc(1)
	}
	o.feed.Send(s)
}

// Latest returns the newest snapshot for a pool and its age.
func (o *Oracle) Latest(poolID string) (*Snapshot, time.Duration, bool) {
	s := o.pointer(poolID).Load()
	if s == nil {
		return nil, 0, false
	}
	return s, o.now().Sub(s.ObservedAt), true
}

// Fresh returns the latest snapshot only when its age is within the stale
// threshold. Age exactly at the threshold is still fresh; one millisecond
// past it is not.
func (o *Oracle) Fresh(poolID string) (*Snapshot, bool) {
	s, age, ok := o.Latest(poolID)
	if !ok || age > o.stale {
		return nil, false
	}
	return s, true
}

// StaleThreshold returns the configured freshness bound.
func (o *Oracle) StaleThreshold() time.Duration { return o.stale }

// History returns up to n recent snapshots for a pool, newest first.
func (o *Oracle) History(poolID string, n int) []*Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rings[poolID]
	if !ok {
		return nil
	}
	return r.slice(n)
}

// SubscribeUpdates delivers every stored snapshot to ch.
func (o *Oracle) SubscribeUpdates(ch chan<- *Snapshot) event.Subscription {
	return o.scope.Track(o.feed.Subscribe(ch))
}

// Close terminates all subscriptions.
func (o *Oracle) Close() {
	o.scope.Close()
}
