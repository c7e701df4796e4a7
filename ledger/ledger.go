package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrAlreadyRunning is returned when another engine instance holds the
	// datadir lock.
	ErrAlreadyRunning = errors.New("ledger: datadir already in use")

	// ErrCorrupted is returned when the store cannot be recovered into a
	// consistent state. The process exits with the ledger-corruption code.
	ErrCorrupted = errors.New("ledger: store corrupted")

	// ErrClosed is returned on appends after Close.
	ErrClosed = errors.New("ledger: store closed")

	// ErrSchemaVersion is returned when the on-disk schema is newer than
	// this binary understands.
	ErrSchemaVersion = errors.New("ledger: unsupported schema version")
)

var (
	appendTimer   = metrics.NewRegisteredTimer("ledger/append", nil)
	eventCounter  = metrics.NewRegisteredCounter("ledger/events", nil)
	truncateMeter = metrics.NewRegisteredCounter("ledger/truncated", nil)
	seqGauge      = metrics.NewRegisteredGauge("ledger/seq", nil)
)

// Store is the append-only event log. A single writer mutex serializes
// appends; sequence numbers are strictly monotonic and assigned here.
type Store struct {
	db       *leveldb.DB
	fileLock *flock.Flock
	logger   log.Logger

	mu      sync.Mutex // serializes appends and close
	lastSeq uint64
	closed  bool

	feed  event.Feed
	scope event.SubscriptionScope

	now func() time.Time // test hook
}

// Open acquires the datadir lock, opens (or creates) the store and validates
// its tail. A partially written trailing event is truncated with a warning;
// anything worse is ErrCorrupted. A second Open on the same datadir fails
// with ErrAlreadyRunning while the first store is alive.
func Open(datadir string) (*Store, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, fmt.Errorf("ledger: create datadir: %w", err)
	}
	fileLock := flock.New(filepath.Join(datadir, "LOCK"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("ledger: datadir lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	path := filepath.Join(datadir, "ledger")
	logger := log.New("ledger", path)

	db, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 64})
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		logger.Warn("Ledger store corrupted, attempting recovery")
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	s := &Store{
		db:       db,
		fileLock: fileLock,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.checkVersion(); err != nil {
		s.db.Close()
		s.fileLock.Unlock()
		return nil, err
	}
	if err := s.validateTail(); err != nil {
		s.db.Close()
		s.fileLock.Unlock()
		return nil, err
	}
	seqGauge.Update(int64(s.lastSeq))
	logger.Info("Ledger open", "events", s.lastSeq)
	return s, nil
}

func (s *Store) checkVersion() error {
	blob, err := s.db.Get(versionKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
		return s.db.Put(versionKey, encodeSeq(schemaVersion), nil)
	case err != nil:
		return fmt.Errorf("%w: read schema version: %v", ErrCorrupted, err)
	}
	if len(blob) != 8 {
		return fmt.Errorf("%w: malformed schema version", ErrCorrupted)
	}
	if v := decodeSeq(blob); v > schemaVersion {
		return fmt.Errorf("%w: have %d, want <= %d", ErrSchemaVersion, v, schemaVersion)
	}
	return nil
}

// validateTail loads the write cursor and checks that the newest record is a
// complete, decodable event. A broken tail record is deleted so the engine
// can proceed; a broken record anywhere else means the log is unusable.
func (s *Store) validateTail() error {
	it := s.db.NewIterator(util.BytesPrefix(eventPrefix), nil)
	defer it.Release()

	if !it.Last() {
		s.lastSeq = 0
		return it.Error()
	}
	seq := decodeSeq(it.Key()[len(eventPrefix):])
	if evt, err := decodeEvent(it.Value()); err != nil || evt.Seq != seq {
		s.logger.Warn("Truncating partially written ledger event", "seq", seq, "err", err)
		truncateMeter.Inc(1)
		if derr := s.db.Delete(eventKey(seq), &opt.WriteOptions{Sync: true}); derr != nil {
			return fmt.Errorf("%w: truncate tail: %v", ErrCorrupted, derr)
		}
		if !it.Prev() {
			s.lastSeq = 0
		} else {
			prev := decodeSeq(it.Key()[len(eventPrefix):])
			if _, err := decodeEvent(it.Value()); err != nil {
				return fmt.Errorf("%w: event %d undecodable", ErrCorrupted, prev)
			}
			s.lastSeq = prev
		}
	} else {
		s.lastSeq = seq
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return s.db.Put(lastSeqKey, encodeSeq(s.lastSeq), &opt.WriteOptions{Sync: true})
}

func decodeEvent(blob []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(blob, &evt); err != nil {
		return nil, err
	}
	if !evt.Kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", evt.Kind)
	}
	if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
		return nil, fmt.Errorf("invalid payload for %s", evt.Kind)
	}
	return &evt, nil
}

// Append assigns the next sequence number, persists the event synchronously
// and notifies subscribers. The returned event must not be mutated.
func (s *Store) Append(kind Kind, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode %s payload: %w", kind, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	start := time.Now()
	evt := &Event{
		Seq:     s.lastSeq + 1,
		Time:    s.now().UTC(),
		Kind:    kind,
		Payload: raw,
	}
	blob, err := json.Marshal(evt)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("ledger: encode event: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(eventKey(evt.Seq), blob)
	batch.Put(lastSeqKey, encodeSeq(evt.Seq))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("ledger: append %s: %w", kind, err)
	}
	s.lastSeq = evt.Seq
	s.mu.Unlock()

	appendTimer.UpdateSince(start)
	eventCounter.Inc(1)
	seqGauge.Update(int64(evt.Seq))
	s.feed.Send(evt)
	return evt, nil
}

// MustAppend is Append for callers that cannot make progress past a failed
// ledger write. It logs and crashes the process, matching the fatal-error
// policy for the store.
func (s *Store) MustAppend(kind Kind, payload interface{}) *Event {
	evt, err := s.Append(kind, payload)
	if err != nil {
		log.Crit("Ledger append failed", "kind", kind, "err", err)
	}
	return evt
}

// LastSeq returns the highest assigned sequence number.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Replay streams every event in sequence order. The callback must not retain
// the event's payload slice beyond the call.
func (s *Store) Replay(fn func(*Event) error) error {
	it := s.db.NewIterator(util.BytesPrefix(eventPrefix), nil)
	defer it.Release()

	var prev uint64
	for it.Next() {
		evt, err := decodeEvent(it.Value())
		if err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrCorrupted, decodeSeq(it.Key()[len(eventPrefix):]), err)
		}
		if evt.Seq <= prev {
			return fmt.Errorf("%w: sequence regressed at %d", ErrCorrupted, evt.Seq)
		}
		prev = evt.Seq
		if err := fn(evt); err != nil {
			return err
		}
	}
	return it.Error()
}

// Events returns up to limit events with seq >= start, oldest first.
func (s *Store) Events(start uint64, limit int) ([]*Event, error) {
	bounds := util.BytesPrefix(eventPrefix)
	it := s.db.NewIterator(&util.Range{Start: eventKey(start), Limit: bounds.Limit}, nil)
	defer it.Release()

	var out []*Event
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		evt, err := decodeEvent(it.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		out = append(out, evt)
	}
	return out, it.Error()
}

// SubscribeEvents delivers every appended event to ch until the subscription
// or the store is closed.
func (s *Store) SubscribeEvents(ch chan<- *Event) event.Subscription {
	return s.scope.Track(s.feed.Subscribe(ch))
}

// Close unsubscribes all feeds, flushes and releases the store. Safe to call
// once; appends afterwards return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.scope.Close()
	err := s.db.Close()
	if lerr := s.fileLock.Unlock(); err == nil {
		err = lerr
	}
	s.logger.Info("Ledger closed", "events", s.lastSeq)
	return err
}
