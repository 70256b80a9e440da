// Package state keeps the served snapshot and the backend in step with the
// verified chain state and answers queries against them.
//
// Two locks are involved, always taken in this order: the synchronizer
// handle, held for a whole initialize or update cycle, then the view lock,
// which guards the (Snapshot, Backend) pair. Queries take only the view lock
// for reading. Nothing is acquired while the view lock is held and it is
// never held across a verifier round-trip.
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/storage"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/verifier"
)

const (
	DefaultInitProgressEvery   = 100_000
	DefaultUpdateProgressEvery = 10_000
)

// Messages reported by the update endpoint.
const (
	UpdateFailedMessage = "Error updating state"
	updatedFormat       = "Updated %d addresses"
)

// UpdatedMessage is the update endpoint message for n drained pairs.
func UpdatedMessage(n int) string {
	return fmt.Sprintf(updatedFormat, n)
}

type Options struct {
	InitProgressEvery   int
	UpdateProgressEvery int
}

func (o *Options) applyDefaults() {
	if o.InitProgressEvery <= 0 {
		o.InitProgressEvery = DefaultInitProgressEvery
	}
	if o.UpdateProgressEvery <= 0 {
		o.UpdateProgressEvery = DefaultUpdateProgressEvery
	}
}

// UpdateResult describes one completed cycle.
type UpdateResult struct {
	Updated    int               `json:"updated"`
	Snapshot   protocol.Snapshot `json:"snapshot"`
	Generation uint64            `json:"generation"`
	Duration   time.Duration     `json:"duration"`
}

// UpdateRecord is the outcome of the most recent cycle, successful or not.
type UpdateRecord struct {
	At      time.Time `json:"at"`
	Updated int       `json:"updated"`
	BlockID uint64    `json:"block_id"`
	Error   string    `json:"error,omitempty"`
}

// Health is the operational view served on /health.
type Health struct {
	Phase      string            `json:"phase"`
	Generation uint64            `json:"generation"`
	Snapshot   protocol.Snapshot `json:"snapshot"`
	LastUpdate *UpdateRecord     `json:"last_update,omitempty"`
	Backend    storage.Meta      `json:"backend"`
}

// Service is the single owner of the served state.
type Service struct {
	verifier verifier.Verifier
	backend  storage.Backend
	opts     Options
	logger   log.Logger

	// fatal ends the process after a fault inside the critical section.
	fatal func(msg string, ctx ...interface{})

	phase      atomic.Uint32
	lastUpdate atomic.Pointer[UpdateRecord]

	syncer sync.Mutex // synchronizer handle

	view       sync.RWMutex
	snapshot   protocol.Snapshot
	generation uint64
}

func NewService(v verifier.Verifier, backend storage.Backend, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		verifier: v,
		backend:  backend,
		opts:     opts,
		logger:   log.New("module", "sync"),
		fatal:    log.Crit,
	}
}

func (s *Service) Phase() Phase {
	return Phase(s.phase.Load())
}

// Initialize pulls the full verified state and drains it into an emptied
// backend, so slots persisted by an earlier run never outlive their
// snapshot. On failure the service returns to Uninitialized and may be
// retried. Calling it on a ready service is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.syncer.TryLock() {
		return ErrUpdateInProgress
	}
	defer s.syncer.Unlock()

	if s.Phase().Serving() {
		return nil
	}
	s.phase.Store(uint32(Initializing))
	start := time.Now()
	s.logger.Info("Initializing state")

	cycle, err := s.verifier.Initialize(ctx)
	if err != nil {
		s.phase.Store(uint32(Uninitialized))
		s.record(0, 0, err)
		return fmt.Errorf("%w: initialize: %w", ErrSyncFailed, err)
	}
	if err := s.drain(cycle, s.opts.InitProgressEvery, true); err != nil {
		s.phase.Store(uint32(Uninitialized))
		s.record(0, 0, err)
		return err
	}
	s.phase.Store(uint32(Ready))
	s.record(len(cycle.Updates), cycle.Snapshot.BlockID, nil)
	s.logger.Info("State initialized", "pairs", len(cycle.Updates), "snapshot", cycle.Snapshot,
		"elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}

// Update runs one incremental cycle. A verifier failure leaves the served
// state untouched and is returned wrapped in ErrSyncFailed together with
// the still-current snapshot.
func (s *Service) Update(ctx context.Context) (UpdateResult, error) {
	if !s.Phase().Serving() {
		return UpdateResult{}, ErrNotReady
	}
	if !s.syncer.TryLock() {
		return UpdateResult{}, ErrUpdateInProgress
	}
	defer s.syncer.Unlock()

	s.phase.Store(uint32(Updating))
	defer s.phase.Store(uint32(Ready))
	start := time.Now()

	prev, _ := s.current()
	cycle, err := s.verifier.Update(ctx)
	if err == nil && cycle.Snapshot.BlockID < prev.BlockID {
		err = fmt.Errorf("snapshot regressed from block %d to %d", prev.BlockID, cycle.Snapshot.BlockID)
	}
	if err != nil {
		s.record(0, prev.BlockID, err)
		s.logger.Warn("State update failed", "snapshot", prev, "err", err)
		return UpdateResult{Snapshot: prev}, fmt.Errorf("%w: update: %w", ErrSyncFailed, err)
	}
	if err := s.drain(cycle, s.opts.UpdateProgressEvery, false); err != nil {
		return UpdateResult{Snapshot: prev}, err
	}

	snap, gen := s.current()
	res := UpdateResult{
		Updated:    len(cycle.Updates),
		Snapshot:   snap,
		Generation: gen,
		Duration:   time.Since(start),
	}
	s.record(res.Updated, snap.BlockID, nil)
	s.logger.Info("State updated", "pairs", res.Updated, "snapshot", snap,
		"elapsed", common.PrettyDuration(res.Duration))
	return res, nil
}

// drain applies a cycle under the view write lock: every pending pair goes
// into the backend, then the snapshot is replaced. Readers see either the
// old pairing or the new one. With reset the backend is emptied first; that
// only happens before serving starts, so a failed reset is returned. A fault
// while inserting leaves the pairing of unknown consistency, so it ends the
// process.
func (s *Service) drain(cycle *verifier.Cycle, every int, reset bool) (err error) {
	s.view.Lock()
	defer s.view.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.fatal("Fault while applying updates", "panic", r, "meta", s.backend.Meta())
			err = fmt.Errorf("%w: fault while applying updates: %v", ErrBackend, r)
		}
	}()

	if reset {
		if err := s.backend.Reset(); err != nil {
			return fmt.Errorf("%w: reset: %w", ErrBackend, err)
		}
	}
	for i, upd := range cycle.Updates {
		if err := s.backend.Insert(upd.Key[:], upd.Value[:]); err != nil {
			s.fatal("Backend insert failed", "key", upd.Key, "applied", i, "err", err)
			return fmt.Errorf("%w: insert %s: %w", ErrBackend, upd.Key.Hex(), err)
		}
		if n := i + 1; n%every == 0 {
			s.logger.Info("Applying updates", "applied", n, "total", len(cycle.Updates), "meta", s.backend.Meta())
		}
	}
	s.snapshot = cycle.Snapshot
	s.generation++
	return nil
}

func (s *Service) current() (protocol.Snapshot, uint64) {
	s.view.RLock()
	defer s.view.RUnlock()
	return s.snapshot, s.generation
}

func (s *Service) record(updated int, block uint64, err error) {
	rec := &UpdateRecord{At: time.Now(), Updated: updated, BlockID: block}
	if err != nil {
		rec.Error = err.Error()
	}
	s.lastUpdate.Store(rec)
}

// Status returns the fixed healthy message with the current snapshot.
func (s *Service) Status() (protocol.StatusResponse, error) {
	if !s.Phase().Serving() {
		return protocol.StatusResponse{}, ErrNotReady
	}
	snap, _ := s.current()
	return protocol.StatusResponse{Message: protocol.StatusOK, Snapshot: snap}, nil
}

// Get resolves one slot. Absent slots resolve to the zero value.
func (s *Service) Get(key common.Hash) (protocol.QueryResponse, error) {
	return s.GetMany([]common.Hash{key})
}

// GetMany resolves keys in order, duplicates included, against a single
// generation.
func (s *Service) GetMany(keys []common.Hash) (protocol.QueryResponse, error) {
	if !s.Phase().Serving() {
		return protocol.QueryResponse{}, ErrNotReady
	}
	s.view.RLock()
	defer s.view.RUnlock()

	resps := make([]protocol.StorageResult, len(keys))
	for i, key := range keys {
		val, ok, err := s.backend.Get(key[:])
		if err != nil {
			return protocol.QueryResponse{}, fmt.Errorf("%w: get %s: %w", ErrBackend, key.Hex(), err)
		}
		resps[i].Key = key
		if ok {
			resps[i].Value = common.BytesToHash(val)
		}
	}
	return protocol.QueryResponse{Snapshot: s.snapshot, Resps: resps}, nil
}

func (s *Service) Health() Health {
	snap, gen := s.current()
	return Health{
		Phase:      s.Phase().String(),
		Generation: gen,
		Snapshot:   snap,
		LastUpdate: s.lastUpdate.Load(),
		Backend:    s.backend.Meta(),
	}
}

// Run calls Update every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Update(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("Periodic update skipped", "err", err)
			}
		}
	}
}
