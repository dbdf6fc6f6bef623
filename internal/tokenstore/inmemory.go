// Package tokenstore provides TokenStore backends for the tracking
// event processor: an in-memory implementation for tests and
// single-process deployments, and a durable file-backed one for
// restart-surviving claims.
package tokenstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// ErrSegmentNotFound is returned when a segment row has never been
// created via InitializeTokenSegments (or a split, not modeled here).
var ErrSegmentNotFound = errors.New("tokenstore: segment not found")

// DefaultClaimTimeout is the lease duration used when a store is
// constructed without an explicit one.
const DefaultClaimTimeout = 10 * time.Second

// claimRecord is one (processorName, segmentId) row: the persisted
// token plus whoever currently leases it.
type claimRecord struct {
	token       eventstream.TrackingToken
	owner       string
	leaseExpiry time.Time
}

func (r *claimRecord) heldBy(owner string, now time.Time) bool {
	return r.owner != "" && r.owner == owner && now.Before(r.leaseExpiry)
}

func (r *claimRecord) heldByOther(owner string, now time.Time) bool {
	return r.owner != "" && r.owner != owner && now.Before(r.leaseExpiry)
}

// InMemoryTokenStore is a process-local TokenStore: a map of claim
// records guarded by a mutex, exactly the jobmanager.go idiom (unified
// map as source of truth, no secondary queue needed since segments
// aren't FIFO work items) adapted from job lifecycle rows to
// (processor, segment) claim rows.
type InMemoryTokenStore struct {
	mu           sync.RWMutex
	ownerID      string
	claimTimeout time.Duration
	processors   map[string]map[int]*claimRecord
}

// NewInMemoryTokenStore constructs a store that claims as ownerID and
// leases claims for claimTimeout. ownerID should be unique per process
// (or per Processor instance) sharing this store's backing data — a
// host:pid style identifier is typical.
func NewInMemoryTokenStore(ownerID string, claimTimeout time.Duration) *InMemoryTokenStore {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &InMemoryTokenStore{
		ownerID:      ownerID,
		claimTimeout: claimTimeout,
		processors:   make(map[string]map[int]*claimRecord),
	}
}

func (s *InMemoryTokenStore) FetchSegments(_ context.Context, processorName string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segs := s.processors[processorName]
	ids := make([]int, 0, len(segs))
	for id := range segs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *InMemoryTokenStore) InitializeTokenSegments(_ context.Context, processorName string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, ok := s.processors[processorName]
	if !ok {
		segs = make(map[int]*claimRecord)
		s.processors[processorName] = segs
	}
	for id := 0; id < count; id++ {
		if _, exists := segs[id]; !exists {
			segs[id] = &claimRecord{}
		}
	}
	return nil
}

func (s *InMemoryTokenStore) FetchToken(_ context.Context, processorName string, segmentID int) (eventstream.TrackingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.lookupLocked(processorName, segmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if record.heldByOther(s.ownerID, now) {
		return nil, &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}

	record.owner = s.ownerID
	record.leaseExpiry = now.Add(s.claimTimeout)
	return record.token, nil
}

func (s *InMemoryTokenStore) StoreToken(_ context.Context, token eventstream.TrackingToken, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.lookupLocked(processorName, segmentID)
	if err != nil {
		return err
	}
	if !record.heldBy(s.ownerID, time.Now()) {
		return &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}
	record.token = token
	return nil
}

func (s *InMemoryTokenStore) ExtendClaim(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.lookupLocked(processorName, segmentID)
	if err != nil {
		return err
	}
	now := time.Now()
	if record.heldByOther(s.ownerID, now) {
		return &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}
	record.owner = s.ownerID
	record.leaseExpiry = now.Add(s.claimTimeout)
	return nil
}

// ReleaseClaim clears ownership of a held claim. Per spec it never
// returns ErrUnableToClaim — releasing a claim you don't hold, or that
// doesn't exist, is simply a no-op.
func (s *InMemoryTokenStore) ReleaseClaim(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, ok := s.processors[processorName]
	if !ok {
		return nil
	}
	record, ok := segs[segmentID]
	if !ok {
		return nil
	}
	if record.owner == s.ownerID {
		record.owner = ""
		record.leaseExpiry = time.Time{}
	}
	return nil
}

func (s *InMemoryTokenStore) DeleteToken(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, ok := s.processors[processorName]
	if !ok {
		return nil
	}
	delete(segs, segmentID)
	return nil
}

// setSegmentLocked creates or overwrites a segment's token without
// touching ownership, used by FileTokenStore to restore state from a
// snapshot or WAL replay before any claim has been taken.
func (s *InMemoryTokenStore) setSegmentLocked(processorName string, segmentID int, token eventstream.TrackingToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, ok := s.processors[processorName]
	if !ok {
		segs = make(map[int]*claimRecord)
		s.processors[processorName] = segs
	}
	record, ok := segs[segmentID]
	if !ok {
		record = &claimRecord{}
		segs[segmentID] = record
	}
	record.token = token
}

// peekToken reads a segment's current token without claiming it, used
// by FileTokenStore when writing a snapshot.
func (s *InMemoryTokenStore) peekToken(processorName string, segmentID int) eventstream.TrackingToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segs, ok := s.processors[processorName]
	if !ok {
		return nil
	}
	record, ok := segs[segmentID]
	if !ok {
		return nil
	}
	return record.token
}

func (s *InMemoryTokenStore) lookupLocked(processorName string, segmentID int) (*claimRecord, error) {
	segs, ok := s.processors[processorName]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	record, ok := segs[segmentID]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return record, nil
}
