package eventprocessor

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// fakeTokenStore is a minimal single-owner TokenStore used by this
// package's own tests. internal/tokenstore's real implementations
// cannot be imported here: they depend on this package (for
// ReplayToken's JSON codec), and a test file importing a package that
// imports the package under test is an import cycle.
type fakeTokenStore struct {
	mu      sync.Mutex
	ownerID string
	tokens  map[string]eventstream.TrackingToken
	owners  map[string]string
}

func newFakeTokenStore(ownerID string) *fakeTokenStore {
	return &fakeTokenStore{
		ownerID: ownerID,
		tokens:  make(map[string]eventstream.TrackingToken),
		owners:  make(map[string]string),
	}
}

func fakeKey(processorName string, segmentID int) string {
	return processorName + "/" + strconv.Itoa(segmentID)
}

func (s *fakeTokenStore) FetchSegments(_ context.Context, processorName string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for i := 0; i < 64; i++ {
		if _, ok := s.tokens[fakeKey(processorName, i)]; ok {
			ids = append(ids, i)
		}
	}
	return ids, nil
}

func (s *fakeTokenStore) InitializeTokenSegments(_ context.Context, processorName string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		key := fakeKey(processorName, i)
		if _, ok := s.tokens[key]; !ok {
			s.tokens[key] = nil
		}
	}
	return nil
}

func (s *fakeTokenStore) FetchToken(_ context.Context, processorName string, segmentID int) (eventstream.TrackingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fakeKey(processorName, segmentID)
	if owner, ok := s.owners[key]; ok && owner != s.ownerID {
		return nil, &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}
	s.owners[key] = s.ownerID
	return s.tokens[key], nil
}

func (s *fakeTokenStore) StoreToken(_ context.Context, token eventstream.TrackingToken, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fakeKey(processorName, segmentID)
	if owner, ok := s.owners[key]; ok && owner != s.ownerID {
		return &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}
	s.tokens[key] = token
	return nil
}

func (s *fakeTokenStore) ExtendClaim(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fakeKey(processorName, segmentID)
	if owner, ok := s.owners[key]; ok && owner != s.ownerID {
		return &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
	}
	s.owners[key] = s.ownerID
	return nil
}

func (s *fakeTokenStore) ReleaseClaim(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fakeKey(processorName, segmentID)
	if s.owners[key] == s.ownerID {
		delete(s.owners, key)
	}
	return nil
}

func (s *fakeTokenStore) DeleteToken(_ context.Context, processorName string, segmentID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fakeKey(processorName, segmentID)
	delete(s.tokens, key)
	delete(s.owners, key)
	return nil
}

func tokenStoreForTest(t *testing.T) *fakeTokenStore {
	t.Helper()
	return newFakeTokenStore("test-owner")
}

// recordingInvoker hands every event to Handle and records what it saw,
// for assertions on which events a segment actually processed.
type recordingInvoker struct {
	mu       sync.Mutex
	handled  []eventstream.TrackedEvent
	reset    bool
	onHandle func(eventstream.TrackedEvent) error
}

func (i *recordingInvoker) CanHandle(context.Context, eventstream.TrackedEvent, int) (bool, error) {
	return true, nil
}

func (i *recordingInvoker) Handle(_ context.Context, event eventstream.TrackedEvent, _ int) error {
	i.mu.Lock()
	i.handled = append(i.handled, event)
	i.mu.Unlock()
	if i.onHandle != nil {
		return i.onHandle(event)
	}
	return nil
}

func (i *recordingInvoker) SupportsReset() bool { return true }

func (i *recordingInvoker) PerformReset(context.Context) error {
	i.reset = true
	return nil
}

func (i *recordingInvoker) snapshot() []eventstream.TrackedEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]eventstream.TrackedEvent, len(i.handled))
	copy(out, i.handled)
	return out
}

// propagatingErrorHandler always rolls back the batch.
type propagatingErrorHandler struct{}

func (propagatingErrorHandler) HandleError(context.Context, error, eventstream.TrackedEvent, int) eventstream.ErrorDecision {
	return eventstream.Propagate
}

// skippingErrorHandler always lets processing continue.
type skippingErrorHandler struct{}

func (skippingErrorHandler) HandleError(context.Context, error, eventstream.TrackedEvent, int) eventstream.ErrorDecision {
	return eventstream.Skip
}

// recordingMonitor records every callback invocation for assertions.
type recordingMonitor struct {
	mu             sync.Mutex
	ingested       int
	ignored        int
	batchesCommit  int
	lastBatchSize  int
	claimConflicts int
	errors         int
}

func (m *recordingMonitor) OnEventIngested(eventstream.TrackedEvent, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested++
}

func (m *recordingMonitor) OnEventIgnored(eventstream.TrackedEvent, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored++
}

func (m *recordingMonitor) OnBatchCommitted(_ int, size int, _ eventstream.TrackingToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchesCommit++
	m.lastBatchSize = size
}

func (m *recordingMonitor) OnClaimConflict(string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimConflicts++
}

func (m *recordingMonitor) OnError(error, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}
