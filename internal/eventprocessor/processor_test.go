package eventprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

func newTestProcessor(source eventstream.MessageSource, store eventstream.TokenStore, invoker eventstream.EventHandlerInvoker, monitor eventstream.MessageMonitor) *Processor {
	return New(Config{
		ProcessorName:       "proc",
		Source:              source,
		Store:               store,
		TxManager:           eventstream.NoOpTransactionManager{},
		Invoker:             invoker,
		ErrorHandler:        propagatingErrorHandler{},
		Monitor:             monitor,
		MaxThreadCount:      4,
		InitialSegmentCount: 1,
		BatchSize:           10,
	})
}

func TestProcessorEndToEndStartProcessAndShutDown(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	store.Append("agg-1", "payload-1", time.Now())
	store.Append("agg-2", "payload-2", time.Now())
	store.Append("agg-3", "payload-3", time.Now())

	tokens := tokenStoreForTest(t)
	invoker := &recordingInvoker{}
	monitor := &recordingMonitor{}

	proc := newTestProcessor(store, tokens, invoker, monitor)
	assert.Equal(t, NotStarted, proc.State())

	proc.Start(context.Background())
	assert.True(t, proc.IsRunning())

	require.Eventually(t, func() bool {
		return len(invoker.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond, "all three events should have been handled")

	require.Eventually(t, func() bool {
		stored, err := tokens.FetchToken(context.Background(), "proc", 0)
		return err == nil && stored != nil && stored.(eventstream.GlobalSequenceToken) == eventstream.NewGlobalSequenceToken(2)
	}, time.Second, 5*time.Millisecond, "token should persist up through the last event")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, proc.ShutDown(shutdownCtx))

	assert.Equal(t, ShutDown, proc.State())
	assert.Equal(t, 0, proc.ActiveSegmentCount())
}

func TestProcessorStartIsIdempotentWhileRunning(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	ctx := context.Background()
	proc.Start(ctx)
	require.Eventually(t, func() bool { return proc.ActiveSegmentCount() == 1 }, time.Second, 5*time.Millisecond)

	proc.Start(ctx) // second call must be a no-op, not a second launcher
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, proc.ActiveSegmentCount())

	require.NoError(t, proc.ShutDown(context.Background()))
}

func TestProcessorShutDownIsTerminal(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	proc.Start(context.Background())
	require.NoError(t, proc.ShutDown(context.Background()))
	assert.Equal(t, ShutDown, proc.State())

	proc.Start(context.Background())
	assert.Equal(t, ShutDown, proc.State(), "Start must not resurrect a shut-down processor")
}

func TestResetTokensFailsWhenInvokerDoesNotSupportReset(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	invoker := &recordingInvoker{}
	invoker.reset = false

	proc := newTestProcessor(store, tokens, noResetInvoker{}, &recordingMonitor{})

	err := proc.ResetTokens(context.Background())
	assert.ErrorIs(t, err, ErrResetUnsupported)
}

func TestResetTokensFailsWhileRunningEvenWithNoSegmentsClaimedYet(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := unclaimableTokenStore{tokenStoreForTest(t)}
	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	proc.Start(context.Background())
	time.Sleep(20 * time.Millisecond) // let the Launcher run a discovery pass and fail every claim
	require.Equal(t, 0, proc.ActiveSegmentCount(), "every claim attempt should have failed")
	require.True(t, proc.IsRunning())

	err := proc.ResetTokens(context.Background())
	assert.ErrorIs(t, err, ErrResetWhileActive, "a running processor must refuse reset even with zero active segments")

	require.NoError(t, proc.ShutDown(context.Background()))
}

func TestResetTokensFailsWhileSegmentsAreActive(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	proc.Start(context.Background())
	require.Eventually(t, func() bool { return proc.ActiveSegmentCount() == 1 }, time.Second, 5*time.Millisecond)

	err := proc.ResetTokens(context.Background())
	assert.ErrorIs(t, err, ErrResetWhileActive)

	require.NoError(t, proc.ShutDown(context.Background()))
}

func TestResetTokensRewritesTokensAsReplayTokens(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	require.NoError(t, tokens.InitializeTokenSegments(context.Background(), "proc", 1))
	require.NoError(t, tokens.StoreToken(context.Background(), eventstream.NewGlobalSequenceToken(5), "proc", 0))
	require.NoError(t, tokens.ReleaseClaim(context.Background(), "proc", 0))

	invoker := &recordingInvoker{}
	proc := newTestProcessor(store, tokens, invoker, &recordingMonitor{})

	require.NoError(t, proc.ResetTokens(context.Background()))
	assert.True(t, invoker.reset)

	stored, err := tokens.FetchToken(context.Background(), "proc", 0)
	require.NoError(t, err)
	replay, ok := stored.(ReplayToken)
	require.True(t, ok, "token must be rewritten as a ReplayToken")
	assert.Equal(t, eventstream.NewGlobalSequenceToken(5), replay.Inner())
	assert.Nil(t, replay.Current())
}

func TestReleaseSegmentAndPermanentlyReleaseClaim(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	require.NoError(t, tokens.InitializeTokenSegments(context.Background(), "proc", 1))
	_, err := tokens.FetchToken(context.Background(), "proc", 0)
	require.NoError(t, err)

	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	require.NoError(t, proc.ReleaseSegment(context.Background(), 0))

	other := newFakeTokenStore("other-owner")
	other.tokens = tokens.tokens
	other.owners = tokens.owners
	_, err = other.FetchToken(context.Background(), "proc", 0)
	assert.NoError(t, err, "claim must have been released")

	require.NoError(t, proc.PermanentlyReleaseClaim(context.Background(), 0))
	ids, err := tokens.FetchSegments(context.Background(), "proc")
	require.NoError(t, err)
	assert.NotContains(t, ids, 0)
}

func TestStatusStringIncludesStateAndSegments(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	tokens := tokenStoreForTest(t)
	proc := newTestProcessor(store, tokens, &recordingInvoker{}, &recordingMonitor{})

	proc.Start(context.Background())
	require.Eventually(t, func() bool { return proc.ActiveSegmentCount() == 1 }, time.Second, 5*time.Millisecond)

	status := proc.Status()
	assert.Equal(t, "proc", status.ProcessorName)
	assert.Equal(t, Started, status.State)
	assert.Contains(t, status.String(), "state=STARTED")

	require.NoError(t, proc.ShutDown(context.Background()))
}

// unclaimableTokenStore wraps a fakeTokenStore but always reports
// ErrUnableToClaim from FetchToken, simulating every segment already
// being owned by another node in the cluster.
type unclaimableTokenStore struct {
	*fakeTokenStore
}

func (s unclaimableTokenStore) FetchToken(_ context.Context, processorName string, segmentID int) (eventstream.TrackingToken, error) {
	return nil, &eventstream.ErrUnableToClaim{ProcessorName: processorName, SegmentID: segmentID}
}

// noResetInvoker never supports the reset protocol.
type noResetInvoker struct{}

func (noResetInvoker) CanHandle(context.Context, eventstream.TrackedEvent, int) (bool, error) {
	return true, nil
}
func (noResetInvoker) Handle(context.Context, eventstream.TrackedEvent, int) error { return nil }
func (noResetInvoker) SupportsReset() bool                                         { return false }
func (noResetInvoker) PerformReset(context.Context) error                          { return nil }
