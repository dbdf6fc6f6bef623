package eventprocessor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

func newTestSegmentWorker(source eventstream.MessageSource, store eventstream.TokenStore, invoker eventstream.EventHandlerInvoker, monitor eventstream.MessageMonitor, state *stateHolder, active *activeSegments) *SegmentWorker {
	return &SegmentWorker{
		ProcessorName: "proc",
		Segment:       RootSegment,
		Source:        source,
		Store:         store,
		TxManager:     eventstream.NoOpTransactionManager{},
		Invoker:       invoker,
		ErrorHandler:  propagatingErrorHandler{},
		Monitor:       monitor,
		Assembler:     &BatchAssembler{BatchSize: 10},
		state:         state,
		active:        active,
		logger:        slog.Default(),
	}
}

func TestSegmentWorkerProcessesEventsUntilShutdown(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	store.Append("agg-1", "payload-1", time.Now())
	store.Append("agg-2", "payload-2", time.Now())

	tokens := tokenStoreForTest(t)
	require.NoError(t, tokens.InitializeTokenSegments(context.Background(), "proc", 1))

	state := newStateHolder()
	state.Set(Started)
	active := newActiveSegments()
	active.Add(RootSegment.ID)
	invoker := &recordingInvoker{}
	monitor := &recordingMonitor{}

	worker := newTestSegmentWorker(store, tokens, invoker, monitor, state, active)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(invoker.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}

	assert.False(t, active.Contains(RootSegment.ID), "worker must remove itself from the active set on exit")
}

func TestSegmentWorkerReleasesClaimOnExit(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()

	tokens := tokenStoreForTest(t)
	require.NoError(t, tokens.InitializeTokenSegments(context.Background(), "proc", 1))

	state := newStateHolder()
	state.Set(Started)
	active := newActiveSegments()
	active.Add(RootSegment.ID)

	worker := newTestSegmentWorker(store, tokens, &recordingInvoker{}, &recordingMonitor{}, state, active)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}

	// A fresh owner should now be able to claim the segment.
	other := newFakeTokenStore("other-owner")
	other.tokens = tokens.tokens
	other.owners = tokens.owners
	_, err := other.FetchToken(context.Background(), "proc", RootSegment.ID)
	assert.NoError(t, err, "claim must have been released on shutdown")
}

func TestSegmentWorkerRecoversFromInvokerPanic(t *testing.T) {
	store := eventstream.NewInMemoryEventStore()
	defer store.Close()
	store.Append("agg-1", "payload-1", time.Now())

	tokens := tokenStoreForTest(t)
	require.NoError(t, tokens.InitializeTokenSegments(context.Background(), "proc", 1))

	state := newStateHolder()
	state.Set(Started)
	active := newActiveSegments()
	active.Add(RootSegment.ID)

	invoker := &recordingInvoker{onHandle: func(eventstream.TrackedEvent) error {
		panic("handler exploded")
	}}

	worker := newTestSegmentWorker(store, tokens, invoker, &recordingMonitor{}, state, active)

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from panic and exit")
	}

	assert.Equal(t, PausedError, state.Get())
	assert.False(t, active.Contains(RootSegment.ID))
}

func TestIsUnableToClaim(t *testing.T) {
	assert.True(t, isUnableToClaim(&eventstream.ErrUnableToClaim{ProcessorName: "p", SegmentID: 1}))
	assert.False(t, isUnableToClaim(context.Canceled))
}

func TestMinInt(t *testing.T) {
	assert.Equal(t, 2, minInt(2, 5))
	assert.Equal(t, 2, minInt(5, 2))
}
