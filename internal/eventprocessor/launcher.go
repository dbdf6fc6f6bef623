// ============================================================================
// Trackingproc Launcher - Segment Discovery and Claim Loop
// ============================================================================
//
// Package: internal/eventprocessor
// File: launcher.go
// Purpose: Discover the current segment split, claim whatever this
//          instance can, and spawn one SegmentWorker per claim.
//
// Architecture Design:
//   One discovery pass does, in order: fetch segment ids (initializing
//   them on first run), recompute the split tree from those ids, then
//   walk the tree claiming anything not already active locally, up to
//   MaxSegments. The last worker claimed each pass that would exceed
//   MaxSegments runs inline on the Launcher's own goroutine instead of
//   spawning a new one, so a budget of N threads costs N goroutines
//   total, not N+1.
//
// Claim Failure Handling:
//   - ErrUnableToClaim: another owner holds it, skip and keep walking
//   - ErrTransient: this store row hiccuped, log and keep walking
//   - anything else: stop the pass and pause the whole processor
//
// ============================================================================

package eventprocessor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/trackingproc/internal/workerpool"
	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// pollInterval is how long the Launcher waits between discovery passes
// when it found no claimable segment (spec §4.2 "5s sleep, checked in
// slices").
const pollInterval = 5 * time.Second

// Launcher discovers segments, claims as many as this instance's thread
// budget allows, and spawns one SegmentWorker per claimed segment (spec
// §4.2). When the pool already has MaxSegments live goroutines, the
// worker just claimed runs inline on the Launcher's own goroutine and
// the pass stops there, so a processor configured for N threads needs
// only N goroutines total rather than N+1 — the Launcher's own thread
// doubles as the final worker's while that worker runs.
//
// Grounded on controller.go's dispatch loop (discover-then-claim polling)
// and worker_pool.go's fixed-capacity spawn accounting, adapted from a
// single shared task queue to per-segment ownership claims.
type Launcher struct {
	ProcessorName       string
	Source              eventstream.MessageSource
	Store               eventstream.TokenStore
	TxManager           eventstream.TransactionManager
	Invoker             eventstream.EventHandlerInvoker
	ErrorHandler        eventstream.ErrorHandler
	Monitor             eventstream.MessageMonitor
	MaxSegments         int
	InitialSegmentCount int
	BatchSize           int
	Logger              *slog.Logger

	state  *stateHolder
	active *activeSegments
	pool   *workerpool.Factory
}

func newLauncher(
	name string,
	source eventstream.MessageSource,
	store eventstream.TokenStore,
	tm eventstream.TransactionManager,
	invoker eventstream.EventHandlerInvoker,
	errorHandler eventstream.ErrorHandler,
	monitor eventstream.MessageMonitor,
	maxSegments, initialSegmentCount, batchSize int,
	logger *slog.Logger,
	state *stateHolder,
	active *activeSegments,
	pool *workerpool.Factory,
) *Launcher {
	return &Launcher{
		ProcessorName:       name,
		Source:              source,
		Store:               store,
		TxManager:           tm,
		Invoker:             invoker,
		ErrorHandler:        errorHandler,
		Monitor:             monitor,
		MaxSegments:         maxSegments,
		InitialSegmentCount: initialSegmentCount,
		BatchSize:           batchSize,
		Logger:              logger,
		state:               state,
		active:              active,
		pool:                pool,
	}
}

// Run drives the discovery/claim loop until the processor leaves
// Started. It is meant to be invoked on its own goroutine by
// Processor.Start.
func (l *Launcher) Run(ctx context.Context) {
	for l.state.IsRunning() && ctx.Err() == nil {
		claimedAny, err := l.tryClaimSegments(ctx)
		if err != nil {
			if isTransient(err) {
				l.Logger.Warn("transient error during segment discovery, retrying next pass", "processor", l.ProcessorName, "error", err)
				l.sleep(ctx, pollInterval)
				continue
			}
			l.Logger.Error("segment discovery failed, pausing processor", "processor", l.ProcessorName, "error", err)
			l.state.Set(PausedError)
			return
		}
		if claimedAny {
			continue
		}
		l.sleep(ctx, pollInterval)
	}
}

// tryClaimSegments runs one discovery pass: ensure segments exist,
// compute the current split tree, and claim every segment not already
// active locally, up to MaxSegments. It reports whether any segment was
// claimed this pass.
func (l *Launcher) tryClaimSegments(ctx context.Context) (bool, error) {
	ids, err := eventstream.FetchInTransaction(ctx, l.TxManager, func(ctx context.Context) ([]int, error) {
		return l.Store.FetchSegments(ctx, l.ProcessorName)
	})
	if err != nil {
		return false, err
	}

	if len(ids) == 0 && l.InitialSegmentCount > 0 {
		err := l.TxManager.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			return l.Store.InitializeTokenSegments(ctx, l.ProcessorName, l.InitialSegmentCount)
		})
		if err != nil {
			return false, err
		}
		ids, err = eventstream.FetchInTransaction(ctx, l.TxManager, func(ctx context.Context) ([]int, error) {
			return l.Store.FetchSegments(ctx, l.ProcessorName)
		})
		if err != nil {
			return false, err
		}
	}

	if len(ids) == 0 {
		return false, nil
	}

	segments := ComputeSegments(ids)

	claimedAny := false
	var inlineWorker *SegmentWorker

	for _, seg := range segments {
		if !l.state.IsRunning() || ctx.Err() != nil {
			break
		}
		if l.active.Contains(seg.ID) {
			continue
		}

		claimed, err := l.claim(ctx, seg)
		if err != nil {
			if isUnableToClaim(err) {
				continue // another owner holds it
			}
			if isTransient(err) {
				l.Logger.Warn("transient error claiming segment, skipping for this pass", "segment", seg.ID, "processor", l.ProcessorName, "error", err)
				continue
			}
			return claimedAny, err
		}
		if !claimed {
			continue
		}
		if !l.active.Add(seg.ID) {
			continue
		}

		claimedAny = true
		worker := l.newWorker(seg)

		if l.MaxSegments <= 0 || l.pool.Live() < l.MaxSegments {
			l.pool.Go("segment-worker", func() { worker.Run(ctx) })
			continue
		}

		// Pool is at capacity: run this one on the Launcher's own
		// goroutine and stop walking further segments this pass (spec
		// §4.2 step 4: "capture the worker as inlineWorker and break").
		inlineWorker = worker
		break
	}

	if inlineWorker != nil {
		l.pool.RunInline(func() { inlineWorker.Run(ctx) })
	}

	return claimedAny, nil
}

// claim attempts to take ownership of seg by fetching its token inside
// a transaction. A false, nil return means the claim genuinely failed
// without error (not expected in practice, kept for symmetry with
// FetchInTransaction's zero value).
func (l *Launcher) claim(ctx context.Context, seg Segment) (bool, error) {
	_, err := eventstream.FetchInTransaction(ctx, l.TxManager, func(ctx context.Context) (eventstream.TrackingToken, error) {
		return l.Store.FetchToken(ctx, l.ProcessorName, seg.ID)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Launcher) newWorker(seg Segment) *SegmentWorker {
	worker := &SegmentWorker{
		ProcessorName: l.ProcessorName,
		Segment:       seg,
		Source:        l.Source,
		Store:         l.Store,
		TxManager:     l.TxManager,
		Invoker:       l.Invoker,
		ErrorHandler:  l.ErrorHandler,
		Monitor:       l.Monitor,
		Assembler:     &BatchAssembler{BatchSize: l.BatchSize},
	}
	worker.state = l.state
	worker.active = l.active
	worker.logger = l.Logger
	return worker
}

// sleep waits for d in small slices so shutdown is noticed promptly
// instead of after the full interval.
func (l *Launcher) sleep(ctx context.Context, d time.Duration) {
	const slice = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !l.state.IsRunning() || ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
