// ============================================================================
// Trackingproc Segment Worker - Per-Segment Processing Loop
// ============================================================================
//
// Package: internal/eventprocessor
// File: segment_worker.go
// Purpose: Drive one claimed segment forever: open a stream, pull and
//          commit batches, and back off on failure.
//
// How it works:
//   Run loops until the processor leaves Started or ctx is cancelled:
//   1. Open a stream from the segment's claimed token (wrapping it in a
//      replayingStream if a replay is in progress)
//   2. Hand the stream to BatchAssembler.ProcessBatch
//   3. On success, loop immediately; on claim conflict wait a fixed
//      interval, on other error back off (exponential, capped), then
//      retry
//
// Failure Handling:
//   - Claim conflict: warn once, wait claimConflictWaitSeconds, retry
//   - Other error: release claim, close stream, exponential backoff,
//     reopen next iteration
//   - Panic: recovered in cleanup, transitions state to PausedError
//     without taking down any other segment's worker
//
// ============================================================================

package eventprocessor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// SegmentWorker runs the per-segment processing loop (spec §4.3): it
// ensures a stream is open against the segment's claimed token, pulls
// and commits batches through a BatchAssembler, and applies the retry/
// backoff table in spec §4.6 on failure.
//
// Grounded on controller.go's resultLoop/timeoutLoop error-handling
// style and worker.go's per-task context.WithTimeout/select idiom,
// generalized from "execute one job" to "drive one segment forever".
type SegmentWorker struct {
	ProcessorName string
	Segment       Segment
	Source        eventstream.MessageSource
	Store         eventstream.TokenStore
	TxManager     eventstream.TransactionManager
	Invoker       eventstream.EventHandlerInvoker
	ErrorHandler  eventstream.ErrorHandler
	Monitor       eventstream.MessageMonitor
	Assembler     *BatchAssembler

	state  *stateHolder
	active *activeSegments
	logger *slog.Logger
}

const (
	initialErrorWaitSeconds  = 1
	maxErrorWaitSeconds      = 60
	claimConflictWaitSeconds = 5
)

// Run executes the loop until the processor state leaves Started or the
// context is cancelled. It always releases the claim and removes the
// segment from the active set on the way out, including on panic.
func (w *SegmentWorker) Run(ctx context.Context) {
	defer w.cleanup(ctx)

	errorWaitSeconds := initialErrorWaitSeconds
	var stream eventstream.MessageStream
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()
	claimConflictLogged := false

	for w.state.IsRunning() && ctx.Err() == nil {
		if stream == nil {
			opened, err := w.openStream(ctx)
			if err != nil {
				if isUnableToClaim(err) {
					if !claimConflictLogged {
						w.logger.Warn("unable to claim segment, will retry", "segment", w.Segment.ID, "processor", w.ProcessorName)
						claimConflictLogged = true
					}
					w.Monitor.OnClaimConflict(w.ProcessorName, w.Segment.ID)
					if !w.sleep(ctx, claimConflictWaitSeconds*time.Second) {
						return
					}
					continue
				}
				w.logger.Error("failed to open segment stream", "segment", w.Segment.ID, "error", err)
				w.Monitor.OnError(err, w.Segment.ID)
				if !w.sleep(ctx, time.Duration(errorWaitSeconds)*time.Second) {
					return
				}
				errorWaitSeconds = minInt(errorWaitSeconds*2, maxErrorWaitSeconds)
				continue
			}
			stream = opened
			claimConflictLogged = false
		}

		_, err := w.Assembler.ProcessBatch(ctx, w.Segment, stream, w.Store, w.TxManager, w.ProcessorName, w.Invoker, w.ErrorHandler, w.Monitor)
		if err == nil {
			errorWaitSeconds = initialErrorWaitSeconds
			claimConflictLogged = false
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.logger.Info("segment worker shutting down", "segment", w.Segment.ID)
			return
		}

		if isUnableToClaim(err) {
			if !claimConflictLogged {
				w.logger.Warn("lost claim mid-batch, will retry", "segment", w.Segment.ID)
				claimConflictLogged = true
			}
			w.Monitor.OnClaimConflict(w.ProcessorName, w.Segment.ID)
			errorWaitSeconds = claimConflictWaitSeconds
			if !w.sleep(ctx, time.Duration(errorWaitSeconds)*time.Second) {
				return
			}
			continue
		}

		// Other exception: release claim, close stream, back off, and
		// reopen next iteration (spec §4.3/§4.6).
		w.logger.Error("segment batch failed, releasing claim", "segment", w.Segment.ID, "error", err)
		w.Monitor.OnError(err, w.Segment.ID)
		_ = stream.Close()
		stream = nil
		w.releaseClaim(ctx)
		if !w.sleep(ctx, time.Duration(errorWaitSeconds)*time.Second) {
			return
		}
		errorWaitSeconds = minInt(errorWaitSeconds*2, maxErrorWaitSeconds)
	}
}

// openStream fetches (and thereby claims) the current token, then opens
// a MessageStream from it, wrapping in a replayingStream when the
// stored token marks an in-progress replay.
func (w *SegmentWorker) openStream(ctx context.Context) (eventstream.MessageStream, error) {
	token, err := eventstream.FetchInTransaction(ctx, w.TxManager, func(ctx context.Context) (eventstream.TrackingToken, error) {
		return w.Store.FetchToken(ctx, w.ProcessorName, w.Segment.ID)
	})
	if err != nil {
		return nil, err
	}

	if replay, ok := token.(ReplayToken); ok {
		openFrom := replay.Current()
		raw, err := w.Source.OpenStream(ctx, openFrom)
		if err != nil {
			return nil, err
		}
		return newReplayingStream(raw, replay), nil
	}

	return w.Source.OpenStream(ctx, token)
}

// cleanup runs once the loop exits for any reason, after Run's deferred
// close of a still-open stream: release the claim (swallowing
// failures — spec §9 open question 1), and remove the segment from the
// active set. A panic
// escaping the loop body is recovered here and transitions the
// processor to PausedError without taking down other segments.
func (w *SegmentWorker) cleanup(ctx context.Context) {
	if r := recover(); r != nil {
		w.logger.Error("uncaught panic in segment worker", "segment", w.Segment.ID, "panic", r)
		w.state.Set(PausedError)
	}
	w.releaseClaim(ctx)
	w.active.Remove(w.Segment.ID)
}

func (w *SegmentWorker) releaseClaim(ctx context.Context) {
	releaseCtx := context.WithoutCancel(ctx)
	err := w.TxManager.ExecuteInTransaction(releaseCtx, func(ctx context.Context) error {
		return w.Store.ReleaseClaim(ctx, w.ProcessorName, w.Segment.ID)
	})
	if err != nil {
		w.logger.Warn("failed to release claim", "segment", w.Segment.ID, "error", err)
	}
}

// sleep waits for d, or until ctx is cancelled or state leaves Started,
// whichever comes first (spec §4.3 "waitFor(s)", checked in slices so
// shutdown is prompt rather than waiting out the full backoff).
func (w *SegmentWorker) sleep(ctx context.Context, d time.Duration) bool {
	const slice = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !w.state.IsRunning() || ctx.Err() != nil {
			return false
		}
		remaining := time.Until(deadline)
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	return w.state.IsRunning() && ctx.Err() == nil
}

func isUnableToClaim(err error) bool {
	var claimErr *eventstream.ErrUnableToClaim
	return errors.As(err, &claimErr)
}

func isTransient(err error) bool {
	var transientErr *eventstream.ErrTransient
	return errors.As(err, &transientErr)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
