package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/trackingproc/internal/workerpool"
	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// ErrResetWhileActive is returned by Processor.ResetTokens while the
// processor is running or segments are still active locally — reset
// requires exclusive access to every segment's token.
var ErrResetWhileActive = errors.New("eventprocessor: cannot reset tokens while segments are active")

// ErrResetUnsupported is returned by Processor.ResetTokens when the
// wired EventHandlerInvoker does not support the reset protocol.
var ErrResetUnsupported = errors.New("eventprocessor: invoker does not support reset")

// Config bundles the wiring and tuning knobs for a Processor (spec §6).
type Config struct {
	ProcessorName       string
	Source              eventstream.MessageSource
	Store               eventstream.TokenStore
	TxManager           eventstream.TransactionManager
	Invoker             eventstream.EventHandlerInvoker
	ErrorHandler        eventstream.ErrorHandler
	Monitor             eventstream.MessageMonitor
	MaxThreadCount      int
	InitialSegmentCount int
	BatchSize           int
	Logger              *slog.Logger
}

// Processor is the public façade over the tracking event processor
// (spec §4.1): start, shutDown, resetTokens, isRunning, isError, plus
// the supplemented releaseSegment/permanentlyReleaseClaim operations.
type Processor struct {
	cfg Config

	state  *stateHolder
	active *activeSegments
	pool   *workerpool.Factory

	cancel context.CancelFunc
}

// New constructs a Processor in NotStarted state.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = noopMonitor{}
	}
	return &Processor{
		cfg:    cfg,
		state:  newStateHolder(),
		active: newActiveSegments(),
		pool:   workerpool.New(),
	}
}

// Start atomically transitions the processor to Started and, only on
// the edge into that state, spawns the Launcher. Idempotent against
// successive calls while already started.
func (p *Processor) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(NotStarted, Started) &&
		!p.state.CompareAndSwap(Paused, Started) &&
		!p.state.CompareAndSwap(PausedError, Started) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	launcher := newLauncher(
		p.cfg.ProcessorName,
		p.cfg.Source,
		p.cfg.Store,
		p.cfg.TxManager,
		p.cfg.Invoker,
		p.cfg.ErrorHandler,
		p.cfg.Monitor,
		p.cfg.MaxThreadCount,
		p.cfg.InitialSegmentCount,
		p.cfg.BatchSize,
		p.cfg.Logger,
		p.state,
		p.active,
		p.pool,
	)

	p.pool.Go("launcher", func() { launcher.Run(runCtx) })
}

// ShutDown sets state to ShutDown and blocks until every worker goroutine
// (including any inline one) has exited. If ctx is cancelled first,
// ShutDown returns early; callers that need a hard deadline should pass
// a context with a timeout.
func (p *Processor) ShutDown(ctx context.Context) error {
	p.state.Set(ShutDown)
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.pool.Await()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetTokens fails unless the invoker supports reset, the processor is
// not running, and no segment is currently active locally. It fetches every segment's token, invokes
// the reset hook, and rewrites each token as a ReplayToken, all inside
// one transaction so the reset is all-or-nothing.
func (p *Processor) ResetTokens(ctx context.Context) error {
	if !p.cfg.Invoker.SupportsReset() {
		return ErrResetUnsupported
	}
	// Both guards are required (spec §4.1, §8 property 7): a Launcher
	// that hasn't claimed anything yet still owns the right to claim, so
	// active.Len()==0 alone does not mean the processor is quiescent.
	if p.state.IsRunning() {
		return ErrResetWhileActive
	}
	if p.active.Len() > 0 {
		return ErrResetWhileActive
	}

	return p.cfg.TxManager.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		ids, err := p.cfg.Store.FetchSegments(ctx, p.cfg.ProcessorName)
		if err != nil {
			return err
		}

		originals := make(map[int]eventstream.TrackingToken, len(ids))
		for _, id := range ids {
			token, err := p.cfg.Store.FetchToken(ctx, p.cfg.ProcessorName, id)
			if err != nil {
				return err
			}
			originals[id] = token
		}

		if err := p.cfg.Invoker.PerformReset(ctx); err != nil {
			return err
		}

		for id, original := range originals {
			replay := NewReplayToken(original)
			if err := p.cfg.Store.StoreToken(ctx, replay, p.cfg.ProcessorName, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseSegment releases a currently-held claim so another node may
// pick the segment up, without deleting its token row (supplemented
// operation, spec's Axon-parity "releaseSegment").
func (p *Processor) ReleaseSegment(ctx context.Context, segmentID int) error {
	return p.cfg.TxManager.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		return p.cfg.Store.ReleaseClaim(ctx, p.cfg.ProcessorName, segmentID)
	})
}

// PermanentlyReleaseClaim releases the claim and deletes the segment's
// token row entirely (supplemented operation, spec's Axon-parity
// "permanentlyReleaseClaim" — used to retire a segment for good).
func (p *Processor) PermanentlyReleaseClaim(ctx context.Context, segmentID int) error {
	return p.cfg.TxManager.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		return p.cfg.Store.DeleteToken(ctx, p.cfg.ProcessorName, segmentID)
	})
}

// IsRunning reports whether state == Started.
func (p *Processor) IsRunning() bool { return p.state.IsRunning() }

// IsError reports whether state == PausedError.
func (p *Processor) IsError() bool { return p.state.IsError() }

// State returns the current lifecycle state.
func (p *Processor) State() TrackingState { return p.state.Get() }

// ActiveSegmentCount returns the number of segments this instance is
// currently processing, observable as spec's "activeProcessorThreads".
func (p *Processor) ActiveSegmentCount() int { return p.active.Len() }

// Status is a point-in-time snapshot for diagnostics/CLI use.
type Status struct {
	ProcessorName  string
	State          TrackingState
	ActiveSegments []int
}

func (p *Processor) Status() Status {
	return Status{
		ProcessorName:  p.cfg.ProcessorName,
		State:          p.state.Get(),
		ActiveSegments: p.active.Snapshot(),
	}
}

func (s Status) String() string {
	return fmt.Sprintf("processor=%s state=%s activeSegments=%v", s.ProcessorName, s.State, s.ActiveSegments)
}

type noopMonitor struct{}

func (noopMonitor) OnEventIngested(eventstream.TrackedEvent, int)        {}
func (noopMonitor) OnEventIgnored(eventstream.TrackedEvent, int)         {}
func (noopMonitor) OnBatchCommitted(int, int, eventstream.TrackingToken) {}
func (noopMonitor) OnClaimConflict(string, int)                          {}
func (noopMonitor) OnError(error, int)                                   {}
