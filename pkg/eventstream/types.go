// Package eventstream defines the domain types and external ports a
// tracking event processor consumes: the event stream itself, tracking
// tokens, and the token store, transaction manager, handler invoker,
// error handler and monitor it is wired against. Concrete token stores
// live in internal/tokenstore; besides the contracts, this package
// holds only an in-memory MessageSource and a no-op TransactionManager
// (memory.go) for tests and demos.
package eventstream

import (
	"context"
	"time"
)

// AggregateIdentifier identifies the originating aggregate of an event.
// Segment predicates hash this value to decide ownership.
type AggregateIdentifier string

// TrackingToken is an opaque, totally-ordered position in the event
// stream. Tokens are compared for equality by the core; only the stream
// source and token store implementations know how to advance or decode
// one.
type TrackingToken interface {
	// Equals reports whether other denotes the same stream position.
	Equals(other TrackingToken) bool
	String() string
}

// OrderedToken is implemented by tokens whose backend knows a total
// order, not just equality. ReplayToken uses this to decide when a
// replay window has closed (spec: "once currentToken reaches or passes
// innerToken").
type OrderedToken interface {
	TrackingToken
	// CompareTo returns <0, 0, >0 as the receiver is before, at, or
	// after other. other must be of the same concrete type.
	CompareTo(other TrackingToken) int
}

// TrackedEvent is a single event read off the stream, carrying the
// token of its own position.
type TrackedEvent struct {
	Token       TrackingToken
	AggregateID AggregateIdentifier
	Payload     any
	Timestamp   time.Time
}

// WithToken returns a copy of the event carrying a different token.
// ReplayingStream uses this to rewrite tokens without mutating the
// underlying stream's event.
func (e TrackedEvent) WithToken(token TrackingToken) TrackedEvent {
	e.Token = token
	return e
}

// MessageStream is a (possibly infinite) sequence of TrackedEvents
// opened from some starting token. Implementations must be safe for use
// by a single goroutine at a time (one per segment).
type MessageStream interface {
	// Peek returns the next event without consuming it, if one is
	// already buffered.
	Peek() (TrackedEvent, bool)
	// HasNextAvailable reports, without blocking, whether an event is
	// ready to be read.
	HasNextAvailable() bool
	// HasNextAvailableWithin blocks up to timeout waiting for an event
	// to become available, returning false on timeout or if ctx is
	// cancelled first.
	HasNextAvailableWithin(ctx context.Context, timeout time.Duration) bool
	// NextAvailable blocks until an event is available, ctx is
	// cancelled, or the stream is closed.
	NextAvailable(ctx context.Context) (TrackedEvent, error)
	Close() error
}

// MessageSource opens a MessageStream positioned just after token. A nil
// token means "from the start of the stream".
type MessageSource interface {
	OpenStream(ctx context.Context, token TrackingToken) (MessageStream, error)
}

// ErrUnableToClaim is returned by TokenStore.FetchToken/ExtendClaim when
// another owner currently holds the claim. It is not a failure: callers
// back off and retry (spec §4.6/§7).
type ErrUnableToClaim struct {
	ProcessorName string
	SegmentID     int
}

func (e *ErrUnableToClaim) Error() string {
	return "eventstream: unable to claim segment " + itoa(e.SegmentID) + " of " + e.ProcessorName
}

// ErrTransient wraps a TokenStore failure that is expected to clear up
// on its own (a dropped connection, a momentary disk hiccup) as opposed
// to one that should pause the whole processor. Returned from
// FetchToken, it tells the Launcher "skip this segment and keep walking
// the rest of the segments this pass", the same way it already treats
// ErrUnableToClaim; returned from FetchSegments/InitializeTokenSegments,
// the Launcher retries discovery on its next pass. Everything else
// pauses the processor (spec §4.2 step 4, §4.6).
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string {
	return "eventstream: transient failure: " + e.Err.Error()
}

func (e *ErrTransient) Unwrap() error { return e.Err }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TokenStore is the distributed coordination point: a claim is the
// pairing of a token row with an owner identity and a lease. All
// operations are expected by callers to run inside a transaction
// boundary supplied by a TransactionManager.
type TokenStore interface {
	// FetchSegments returns the segment ids known for processorName.
	FetchSegments(ctx context.Context, processorName string) ([]int, error)
	// InitializeTokenSegments creates count fresh segments (root split
	// count ways) for a processor with no existing segments.
	InitializeTokenSegments(ctx context.Context, processorName string, count int) error
	// FetchToken atomically claims segmentId for the caller and returns
	// its currently stored token (nil if never stored). Returns
	// *ErrUnableToClaim if another owner holds the claim.
	FetchToken(ctx context.Context, processorName string, segmentID int) (TrackingToken, error)
	// StoreToken persists token for (processorName, segmentId). The
	// caller must currently hold the claim.
	StoreToken(ctx context.Context, token TrackingToken, processorName string, segmentID int) error
	// ExtendClaim refreshes the lease on an already-held claim.
	ExtendClaim(ctx context.Context, processorName string, segmentID int) error
	// ReleaseClaim releases ownership, if held. Never returns
	// ErrUnableToClaim.
	ReleaseClaim(ctx context.Context, processorName string, segmentID int) error
	// DeleteToken releases the claim and removes the segment's row
	// entirely. Used by the façade's permanent-release operation.
	DeleteToken(ctx context.Context, processorName string, segmentID int) error
}

// TransactionManager wraps an action so the caller's side effects and
// the core's token-store writes commit or roll back together (spec
// invariant 2).
type TransactionManager interface {
	ExecuteInTransaction(ctx context.Context, action func(ctx context.Context) error) error
}

// FetchInTransaction runs supplier inside tm's transaction and returns
// its result. It is a free function, not a TransactionManager method,
// because Go interface methods cannot be generic.
func FetchInTransaction[T any](ctx context.Context, tm TransactionManager, supplier func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var supplierErr error
	txErr := tm.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		result, supplierErr = supplier(ctx)
		return supplierErr
	})
	if txErr != nil {
		var zero T
		return zero, txErr
	}
	return result, supplierErr
}

// EventHandlerInvoker dispatches events to the registered handlers and
// supports the reset protocol.
type EventHandlerInvoker interface {
	CanHandle(ctx context.Context, event TrackedEvent, segmentID int) (bool, error)
	Handle(ctx context.Context, event TrackedEvent, segmentID int) error
	SupportsReset() bool
	PerformReset(ctx context.Context) error
}

// ErrorDecision is returned by an ErrorHandler to say whether a handler
// error should roll back the batch or be swallowed.
type ErrorDecision int

const (
	// Propagate rolls back the batch; the worker retries with a fresh
	// stream (spec §4.6/§7).
	Propagate ErrorDecision = iota
	// Skip lets batch processing continue past the failing event.
	Skip
)

// ErrorHandler decides how a handler failure affects batch processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, event TrackedEvent, segmentID int) ErrorDecision
}

// MessageMonitor observes processing for metrics/diagnostics. No method
// may block or error; implementations should be best-effort.
type MessageMonitor interface {
	OnEventIngested(event TrackedEvent, segmentID int)
	OnEventIgnored(event TrackedEvent, segmentID int)
	OnBatchCommitted(segmentID int, size int, lastToken TrackingToken)
	OnClaimConflict(processorName string, segmentID int)
	OnError(err error, segmentID int)
}
