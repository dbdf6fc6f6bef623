package eventprocessor

import (
	"context"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// BatchAssembler pulls a bounded batch from a segment's stream, applies
// the segment predicate, coalesces upcast groups sharing a tracking
// token, and commits the batch's handler side effects and token advance
// in one transaction (spec §4.4).
//
// Grounded on controller.go's dispatchLoop (pop-under-lock batching) and
// worker.go's context-timeout execute loop (the 1s poll / blocking read
// idiom).
type BatchAssembler struct {
	BatchSize int
}

// overInspectionFactor bounds how many raw events BatchAssembler will
// look at while filling one batch, so a segment whose predicate matches
// almost nothing can't starve progress entirely (spec §4.4 step 2).
const overInspectionFactor = 10

// ProcessBatch runs one iteration of the protocol in spec §4.4 for a
// single segment against stream. It reports whether any forward
// progress was made (a batch was committed or the token advanced past
// filtered-out events); an idle round that only extends the claim
// lease reports false. It propagates token-store errors (including
// *eventstream.ErrUnableToClaim) unchanged so SegmentWorker's retry
// table applies.
func (a *BatchAssembler) ProcessBatch(
	ctx context.Context,
	segment Segment,
	stream eventstream.MessageStream,
	store eventstream.TokenStore,
	tm eventstream.TransactionManager,
	processorName string,
	invoker eventstream.EventHandlerInvoker,
	errorHandler eventstream.ErrorHandler,
	monitor eventstream.MessageMonitor,
) (bool, error) {
	if !stream.HasNextAvailableWithin(ctx, time.Second) {
		err := tm.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			return store.ExtendClaim(ctx, processorName, segment.ID)
		})
		return false, err
	}

	batchSize := a.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	var (
		batch     []eventstream.TrackedEvent
		lastToken eventstream.TrackingToken
		inspected int
	)

	for len(batch) < batchSize && inspected < batchSize*overInspectionFactor {
		if !stream.HasNextAvailable() {
			break
		}
		event, err := stream.NextAvailable(ctx)
		if err != nil {
			return false, err
		}
		inspected++
		lastToken = event.Token
		monitor.OnEventIngested(event, segment.ID)

		if segment.Matches(event.AggregateID) {
			batch = append(batch, event)
		} else {
			monitor.OnEventIgnored(event, segment.ID)
		}
	}

	if lastToken == nil {
		// Nothing was actually read this round (stream said available
		// but a concurrent read lost the race); nothing to persist.
		return false, nil
	}

	if len(batch) == 0 {
		// Invariant 3: filtered-out events still advance the token.
		err := tm.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			return store.StoreToken(ctx, lastToken, processorName, segment.ID)
		})
		return err == nil, err
	}

	// Upcast coalescing: consecutive events sharing lastToken must
	// commit together (spec §4.4 step 4, §8 property 5).
	for {
		peeked, ok := stream.Peek()
		if !ok || !peeked.Token.Equals(lastToken) {
			break
		}
		event, err := stream.NextAvailable(ctx)
		if err != nil {
			return false, err
		}
		monitor.OnEventIngested(event, segment.ID)
		if segment.Matches(event.AggregateID) {
			batch = append(batch, event)
		} else {
			monitor.OnEventIgnored(event, segment.ID)
		}
	}

	if err := a.commit(ctx, segment, batch, lastToken, store, tm, processorName, invoker, errorHandler); err != nil {
		return false, err
	}
	monitor.OnBatchCommitted(segment.ID, len(batch), lastToken)
	return true, nil
}

// commit invokes handlers for every event in the batch and persists
// lastToken, all inside one transaction-manager callback: extend the
// claim on the first message, store the token after the last (spec §9
// open question, resolved per the ordering it specifies).
func (a *BatchAssembler) commit(
	ctx context.Context,
	segment Segment,
	batch []eventstream.TrackedEvent,
	lastToken eventstream.TrackingToken,
	store eventstream.TokenStore,
	tm eventstream.TransactionManager,
	processorName string,
	invoker eventstream.EventHandlerInvoker,
	errorHandler eventstream.ErrorHandler,
) error {
	return tm.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		if err := store.ExtendClaim(ctx, processorName, segment.ID); err != nil {
			return err
		}

		for _, event := range batch {
			canHandle, err := invoker.CanHandle(ctx, event, segment.ID)
			if err != nil {
				return err
			}
			if !canHandle {
				continue
			}
			if err := invoker.Handle(ctx, event, segment.ID); err != nil {
				if errorHandler.HandleError(ctx, err, event, segment.ID) == eventstream.Propagate {
					return err
				}
			}
		}

		return store.StoreToken(ctx, lastToken, processorName, segment.ID)
	})
}
