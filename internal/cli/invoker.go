package cli

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// loggingInvoker is the EventHandlerInvoker this binary wires into
// Processor when no richer one is embedded. Spec §1/§6 place the
// invoker out of scope as an external collaborator the core only
// calls; a standalone trackingproc process still needs something
// concrete to drive, so this logs every event it is asked to handle
// rather than dispatching to real business handlers.
type loggingInvoker struct {
	logger *slog.Logger
}

func newLoggingInvoker(logger *slog.Logger) *loggingInvoker {
	return &loggingInvoker{logger: logger}
}

func (i *loggingInvoker) CanHandle(_ context.Context, _ eventstream.TrackedEvent, _ int) (bool, error) {
	return true, nil
}

func (i *loggingInvoker) Handle(_ context.Context, event eventstream.TrackedEvent, segmentID int) error {
	i.logger.Info("handling event",
		"segmentId", segmentID,
		"aggregateId", event.AggregateID,
		"token", event.Token.String(),
	)
	return nil
}

func (i *loggingInvoker) SupportsReset() bool {
	return true
}

func (i *loggingInvoker) PerformReset(_ context.Context) error {
	i.logger.Info("reset hook invoked")
	return nil
}

// loggingErrorHandler logs a handler failure and always propagates it,
// matching BatchAssembler's default expectation that a handler error
// rolls back the batch unless a deployment decides otherwise (spec
// §4.4, §7).
type loggingErrorHandler struct {
	logger *slog.Logger
}

func newLoggingErrorHandler(logger *slog.Logger) *loggingErrorHandler {
	return &loggingErrorHandler{logger: logger}
}

func (h *loggingErrorHandler) HandleError(_ context.Context, err error, event eventstream.TrackedEvent, segmentID int) eventstream.ErrorDecision {
	h.logger.Error("handler error",
		"segmentId", segmentID,
		"aggregateId", event.AggregateID,
		"error", err,
	)
	return eventstream.Propagate
}
