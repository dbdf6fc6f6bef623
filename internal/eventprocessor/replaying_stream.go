package eventprocessor

import (
	"context"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// replayingStream decorates a MessageStream, rewriting the token of
// every event it hands back so that, for as long as the replay window
// is open, persisted tokens carry the ReplayToken marker (spec §4.5).
// It holds no filtering or batching logic of its own.
type replayingStream struct {
	inner           eventstream.MessageStream
	lastReplayToken *ReplayToken // nil once the window has closed
}

// newReplayingStream wraps inner, which must already be opened from the
// replay token's current position (nil, the start of the stream, for a
// replay that has not yet persisted any replayed event).
func newReplayingStream(inner eventstream.MessageStream, startToken ReplayToken) *replayingStream {
	token := startToken
	return &replayingStream{inner: inner, lastReplayToken: &token}
}

func (s *replayingStream) Peek() (eventstream.TrackedEvent, bool) {
	return s.inner.Peek()
}

func (s *replayingStream) HasNextAvailable() bool {
	return s.inner.HasNextAvailable()
}

func (s *replayingStream) HasNextAvailableWithin(ctx context.Context, timeout time.Duration) bool {
	return s.inner.HasNextAvailableWithin(ctx, timeout)
}

func (s *replayingStream) Close() error {
	return s.inner.Close()
}

// NextAvailable obtains the underlying event and rewrites its token.
// While the replay window remains open the outgoing token is a
// ReplayToken advanced to the event's real position; once that position
// reaches or passes the original inner token, the window closes and
// the plain token is emitted from then on.
func (s *replayingStream) NextAvailable(ctx context.Context) (eventstream.TrackedEvent, error) {
	event, err := s.inner.NextAvailable(ctx)
	if err != nil {
		return eventstream.TrackedEvent{}, err
	}

	if s.lastReplayToken == nil {
		return event, nil
	}

	advanced := s.lastReplayToken.AdvancedTo(event.Token)
	rewritten := event.WithToken(advanced)

	if replay, stillReplaying := advanced.(ReplayToken); stillReplaying {
		s.lastReplayToken = &replay
	} else {
		s.lastReplayToken = nil
	}

	return rewritten, nil
}
