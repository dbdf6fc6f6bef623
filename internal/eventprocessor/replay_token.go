package eventprocessor

import "github.com/ChuLiYu/trackingproc/pkg/eventstream"

// ReplayToken marks "events before me are replays" (spec §3, §9). It
// wraps the position the replay began from (innerToken) and the live
// position currently advancing through the replay window
// (currentToken). Once currentToken reaches or passes innerToken the
// window is closed and plain tokens resume.
type ReplayToken struct {
	inner   eventstream.TrackingToken
	current eventstream.TrackingToken
}

// NewReplayToken starts a replay from the given position: the stream
// will be reopened from the beginning while innerToken marks where
// "live" data resumes.
func NewReplayToken(innerToken eventstream.TrackingToken) ReplayToken {
	return ReplayToken{inner: innerToken, current: nil}
}

func (t ReplayToken) Inner() eventstream.TrackingToken   { return t.inner }
func (t ReplayToken) Current() eventstream.TrackingToken { return t.current }

func (t ReplayToken) Equals(other eventstream.TrackingToken) bool {
	o, ok := other.(ReplayToken)
	if !ok {
		return false
	}
	return tokensEqual(t.inner, o.inner) && tokensEqual(t.current, o.current)
}

func (t ReplayToken) String() string {
	cur := "nil"
	if t.current != nil {
		cur = t.current.String()
	}
	return "replay[inner=" + t.inner.String() + ",current=" + cur + "]"
}

func tokensEqual(a, b eventstream.TrackingToken) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equals(b)
}

// AdvancedTo folds newToken into the replay window: while newToken is
// still behind innerToken, the result is a new ReplayToken carrying
// newToken as the current position; once newToken reaches or passes
// innerToken, the replay window has closed and the plain newToken is
// returned instead (spec §4.5, §9 — "should not be conflated" with the
// stream decorator, which only calls this method).
func (t ReplayToken) AdvancedTo(newToken eventstream.TrackingToken) eventstream.TrackingToken {
	if ordered, ok := newToken.(eventstream.OrderedToken); ok {
		if innerOrdered, ok := t.inner.(eventstream.OrderedToken); ok {
			if ordered.CompareTo(innerOrdered) >= 0 {
				return newToken
			}
		}
	} else if newToken.Equals(t.inner) {
		return newToken
	}
	return ReplayToken{inner: t.inner, current: newToken}
}
