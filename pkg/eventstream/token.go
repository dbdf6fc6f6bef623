package eventstream

import "strconv"

// GlobalSequenceToken is the simplest possible TrackingToken: a
// monotonically increasing position in a single, totally-ordered
// stream. Real token-store backends may use a different concrete type
// (e.g. a Kafka offset-per-partition map); the core never constructs
// tokens itself except when wrapping them in a ReplayToken, so it never
// depends on this concrete type.
type GlobalSequenceToken struct {
	Sequence uint64
}

// NewGlobalSequenceToken constructs a token at the given position.
func NewGlobalSequenceToken(sequence uint64) GlobalSequenceToken {
	return GlobalSequenceToken{Sequence: sequence}
}

func (t GlobalSequenceToken) Equals(other TrackingToken) bool {
	o, ok := other.(GlobalSequenceToken)
	return ok && o.Sequence == t.Sequence
}

func (t GlobalSequenceToken) CompareTo(other TrackingToken) int {
	o := other.(GlobalSequenceToken)
	switch {
	case t.Sequence < o.Sequence:
		return -1
	case t.Sequence > o.Sequence:
		return 1
	default:
		return 0
	}
}

func (t GlobalSequenceToken) String() string {
	return "seq:" + strconv.FormatUint(t.Sequence, 10)
}
