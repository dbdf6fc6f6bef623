package tokenstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trackingproc/internal/eventprocessor"
	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

func TestJSONTokenCodecRoundTripsNil(t *testing.T) {
	codec := JSONTokenCodec{}

	data, err := codec.Encode(nil)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestJSONTokenCodecRoundTripsGlobalSequenceToken(t *testing.T) {
	codec := JSONTokenCodec{}
	original := eventstream.NewGlobalSequenceToken(42)

	data, err := codec.Encode(original)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestJSONTokenCodecRoundTripsOpenReplayToken(t *testing.T) {
	codec := JSONTokenCodec{}
	inner := eventstream.NewGlobalSequenceToken(10)
	replay := eventprocessor.NewReplayToken(inner)
	replay = replay.AdvancedTo(eventstream.NewGlobalSequenceToken(3)).(eventprocessor.ReplayToken)

	data, err := codec.Encode(replay)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	decodedReplay, ok := decoded.(eventprocessor.ReplayToken)
	require.True(t, ok)
	assert.Equal(t, inner, decodedReplay.Inner())
	assert.Equal(t, eventstream.NewGlobalSequenceToken(3), decodedReplay.Current())
}

func TestJSONTokenCodecRoundTripsFreshReplayToken(t *testing.T) {
	codec := JSONTokenCodec{}
	inner := eventstream.NewGlobalSequenceToken(5)
	replay := eventprocessor.NewReplayToken(inner)

	data, err := codec.Encode(replay)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	decodedReplay, ok := decoded.(eventprocessor.ReplayToken)
	require.True(t, ok)
	assert.Nil(t, decodedReplay.Current())
}

func TestJSONTokenCodecDecodeRejectsUnknownType(t *testing.T) {
	codec := JSONTokenCodec{}
	_, err := codec.Decode([]byte(`{"type":"mystery","payload":null}`))
	assert.Error(t, err)
}

func TestJSONTokenCodecEncodeRejectsUnsupportedType(t *testing.T) {
	codec := JSONTokenCodec{}
	_, err := codec.Encode(unsupportedToken{})
	assert.Error(t, err)
}

type unsupportedToken struct{}

func (unsupportedToken) Equals(eventstream.TrackingToken) bool { return false }
func (unsupportedToken) String() string                        { return "unsupported" }
