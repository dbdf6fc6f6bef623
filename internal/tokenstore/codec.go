package tokenstore

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/trackingproc/internal/eventprocessor"
	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// TokenCodec serializes and deserializes TrackingTokens for durable
// storage. Spec §3 leaves serialization entirely to the token store; a
// codec is how FileTokenStore discharges that responsibility without
// the core ever needing to know a token's concrete type.
type TokenCodec interface {
	Encode(token eventstream.TrackingToken) ([]byte, error)
	Decode(data []byte) (eventstream.TrackingToken, error)
}

// jsonToken is the on-disk envelope: a type tag plus a type-specific
// payload, so a ReplayToken's inner/current tokens nest recursively.
type jsonToken struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JSONTokenCodec handles GlobalSequenceToken and ReplayToken, the two
// token shapes this module produces or consumes itself. A deployment
// using a different MessageSource's token type supplies its own codec.
type JSONTokenCodec struct{}

func (JSONTokenCodec) Encode(token eventstream.TrackingToken) ([]byte, error) {
	env, err := encodeToken(token)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(env)
}

func encodeToken(token eventstream.TrackingToken) (*jsonToken, error) {
	if token == nil {
		return nil, nil
	}
	switch t := token.(type) {
	case eventstream.GlobalSequenceToken:
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return &jsonToken{Type: "global", Payload: payload}, nil
	case eventprocessor.ReplayToken:
		innerEnv, err := encodeToken(t.Inner())
		if err != nil {
			return nil, err
		}
		currentEnv, err := encodeToken(t.Current())
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(struct {
			Inner   *jsonToken `json:"inner"`
			Current *jsonToken `json:"current"`
		}{Inner: innerEnv, Current: currentEnv})
		if err != nil {
			return nil, err
		}
		return &jsonToken{Type: "replay", Payload: payload}, nil
	default:
		return nil, fmt.Errorf("tokenstore: no codec support for token type %T", token)
	}
}

func (JSONTokenCodec) Decode(data []byte) (eventstream.TrackingToken, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env jsonToken
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return decodeEnvelope(&env)
}

func decodeEnvelope(env *jsonToken) (eventstream.TrackingToken, error) {
	if env == nil {
		return nil, nil
	}
	switch env.Type {
	case "global":
		var t eventstream.GlobalSequenceToken
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case "replay":
		var wrapped struct {
			Inner   *jsonToken `json:"inner"`
			Current *jsonToken `json:"current"`
		}
		if err := json.Unmarshal(env.Payload, &wrapped); err != nil {
			return nil, err
		}
		inner, err := decodeEnvelope(wrapped.Inner)
		if err != nil {
			return nil, err
		}
		current, err := decodeEnvelope(wrapped.Current)
		if err != nil {
			return nil, err
		}
		replay := eventprocessor.NewReplayToken(inner)
		if current != nil {
			replay = replay.AdvancedTo(current).(eventprocessor.ReplayToken)
		}
		return replay, nil
	default:
		return nil, fmt.Errorf("tokenstore: unknown token type %q", env.Type)
	}
}
