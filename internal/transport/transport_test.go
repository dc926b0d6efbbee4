package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	body, err := Encode("ping", map[string]int64{"sentAt": 42})
	require.NoError(t, err)

	f, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, f.Kind)
	assert.Equal(t, "ping", f.Event)

	var p struct {
		SentAt int64 `json:"sentAt"`
	}
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, int64(42), p.SentAt)
}

func TestDecodeEmptyPayload(t *testing.T) {
	body, err := Encode("pong", nil)
	require.NoError(t, err)
	f, err := DecodeEnvelope(body)
	require.NoError(t, err)

	var v map[string]any
	assert.NoError(t, f.Decode(&v))
	assert.Nil(t, v)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}
