package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadFromJSON(t *testing.T) {
	p, err := PayloadFromJSON([]byte(`{"MessageSid":"SM1","ErrorCode":30003,"Price":-0.0075,"Body":null,"Flag":true}`))
	require.NoError(t, err)
	assert.Equal(t, "SM1", p["MessageSid"])
	assert.Equal(t, "30003", p["ErrorCode"])
	assert.Equal(t, "-0.0075", p["Price"])
	assert.Equal(t, "true", p["Flag"])
	_, ok := p["Body"]
	assert.False(t, ok)

	_, err = PayloadFromJSON([]byte(`{"nested":{"a":1}}`))
	require.Error(t, err)

	_, err = PayloadFromJSON([]byte(`not json`))
	require.Error(t, err)
}

func TestFingerprint_IgnoresKeySpelling(t *testing.T) {
	a := Payload{"MessageSid": "SM1", "MessageStatus": "delivered"}.fields()
	b := Payload{"message_sid": "SM1", "status": "delivered"}.fields()
	c := Payload{"MessageSid": "SM1", "MessageStatus": "failed"}.fields()

	assert.Equal(t, fingerprint(a), fingerprint(b))
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}
