package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("whsec_test")

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"payment.confirmed","data":{"sessionId":"session_1"}}`)
	sig := Sign(secret, body)

	assert.Len(t, sig, 64)
	assert.True(t, Verify(secret, body, sig))
	assert.True(t, Verify(secret, body, "sha256="+sig))
	assert.False(t, Verify([]byte("other"), body, sig))
	assert.False(t, Verify(secret, append(body, ' '), sig))
	assert.False(t, Verify(secret, body, "not-hex"))
	assert.False(t, Verify(secret, body, sig[:62]))
}

func TestAuthenticate(t *testing.T) {
	body := []byte(`{"event":"payment.failed","data":{"sessionId":"session_1"}}`)

	t.Run("header", func(t *testing.T) {
		assert.NoError(t, Authenticate(secret, body, Sign(secret, body)))
		assert.ErrorIs(t, Authenticate(secret, body, Sign([]byte("x"), body)), ErrInvalidSignature)
	})

	t.Run("missing", func(t *testing.T) {
		assert.ErrorIs(t, Authenticate(secret, body, ""), ErrMissingSignature)
		assert.ErrorIs(t, Authenticate(secret, []byte("garbage"), ""), ErrMissingSignature)
	})

	t.Run("in-body signature", func(t *testing.T) {
		data := `{"sessionId":"session_1"}`
		ts := "2025-01-01T00:00:00Z"
		sig := SignEnvelope(secret, EventPaymentFailed, ts, []byte(data))
		envelope := func(event, data, ts string) []byte {
			return []byte(`{"event":"` + event + `","data":` + data + `,"timestamp":"` + ts + `","signature":"` + sig + `"}`)
		}

		assert.NoError(t, Authenticate(secret, envelope(EventPaymentFailed, data, ts), ""))

		forged := map[string][]byte{
			"event flipped":     envelope(EventPaymentConfirmed, data, ts),
			"data changed":      envelope(EventPaymentFailed, `{"sessionId":"session_2"}`, ts),
			"timestamp changed": envelope(EventPaymentFailed, data, "2025-01-02T00:00:00Z"),
		}
		for name, body := range forged {
			assert.ErrorIs(t, Authenticate(secret, body, ""), ErrInvalidSignature, name)
		}

		// A signature over data alone no longer authenticates
		dataOnly := []byte(`{"event":"payment.failed","data":` + data + `,"signature":"` + Sign(secret, []byte(data)) + `"}`)
		assert.ErrorIs(t, Authenticate(secret, dataOnly, ""), ErrInvalidSignature)
	})
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"event":"payment.confirmed","data":{"sessionId":"s","txHash":"0xabc"}}`, false},
		{"unknown event still parses", `{"event":"merchant.updated","data":{}}`, false},
		{"missing event", `{"data":{}}`, true},
		{"empty event", `{"event":"","data":{}}`, true},
		{"data not object", `{"event":"payment.failed","data":"x"}`, true},
		{"not json", `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Event)
		})
	}
}

func TestPaymentData(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"payment.confirmed","data":{"sessionId":"session_9","txHash":"0xfeed","amount":11.5,"payerAddress":"0xabc"}}`))
	require.NoError(t, err)
	assert.True(t, env.IsPaymentEvent())

	data, err := env.PaymentData()
	require.NoError(t, err)
	assert.Equal(t, "session_9", data.SessionID)
	assert.Equal(t, "0xfeed", data.TxHash)
	assert.Equal(t, json.Number("11.5"), data.Amount)

	env, err = ParseEnvelope([]byte(`{"event":"payment.confirmed","data":{"txHash":"0xfeed"}}`))
	require.NoError(t, err)
	_, err = env.PaymentData()
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.NotEmpty(t, schemaErr.Errors)
}

func TestNewPaymentEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := NewPaymentEvent(EventPaymentFailed, PaymentData{SessionID: "session_1", Reason: "insufficient_funds"}, now)
	require.NoError(t, err)

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentFailed, env.Event)
	assert.Equal(t, "2026-01-02T03:04:05Z", env.Timestamp)

	data, err := env.PaymentData()
	require.NoError(t, err)
	assert.Equal(t, "insufficient_funds", data.Reason)
}

func TestNewSignedPaymentEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := NewSignedPaymentEvent(secret, EventPaymentFailed, PaymentData{SessionID: "session_1"}, now)
	require.NoError(t, err)
	require.NoError(t, Authenticate(secret, body, ""))

	var env map[string]any
	require.NoError(t, json.Unmarshal(body, &env))
	env["event"] = EventPaymentConfirmed
	flipped, err := json.Marshal(env)
	require.NoError(t, err)
	assert.ErrorIs(t, Authenticate(secret, flipped, ""), ErrInvalidSignature)
	assert.ErrorIs(t, Authenticate([]byte("other"), body, ""), ErrInvalidSignature)
}
