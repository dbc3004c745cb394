// Package webhook signs, authenticates and parses payment notifications
// delivered by the settlement provider.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// SignatureHeader carries the hex HMAC of the raw request body
const SignatureHeader = "X-Tink-Signature"

// Event types
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventDisputeCreated   = "dispute.created"
	EventDisputeResolved  = "dispute.resolved"
)

var (
	ErrMissingSignature = errors.New("webhook signature missing")
	ErrInvalidSignature = errors.New("webhook signature invalid")
)

// Envelope is a delivered notification
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Signature is an in-body MAC over event, timestamp and the raw data
	// object (see SignEnvelope), used by senders that cannot set headers
	Signature string `json:"signature,omitempty"`
}

// PaymentData is the data object of payment.* events
type PaymentData struct {
	SessionID    string `json:"sessionId"`
	TxHash       string `json:"txHash,omitempty"`
	MerchantID   string `json:"merchantId,omitempty"`
	PayerAddress string `json:"payerAddress,omitempty"`
	Network      string `json:"network,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`

	// Amounts are informational; the session's own amounts are authoritative
	Amount    json.Number `json:"amount,omitempty"`
	TipAmount json.Number `json:"tipAmount,omitempty"`
}

const envelopeSchema = `{
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "data": {"type": "object"},
    "timestamp": {"type": "string"},
    "signature": {"type": "string"}
  }
}`

const paymentDataSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "txHash": {"type": "string"},
    "merchantId": {"type": "string"},
    "payerAddress": {"type": "string"},
    "network": {"type": "string"},
    "reason": {"type": "string"},
    "amount": {"type": ["number", "string"]},
    "tipAmount": {"type": ["number", "string"]}
  }
}`

var (
	envelopeLoader    = gojsonschema.NewStringLoader(envelopeSchema)
	paymentDataLoader = gojsonschema.NewStringLoader(paymentDataSchema)
)

// SchemaError lists every schema violation found in a document
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return "webhook schema validation failed: " + strings.Join(e.Errors, "; ")
}

func validate(schema gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("webhook schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return &SchemaError{Errors: problems}
}

// ParseEnvelope validates and decodes a raw notification body
func ParseEnvelope(body []byte) (*Envelope, error) {
	if err := validate(envelopeLoader, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	return &env, nil
}

// PaymentData validates and decodes the data object of a payment.* event
func (e *Envelope) PaymentData() (*PaymentData, error) {
	if err := validate(paymentDataLoader, e.Data); err != nil {
		return nil, err
	}
	var data PaymentData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode payment data: %w", err)
	}
	return &data, nil
}

// IsPaymentEvent reports whether the event changes payment state
func (e *Envelope) IsPaymentEvent() bool {
	return e.Event == EventPaymentConfirmed || e.Event == EventPaymentFailed
}

// Sign returns the lowercase hex HMAC-SHA256 of body under secret
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature (optionally "sha256=" prefixed) in constant time
func Verify(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// signedContent is the in-body signing input: event, timestamp and raw data
// joined by "."
func signedContent(event, timestamp string, data []byte) []byte {
	content := make([]byte, 0, len(event)+len(timestamp)+len(data)+2)
	content = append(content, event...)
	content = append(content, '.')
	content = append(content, timestamp...)
	content = append(content, '.')
	return append(content, data...)
}

// SignEnvelope returns the in-body signature for an envelope's event,
// timestamp and raw data
func SignEnvelope(secret []byte, event, timestamp string, data []byte) string {
	return Sign(secret, signedContent(event, timestamp, data))
}

// Authenticate checks a delivery against secret. The header MAC covers the raw
// body; without a header the envelope's own signature field must cover its
// event, timestamp and raw data object.
func Authenticate(secret, body []byte, headerSignature string) error {
	if headerSignature != "" {
		if !Verify(secret, body, headerSignature) {
			return ErrInvalidSignature
		}
		return nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Signature == "" {
		return ErrMissingSignature
	}
	if !Verify(secret, signedContent(env.Event, env.Timestamp, env.Data), env.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// NewPaymentEvent builds a signed-ready body for a payment event
func NewPaymentEvent(event string, data PaymentData, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Event:     event,
		Data:      raw,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// NewSignedPaymentEvent builds a payment event body carrying its own in-body
// signature
func NewSignedPaymentEvent(secret []byte, event string, data PaymentData, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	timestamp := now.UTC().Format(time.RFC3339)
	return json.Marshal(Envelope{
		Event:     event,
		Data:      raw,
		Timestamp: timestamp,
		Signature: SignEnvelope(secret, event, timestamp, raw),
	})
}
