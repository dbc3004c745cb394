package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	tipengine "github.com/tink-protocol/tipengine"
)

// PaymentHeader carries a payment payload on settle requests
const PaymentHeader = "X-PAYMENT"

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodePaymentHeader validates and decodes a payment payload sent either as
// base64-encoded JSON (the X-PAYMENT convention) or as raw JSON.
// It checks:
// - encoding
// - JSON structure
// - required fields and their types
func DecodePaymentHeader(paymentHeader string) (*tipengine.PaymentPayload, error) {
	paymentHeader = strings.TrimSpace(paymentHeader)
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	var decoded []byte
	if strings.HasPrefix(paymentHeader, "{") {
		decoded = []byte(paymentHeader)
	} else {
		if !base64Regex.MatchString(paymentHeader) {
			return nil, fmt.Errorf("invalid payment header format: not valid base64")
		}
		var err error
		decoded, err = base64.StdEncoding.DecodeString(paymentHeader)
		if err != nil {
			return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
		}
	}

	var rawPayload map[string]interface{}
	if err := json.Unmarshal(decoded, &rawPayload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	if _, exists := rawPayload["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	if version, ok := rawPayload["x402Version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	} else if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: x402Version must be at least 1")
	}

	for _, field := range []string{"scheme", "network"} {
		if _, exists := rawPayload[field]; !exists {
			return nil, fmt.Errorf("missing required field: %s", field)
		}
		if _, ok := rawPayload[field].(string); !ok {
			return nil, fmt.Errorf("invalid field type: %s must be a string", field)
		}
	}

	if _, exists := rawPayload["payload"]; !exists {
		return nil, fmt.Errorf("missing required field: payload")
	}
	inner, ok := rawPayload["payload"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid field type: payload must be an object")
	}
	if _, ok := inner["signature"].(string); !ok {
		return nil, fmt.Errorf("missing required field: payload.signature")
	}
	if _, ok := inner["authorization"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("missing required field: payload.authorization")
	}

	var payload tipengine.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}
	return &payload, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader's base64 form
func EncodePaymentHeader(payload tipengine.PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
