package http

import (
	"encoding/base64"
	"strings"
	"testing"
)

const validPayloadJSON = `{
	"x402Version": 1,
	"scheme": "exact",
	"network": "avalanche-fuji",
	"payload": {
		"signature": "0xabc",
		"authorization": {"from": "0x1", "to": "0x2"}
	}
}`

func TestDecodePaymentHeader(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(validPayloadJSON))

	for name, header := range map[string]string{"base64": encoded, "raw json": validPayloadJSON} {
		t.Run(name, func(t *testing.T) {
			payload, err := DecodePaymentHeader(header)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if payload.X402Version != 1 || payload.Scheme != "exact" || payload.Network != "avalanche-fuji" {
				t.Errorf("Unexpected payload: %+v", payload)
			}
			if payload.Payload["signature"] != "0xabc" {
				t.Errorf("Expected signature 0xabc, got %v", payload.Payload["signature"])
			}
		})
	}
}

func TestDecodePaymentHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr string
	}{
		{"empty", "", "payment header is empty"},
		{"not base64", "!!!", "not valid base64"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello")), "not valid JSON"},
		{"missing version", `{"scheme":"exact"}`, "missing required field: x402Version"},
		{"version type", `{"x402Version":"1"}`, "x402Version must be a number"},
		{"version value", `{"x402Version":0}`, "at least 1"},
		{"missing scheme", `{"x402Version":1,"network":"avalanche-fuji"}`, "missing required field: scheme"},
		{"network type", `{"x402Version":1,"scheme":"exact","network":5}`, "network must be a string"},
		{"missing payload", `{"x402Version":1,"scheme":"exact","network":"avalanche-fuji"}`, "missing required field: payload"},
		{"payload type", `{"x402Version":1,"scheme":"exact","network":"avalanche-fuji","payload":"x"}`, "payload must be an object"},
		{"missing signature", `{"x402Version":1,"scheme":"exact","network":"avalanche-fuji","payload":{"authorization":{}}}`, "payload.signature"},
		{"missing authorization", `{"x402Version":1,"scheme":"exact","network":"avalanche-fuji","payload":{"signature":"0x"}}`, "payload.authorization"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePaymentHeader(tt.header)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestEncodePaymentHeaderRoundTrip(t *testing.T) {
	payload, err := DecodePaymentHeader(validPayloadJSON)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	encoded, err := EncodePaymentHeader(*payload)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	again, err := DecodePaymentHeader(encoded)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.Network != payload.Network {
		t.Errorf("Expected network %s, got %s", payload.Network, again.Network)
	}
}
