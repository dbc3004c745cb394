package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tipengine "github.com/tink-protocol/tipengine"
)

func testPayload() tipengine.PaymentPayload {
	return tipengine.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "avalanche-fuji",
		Payload: map[string]interface{}{
			"signature": "0x" + strings.Repeat("11", 65),
			"authorization": map[string]interface{}{
				"from": "0x0000000000000000000000000000000000000001",
				"to":   "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045",
			},
		},
	}
}

func testRequirements() tipengine.PaymentRequirements {
	return tipengine.PaymentRequirements{
		Scheme:            "exact",
		Network:           "avalanche-fuji",
		MaxAmountRequired: "11500000",
		PayTo:             "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045",
		MaxTimeoutSeconds: 300,
	}
}

func TestNewHTTPFacilitatorClient(t *testing.T) {
	client := NewHTTPFacilitatorClient(nil)
	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if client.URL() != DefaultFacilitatorURL {
		t.Errorf("Expected default URL %s, got %s", DefaultFacilitatorURL, client.URL())
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %s", client.httpClient.Timeout)
	}

	client = NewHTTPFacilitatorClient(&FacilitatorConfig{URL: "https://facilitator.example", Timeout: time.Second})
	if client.URL() != "https://facilitator.example" {
		t.Errorf("Expected custom URL, got %s", client.URL())
	}
	if client.httpClient.Timeout != time.Second {
		t.Errorf("Expected timeout 1s, got %s", client.httpClient.Timeout)
	}
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var requestBody facilitatorRequest
		if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if requestBody.X402Version != 1 {
			t.Errorf("Expected version 1 in request, got %d", requestBody.X402Version)
		}
		if requestBody.PaymentRequirements.MaxAmountRequired != "11500000" {
			t.Errorf("Unexpected requirements: %+v", requestBody.PaymentRequirements)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tipengine.VerifyResponse{IsValid: true, Payer: "0xverifiedpayer"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	response, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !response.IsValid {
		t.Error("Expected valid response")
	}
	if response.Payer != "0xverifiedpayer" {
		t.Errorf("Expected payer 0xverifiedpayer, got %s", response.Payer)
	}
}

func TestHTTPFacilitatorClientVerifyRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tipengine.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	response, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("A refusal with a reason should not be an error: %v", err)
	}
	if response.IsValid || response.InvalidReason != "insufficient_funds" {
		t.Errorf("Unexpected response: %+v", response)
	}
}

func TestHTTPFacilitatorClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tipengine.SettleResponse{
			Success:     true,
			Transaction: "0xtxhash",
			Network:     "avalanche-fuji",
			Payer:       "0xpayer",
		})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	response, err := client.Settle(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !response.Success || response.Transaction != "0xtxhash" {
		t.Errorf("Unexpected response: %+v", response)
	}
}

func TestHTTPFacilitatorClientSettleErrors(t *testing.T) {
	t.Run("reason on non-200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tipengine.SettleResponse{Success: true, ErrorReason: "invalid_transaction_state"})
		}))
		defer server.Close()

		response, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL}).
			Settle(context.Background(), testPayload(), testRequirements())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if response.Success {
			t.Error("Expected Success=false for non-200 response")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}))
		defer server.Close()

		_, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL}).
			Settle(context.Background(), testPayload(), testRequirements())
		if err == nil || !strings.Contains(err.Error(), "502") {
			t.Errorf("Expected status in error, got %v", err)
		}
	})
}

func TestHTTPFacilitatorClientGetSupportedRetries(t *testing.T) {
	getSupportedRetryBaseDelay = time.Millisecond
	defer func() { getSupportedRetryBaseDelay = time.Second }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(tipengine.SupportedResponse{
			Kinds: []tipengine.SupportedKind{{X402Version: 1, Scheme: "exact", Network: "avalanche-fuji"}},
		})
	}))
	defer server.Close()

	supported, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL}).GetSupported(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if !supported.Supports("exact", "avalanche-fuji") {
		t.Errorf("Expected exact/avalanche-fuji support, got %+v", supported)
	}
}

func TestHTTPFacilitatorClientGetSupportedNoRetryOn500(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL}).GetSupported(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
}

func TestHTTPFacilitatorClientJWTAuth(t *testing.T) {
	const secret = "facilitator-secret"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := ParseBearer(r.Header.Get("Authorization"), []byte(secret))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.Subject != "tipengine" || claims.Scope != "verify" {
			t.Errorf("Unexpected claims: %+v", claims)
		}
		json.NewEncoder(w).Encode(tipengine.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: NewJWTAuthProvider(secret, "tipengine", time.Minute),
	})
	response, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !response.IsValid {
		t.Error("Expected valid response")
	}

	if _, err := ParseBearer("Bearer not-a-token", []byte(secret)); err == nil {
		t.Error("Expected garbage token to be rejected")
	}
	if _, err := ParseBearer("", []byte(secret)); err != errMissingAuthorization {
		t.Errorf("Expected missing authorization, got %v", err)
	}
}
