package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/mechanisms/evm"
	evmsigners "github.com/tink-protocol/tipengine/signers/evm"
	"github.com/tink-protocol/tipengine/stores/memory"
	"github.com/tink-protocol/tipengine/webhook"
)

const (
	testAuthSecret    = "facilitator-secret"
	testWebhookSecret = "whsec_test"
)

type stack struct {
	facilitatorServer *httptest.Server
	appServer         *httptest.Server
	engine            *tipengine.Engine
	chain             *evmsigners.SimulatedSigner
}

// newStack runs a facilitator server and an app server whose engine reaches
// the facilitator over HTTP with JWT auth
func newStack(t *testing.T) *stack {
	t.Helper()

	chain := evmsigners.NewSimulatedSigner("0x000000000000000000000000000000000000fac1", evm.ChainIDAvalancheFuji)
	facilitatorServer := httptest.NewServer(NewServer(
		WithFacilitator(evm.NewExactEvmFacilitator(chain)),
		WithAuthSecret(testAuthSecret),
	).Handler())
	t.Cleanup(facilitatorServer.Close)

	remote := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          facilitatorServer.URL,
		AuthProvider: NewJWTAuthProvider(testAuthSecret, "tipengine", time.Minute),
	})
	engine, err := tipengine.NewEngine(memory.New(), remote, evm.NewExactEvmService(),
		tipengine.WithWebhookSecret(testWebhookSecret))
	require.NoError(t, err)

	appServer := httptest.NewServer(NewServer(WithEngine(engine)).Handler())
	t.Cleanup(appServer.Close)

	return &stack{facilitatorServer: facilitatorServer, appServer: appServer, engine: engine, chain: chain}
}

func (s *stack) tippedSession(t *testing.T) *tipengine.Session {
	t.Helper()
	ctx := context.Background()
	merchant, err := s.engine.RegisterMerchant(ctx, tipengine.RegisterMerchantRequest{
		Name:          "Demo Cafe",
		Slug:          "demo-cafe",
		WalletAddress: "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045",
	})
	require.NoError(t, err)
	session, err := s.engine.CreateSession(ctx, tipengine.CreateSessionRequest{
		MerchantRef: merchant.Slug,
		BillAmount:  decimal.RequireFromString("10.00"),
	})
	require.NoError(t, err)
	session, err = s.engine.SelectTip(ctx, session.ID, tipengine.TipPercent(decimal.NewFromInt(15)))
	require.NoError(t, err)
	return session
}

func TestHealthz(t *testing.T) {
	server := httptest.NewServer(NewServer().Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFacilitatorRoutesRequireBearer(t *testing.T) {
	s := newStack(t)

	resp, err := http.Post(s.facilitatorServer.URL+"/verify", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.facilitatorServer.URL+"/supported", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	supported, ok, err := s.engine.Supported(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, supported.Supports(evm.SchemeExact, evm.NetworkAvalancheFuji))
}

func TestSettleOverHTTP(t *testing.T) {
	s := newStack(t)
	session := s.tippedSession(t)

	// Prepare
	resp, err := http.Post(s.appServer.URL+"/api/payments/prepare/"+session.ID, "application/json", nil)
	require.NoError(t, err)
	var prepared tipengine.PrepareResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prepared))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "11500000", prepared.Requirements.MaxAmountRequired)
	assert.Equal(t, "/api/payments/settle/"+session.ID, prepared.Requirements.Resource)

	// Sign as the payer's wallet
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := evmsigners.NewClientSigner(key)
	payload, err := evm.NewExactEvmClient(payer).CreatePaymentPayload(context.Background(), prepared.Requirements)
	require.NoError(t, err)
	header, err := EncodePaymentHeader(payload)
	require.NoError(t, err)

	settle := func() *tipengine.SettleResult {
		req, err := http.NewRequest(http.MethodPost, s.appServer.URL+"/api/payments/settle/"+session.ID, nil)
		require.NoError(t, err)
		req.Header.Set(PaymentHeader, header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result tipengine.SettleResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		return &result
	}

	first := settle()
	assert.True(t, first.Success)
	assert.Equal(t, tipengine.StatusConfirmed, first.Session.Status)
	assert.Equal(t, payer.Address(), first.Payer)
	assert.Contains(t, first.ExplorerURL, "testnet.snowtrace.io/tx/")

	second := settle()
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Len(t, s.chain.Submitted(), 1)

	// Status
	resp, err = http.Get(s.appServer.URL + "/api/payments/status/" + session.ID)
	require.NoError(t, err)
	var view tipengine.PaymentStatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, tipengine.StatusConfirmed, view.Session.Status)
	require.NotNil(t, view.Transaction)
	assert.Equal(t, first.TxHash, view.Transaction.TxHash)
}

func TestSessionRouteErrors(t *testing.T) {
	s := newStack(t)
	session := s.tippedSession(t)

	resp, err := http.Get(s.appServer.URL + "/api/payments/status/session_missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Settling before prepare is a state error
	req, err := http.NewRequest(http.MethodPost, s.appServer.URL+"/api/payments/settle/"+session.ID,
		bytes.NewReader([]byte(`{"paymentPayload":{"x402Version":1,"scheme":"exact","network":"avalanche-fuji","payload":{"signature":"0x00"}}}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusConflict}, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, s.appServer.URL+"/api/payments/settle/"+session.ID, nil)
	require.NoError(t, err)
	req.Header.Set(PaymentHeader, "!!!")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRoute(t *testing.T) {
	s := newStack(t)
	session := s.tippedSession(t)
	_, err := s.engine.PrepareSession(context.Background(), session.ID)
	require.NoError(t, err)

	body, err := webhook.NewPaymentEvent(webhook.EventPaymentFailed, webhook.PaymentData{
		SessionID: session.ID,
		Reason:    "insufficient_funds",
	}, time.Now())
	require.NoError(t, err)

	post := func(signature string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, s.appServer.URL+"/webhooks/payments", bytes.NewReader(body))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set(webhook.SignatureHeader, signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("deadbeef")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(webhook.Sign([]byte(testWebhookSecret), body))
	var result tipengine.WebhookResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tipengine.WebhookApplied, result.Outcome)
	assert.Equal(t, tipengine.StatusFailed, result.Session.Status)
}
