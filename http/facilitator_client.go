package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tipengine "github.com/tink-protocol/tipengine"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient reaches a remote facilitator over HTTP.
// Implements tipengine.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

var _ tipengine.FacilitatorClient = (*HTTPFacilitatorClient)(nil)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// DefaultFacilitatorURL is used when no URL is configured
const DefaultFacilitatorURL = "http://localhost:4021"

// getSupportedRetries is the number of attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// facilitatorRequest is the body of /verify and /settle
type facilitatorRequest struct {
	X402Version         int                           `json:"x402Version"`
	PaymentPayload      tipengine.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements tipengine.PaymentRequirements `json:"paymentRequirements"`
}

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// URL returns the facilitator base URL
func (c *HTTPFacilitatorClient) URL() string {
	return c.url
}

// Verify checks a payment without settling it
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload tipengine.PaymentPayload, requirements tipengine.PaymentRequirements) (*tipengine.VerifyResponse, error) {
	body, status, err := c.post(ctx, "/verify", payload, requirements, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	var verifyResponse tipengine.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verify response: %w", err)
	}

	// A refusal with a reason is still a verify answer
	if status != http.StatusOK && verifyResponse.InvalidReason == "" {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	return &verifyResponse, nil
}

// Settle executes the transfer
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload tipengine.PaymentPayload, requirements tipengine.PaymentRequirements) (*tipengine.SettleResponse, error) {
	body, status, err := c.post(ctx, "/settle", payload, requirements, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	var settleResponse tipengine.SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}

	if status != http.StatusOK {
		if settleResponse.ErrorReason != "" {
			settleResponse.Success = false
			return &settleResponse, nil
		}
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(body))
	}
	return &settleResponse, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (tipengine.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return tipengine.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return tipengine.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return tipengine.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return tipengine.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse tipengine.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return tipengine.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return tipengine.SupportedResponse{}, ctx.Err()
			}
		}

		return tipengine.SupportedResponse{}, lastErr
	}

	return tipengine.SupportedResponse{}, lastErr
}

// ============================================================================
// Internal
// ============================================================================

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, payload tipengine.PaymentPayload, requirements tipengine.PaymentRequirements, pick func(AuthHeaders) map[string]string) ([]byte, int, error) {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, req, pick); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, resp.StatusCode, nil
}
