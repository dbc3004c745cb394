package tipengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineConfig holds the enumerated settings the engine consumes
type EngineConfig struct {
	// Network payments settle on (e.g. "avalanche-fuji")
	Network Network

	// Scheme identifier; only "exact" is implemented
	Scheme string

	// X402Version stamped on requirements
	X402Version int

	// MaxTimeoutSeconds is the authorization timeout window advertised to payers
	MaxTimeoutSeconds int

	// SessionTTL is the offset from creation after which an unpaid session expires
	SessionTTL time.Duration

	// SettlementCacheTTL bounds how long a settle outcome is replayed for duplicate calls
	SettlementCacheTTL time.Duration

	// Currency is the default session currency code
	Currency string

	// ResourcePrefix prefixes the session id to form the requirement resource
	ResourcePrefix string
}

// DefaultEngineConfig returns the settings used when none are supplied
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Network:            "avalanche-fuji",
		Scheme:             "exact",
		X402Version:        1,
		MaxTimeoutSeconds:  300,
		SessionTTL:         30 * time.Minute,
		SettlementCacheTTL: 10 * time.Minute,
		Currency:           "USDC",
		ResourcePrefix:     "/api/payments/settle/",
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.Scheme == "" {
		c.Scheme = d.Scheme
	}
	if c.X402Version == 0 {
		c.X402Version = d.X402Version
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = d.MaxTimeoutSeconds
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.SettlementCacheTTL <= 0 {
		c.SettlementCacheTTL = d.SettlementCacheTTL
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	if c.ResourcePrefix == "" {
		c.ResourcePrefix = d.ResourcePrefix
	}
	return c
}

// Engine is the tip session and payment settlement engine. It owns every
// session status transition and serializes them per session id.
type Engine struct {
	cfg         EngineConfig
	store       Store
	facilitator FacilitatorClient
	service     SchemeNetworkService
	logger      *zap.Logger
	now         func() time.Time

	webhookSecret []byte

	locks       *keyedMutex
	settlements *SettlementCache

	mu                   sync.RWMutex
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithConfig replaces the engine configuration; zero fields take defaults
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry and timestamps
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithWebhookSecret enables webhook authentication. Without a secret unsigned
// events are accepted.
func WithWebhookSecret(secret string) EngineOption {
	return func(e *Engine) {
		e.webhookSecret = []byte(secret)
	}
}

// NewEngine wires an engine to its store, facilitator and scheme service
func NewEngine(store Store, facilitator FacilitatorClient, service SchemeNetworkService, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("tipengine: store is required")
	}
	if facilitator == nil {
		return nil, errors.New("tipengine: facilitator is required")
	}
	if service == nil {
		return nil, errors.New("tipengine: scheme service is required")
	}

	e := &Engine{
		cfg:         DefaultEngineConfig(),
		store:       store,
		facilitator: facilitator,
		service:     service,
		logger:      zap.NewNop(),
		now:         time.Now,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if service.Scheme() != e.cfg.Scheme {
		return nil, fmt.Errorf("tipengine: service scheme %q does not match configured scheme %q", service.Scheme(), e.cfg.Scheme)
	}
	if _, err := service.ChainID(e.cfg.Network); err != nil {
		return nil, fmt.Errorf("tipengine: %w", err)
	}

	e.settlements = NewSettlementCache(e.cfg.SettlementCacheTTL)
	e.logger = e.logger.With(zap.String("network", string(e.cfg.Network)))
	return e, nil
}

// Config returns the effective configuration
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Supported queries the facilitator's supported kinds and reports whether the
// configured scheme and network are among them
func (e *Engine) Supported(ctx context.Context) (SupportedResponse, bool, error) {
	resp, err := e.facilitator.GetSupported(ctx)
	if err != nil {
		return SupportedResponse{}, false, FacilitatorError(CodeSupportedFailed, "facilitator supported call failed", err)
	}
	return resp, resp.Supports(e.cfg.Scheme, e.cfg.Network), nil
}

// ============================================================================
// Per-session locking
// ============================================================================

// keyedMutex hands out one mutex per key and frees it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
