package tipengine

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/tink-protocol/tipengine/split"
)

// ============================================================================
// Session Store
// ============================================================================

// ErrStatusConflict is returned by a conditional status write whose expected
// current status no longer holds. The caller re-reads and decides.
var ErrStatusConflict = errors.New("session status changed concurrently")

// ErrDuplicateTransaction is returned when a transaction already exists for a session
var ErrDuplicateTransaction = errors.New("transaction already recorded for session")

// SessionStore persists tip sessions.
//
// Lookups return (nil, nil) when the record does not exist. Status writes are
// compare-and-set: the write only applies while the current status is one of
// from, otherwise ErrStatusConflict is returned.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)

	// CreateSession stores a session whose id, memo and expiry the engine assigned.
	// A duplicate id or memo is an error.
	CreateSession(ctx context.Context, session *Session) (*Session, error)

	// SetTip records tip, percentage and total. Applies only while status is one of from,
	// and moves the session to tip_selected.
	SetTip(ctx context.Context, id string, tip, pct, total decimal.Decimal, from ...SessionStatus) (*Session, error)

	// SetStatus moves the session to status. payerAddress is recorded when non-empty.
	SetStatus(ctx context.Context, id string, status SessionStatus, payerAddress string, from ...SessionStatus) (*Session, error)
}

// TransactionStore persists settlement records. At most one transaction exists per session.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
	ConfirmTransaction(ctx context.Context, id string) (*Transaction, error)
	FailTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindTransactionBySession(ctx context.Context, sessionID string) (*Transaction, error)
}

// MerchantStore persists merchants and their tip split configuration
type MerchantStore interface {
	CreateMerchant(ctx context.Context, merchant *Merchant) (*Merchant, error)
	GetMerchant(ctx context.Context, id string) (*Merchant, error)
	GetMerchantBySlug(ctx context.Context, slug string) (*Merchant, error)
	GetSplitConfig(ctx context.Context, merchantID string) ([]split.Share, error)
	SetSplitConfig(ctx context.Context, merchantID string, shares []split.Share) error
}

// DisputeStore persists disputes
type DisputeStore interface {
	CreateDispute(ctx context.Context, dispute *Dispute) (*Dispute, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesBySession(ctx context.Context, sessionID string) ([]*Dispute, error)
	UpdateDispute(ctx context.Context, dispute *Dispute) (*Dispute, error)
}

// Store is the full record store contract consumed by the engine
type Store interface {
	SessionStore
	TransactionStore
	MerchantStore
	DisputeStore
}

// ============================================================================
// Settlement Facilitator
// ============================================================================

// FacilitatorClient is the narrow contract the engine uses to reach a settlement facilitator.
// Implementations may be remote (HTTP) or in-process.
type FacilitatorClient interface {
	// Verify checks a signed authorization against requirements without moving funds.
	//
	// Returns:
	//   VerifyResponse with IsValid=false and a reason for a refused payment
	//   error only when the facilitator could not be reached or answered garbage
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)

	// Settle executes the transfer.
	//
	// Returns:
	//   SettleResponse with Success=true and the transaction reference on success
	//   SettleResponse with Success=false and an ErrorReason when refused
	//   error when the call itself failed
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)

	// GetSupported lists the scheme/network kinds the facilitator handles
	GetSupported(ctx context.Context) (SupportedResponse, error)
}

// ============================================================================
// Scheme Service
// ============================================================================

// SchemeNetworkService holds the scheme and network specific parts of building
// requirements and preparing payloads for a facilitator.
type SchemeNetworkService interface {
	// Scheme returns the scheme identifier (e.g. "exact")
	Scheme() string

	// BuildRequirements fills asset, atomic amount, payTo and signing metadata
	// for a decimal amount on network. Resource, description and timeout are
	// set by the caller.
	BuildRequirements(network Network, amount decimal.Decimal, payTo string) (PaymentRequirements, error)

	// NormalizePayload returns a copy of payload with its signature in the
	// encoding the facilitator verifies
	NormalizePayload(payload PaymentPayload) (PaymentPayload, error)

	// ChainID returns the numeric chain id of network
	ChainID(network Network) (*big.Int, error)

	// ExplorerTxURL links a settlement reference on network
	ExplorerTxURL(network Network, txHash string) string
}
