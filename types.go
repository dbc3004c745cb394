package tipengine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tink-protocol/tipengine/split"
)

// Network identifies a settlement network by its x402 name (e.g. "avalanche-fuji")
type Network string

// SessionStatus is the lifecycle state of a tip session
type SessionStatus string

const (
	StatusPending           SessionStatus = "pending"
	StatusTipSelected       SessionStatus = "tip_selected"
	StatusPaymentPending    SessionStatus = "payment_pending"
	StatusPaymentProcessing SessionStatus = "payment_processing"
	StatusConfirmed         SessionStatus = "confirmed"
	StatusFailed            SessionStatus = "failed"
	StatusExpired           SessionStatus = "expired"
)

// expirableStatuses are the states a session may lazily expire from
var expirableStatuses = []SessionStatus{StatusPending, StatusTipSelected, StatusPaymentPending}

// IsTerminal reports whether no further payment transition is allowed
func (s SessionStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// Expirable reports whether a session in this state expires once its deadline passes
func (s SessionStatus) Expirable() bool {
	for _, st := range expirableStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTipSelected, StatusPaymentPending, StatusPaymentProcessing,
		StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Session is one bill-to-payment tipping interaction
type Session struct {
	ID            string           `json:"id"`
	MerchantID    string           `json:"merchantId"`
	BillAmount    decimal.Decimal  `json:"billAmount"`
	TipAmount     *decimal.Decimal `json:"tipAmount,omitempty"`
	TipPercentage *decimal.Decimal `json:"tipPercentage,omitempty"`
	TotalAmount   *decimal.Decimal `json:"totalAmount,omitempty"`
	Currency      string           `json:"currency"`
	Status        SessionStatus    `json:"status"`
	Memo          string           `json:"memo"`
	PayerAddress  string           `json:"payerAddress,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}

// IsExpired reports whether the session has passed its deadline while still expirable
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status.Expirable() && now.After(s.ExpiresAt)
}

// HasTip reports whether a tip has been selected and the total computed
func (s *Session) HasTip() bool {
	return s.TipAmount != nil && s.TotalAmount != nil
}

// TransactionStatus is the state of a settlement record
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction records the settlement of exactly one session
type Transaction struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"sessionId"`
	MerchantID       string            `json:"merchantId"`
	PayerAddress     string            `json:"payerAddress"`
	RecipientAddress string            `json:"recipientAddress"`
	BillAmount       decimal.Decimal   `json:"billAmount"`
	TipAmount        decimal.Decimal   `json:"tipAmount"`
	TotalAmount      decimal.Decimal   `json:"totalAmount"`
	Currency         string            `json:"currency"`
	TxHash           string            `json:"txHash"`
	Network          Network           `json:"network"`
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty"`
}

// Merchant owns sessions and a tip split configuration
type Merchant struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Slug          string        `json:"slug"`
	WalletAddress string        `json:"walletAddress"`
	SplitConfig   []split.Share `json:"tipSplitConfig"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// DisputeReason is the closed set of complaint categories
type DisputeReason string

const (
	DisputeIncorrectAmount         DisputeReason = "incorrect_amount"
	DisputeUnauthorizedTransaction DisputeReason = "unauthorized_transaction"
	DisputeServiceNotReceived      DisputeReason = "service_not_received"
	DisputeDuplicateCharge         DisputeReason = "duplicate_charge"
	DisputeOther                   DisputeReason = "other"
)

// Valid reports whether r is a known reason
func (r DisputeReason) Valid() bool {
	switch r {
	case DisputeIncorrectAmount, DisputeUnauthorizedTransaction, DisputeServiceNotReceived,
		DisputeDuplicateCharge, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is the review state of a dispute
type DisputeStatus string

const (
	DisputePending     DisputeStatus = "pending"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRejected    DisputeStatus = "rejected"
)

// Dispute is a post-settlement complaint against a session
type Dispute struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"sessionId"`
	TransactionID string        `json:"transactionId,omitempty"`
	Reason        DisputeReason `json:"reason"`
	Details       string        `json:"details"`
	Status        DisputeStatus `json:"status"`
	SubmittedBy   string        `json:"submittedBy,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
}

// ============================================================================
// Settlement protocol types
// ============================================================================

// PaymentRequirements describes what the payer must authorize to settle a session
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed authorization produced by the payer's wallet
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Schemes returns the distinct schemes across all kinds
func (r SupportedResponse) Schemes() []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range r.Kinds {
		if !seen[k.Scheme] {
			seen[k.Scheme] = true
			out = append(out, k.Scheme)
		}
	}
	return out
}

// Networks returns the distinct networks across all kinds
func (r SupportedResponse) Networks() []Network {
	seen := map[Network]bool{}
	var out []Network
	for _, k := range r.Kinds {
		if !seen[k.Network] {
			seen[k.Network] = true
			out = append(out, k.Network)
		}
	}
	return out
}

// Assets returns the asset addresses advertised in kind extras
func (r SupportedResponse) Assets() []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range r.Kinds {
		asset, ok := k.Extra["asset"].(string)
		if ok && asset != "" && !seen[asset] {
			seen[asset] = true
			out = append(out, asset)
		}
	}
	return out
}

// Supports reports whether the scheme/network pair is advertised
func (r SupportedResponse) Supports(scheme string, network Network) bool {
	for _, k := range r.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}
