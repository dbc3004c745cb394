// Package memory is an in-process tipengine.Store used for tests, demos and
// the CLI's default mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/split"
)

// Store keeps every record in maps guarded by one mutex. Returned records are
// copies, so callers may modify them freely.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	sessions     map[string]*tipengine.Session
	memos        map[string]string
	transactions map[string]*tipengine.Transaction
	txBySession  map[string]string
	merchants    map[string]*tipengine.Merchant
	slugs        map[string]string
	disputes     map[string]*tipengine.Dispute
}

var _ tipengine.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		now:          time.Now,
		sessions:     make(map[string]*tipengine.Session),
		memos:        make(map[string]string),
		transactions: make(map[string]*tipengine.Transaction),
		txBySession:  make(map[string]string),
		merchants:    make(map[string]*tipengine.Merchant),
		slugs:        make(map[string]string),
		disputes:     make(map[string]*tipengine.Dispute),
	}
}

// WithClock sets the clock used for updatedAt and confirmedAt stamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func copySession(in *tipengine.Session) *tipengine.Session {
	out := *in
	if in.TipAmount != nil {
		v := *in.TipAmount
		out.TipAmount = &v
	}
	if in.TipPercentage != nil {
		v := *in.TipPercentage
		out.TipPercentage = &v
	}
	if in.TotalAmount != nil {
		v := *in.TotalAmount
		out.TotalAmount = &v
	}
	return &out
}

func copyTransaction(in *tipengine.Transaction) *tipengine.Transaction {
	out := *in
	if in.ConfirmedAt != nil {
		v := *in.ConfirmedAt
		out.ConfirmedAt = &v
	}
	return &out
}

func copyMerchant(in *tipengine.Merchant) *tipengine.Merchant {
	out := *in
	out.SplitConfig = append([]split.Share(nil), in.SplitConfig...)
	return &out
}

func copyDispute(in *tipengine.Dispute) *tipengine.Dispute {
	out := *in
	if in.ResolvedAt != nil {
		v := *in.ResolvedAt
		out.ResolvedAt = &v
	}
	return &out
}

func statusIn(status tipengine.SessionStatus, from []tipengine.SessionStatus) bool {
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if status == f {
			return true
		}
	}
	return false
}

// ============================================================================
// Sessions
// ============================================================================

func (s *Store) GetSession(ctx context.Context, id string) (*tipengine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(session), nil
}

func (s *Store) CreateSession(ctx context.Context, session *tipengine.Session) (*tipengine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return nil, fmt.Errorf("session %s already exists", session.ID)
	}
	if _, ok := s.memos[session.Memo]; ok {
		return nil, fmt.Errorf("memo %s already in use", session.Memo)
	}
	stored := copySession(session)
	s.sessions[stored.ID] = stored
	s.memos[stored.Memo] = stored.ID
	return copySession(stored), nil
}

func (s *Store) SetTip(ctx context.Context, id string, tip, pct, total decimal.Decimal, from ...tipengine.SessionStatus) (*tipengine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if !statusIn(session.Status, from) {
		return nil, tipengine.ErrStatusConflict
	}
	session.TipAmount = &tip
	session.TipPercentage = &pct
	session.TotalAmount = &total
	session.Status = tipengine.StatusTipSelected
	session.UpdatedAt = s.now()
	return copySession(session), nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status tipengine.SessionStatus, payerAddress string, from ...tipengine.SessionStatus) (*tipengine.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if !statusIn(session.Status, from) {
		return nil, tipengine.ErrStatusConflict
	}
	session.Status = status
	if payerAddress != "" {
		session.PayerAddress = payerAddress
	}
	session.UpdatedAt = s.now()
	return copySession(session), nil
}

// ============================================================================
// Transactions
// ============================================================================

func (s *Store) CreateTransaction(ctx context.Context, tx *tipengine.Transaction) (*tipengine.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txBySession[tx.SessionID]; ok {
		return nil, tipengine.ErrDuplicateTransaction
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return nil, fmt.Errorf("transaction %s already exists", tx.ID)
	}
	stored := copyTransaction(tx)
	s.transactions[stored.ID] = stored
	s.txBySession[stored.SessionID] = stored.ID
	return copyTransaction(stored), nil
}

func (s *Store) setTxStatus(id string, status tipengine.TransactionStatus) (*tipengine.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", id)
	}
	tx.Status = status
	if status == tipengine.TxStatusConfirmed && tx.ConfirmedAt == nil {
		now := s.now()
		tx.ConfirmedAt = &now
	}
	return copyTransaction(tx), nil
}

func (s *Store) ConfirmTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	return s.setTxStatus(id, tipengine.TxStatusConfirmed)
}

func (s *Store) FailTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	return s.setTxStatus(id, tipengine.TxStatusFailed)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, nil
	}
	return copyTransaction(tx), nil
}

func (s *Store) FindTransactionBySession(ctx context.Context, sessionID string) (*tipengine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.txBySession[sessionID]
	if !ok {
		return nil, nil
	}
	return copyTransaction(s.transactions[id]), nil
}

// TransactionCount returns the number of recorded transactions
func (s *Store) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

// ============================================================================
// Merchants
// ============================================================================

func (s *Store) CreateMerchant(ctx context.Context, merchant *tipengine.Merchant) (*tipengine.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merchants[merchant.ID]; ok {
		return nil, fmt.Errorf("merchant %s already exists", merchant.ID)
	}
	if _, ok := s.slugs[merchant.Slug]; ok {
		return nil, fmt.Errorf("slug %s already in use", merchant.Slug)
	}
	stored := copyMerchant(merchant)
	s.merchants[stored.ID] = stored
	s.slugs[stored.Slug] = stored.ID
	return copyMerchant(stored), nil
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*tipengine.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merchant, ok := s.merchants[id]
	if !ok {
		return nil, nil
	}
	return copyMerchant(merchant), nil
}

func (s *Store) GetMerchantBySlug(ctx context.Context, slug string) (*tipengine.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, nil
	}
	return copyMerchant(s.merchants[id]), nil
}

func (s *Store) GetSplitConfig(ctx context.Context, merchantID string) ([]split.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merchant, ok := s.merchants[merchantID]
	if !ok {
		return nil, fmt.Errorf("merchant %s not found", merchantID)
	}
	return append([]split.Share(nil), merchant.SplitConfig...), nil
}

func (s *Store) SetSplitConfig(ctx context.Context, merchantID string, shares []split.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merchant, ok := s.merchants[merchantID]
	if !ok {
		return fmt.Errorf("merchant %s not found", merchantID)
	}
	merchant.SplitConfig = append([]split.Share(nil), shares...)
	merchant.UpdatedAt = s.now()
	return nil
}

// ============================================================================
// Disputes
// ============================================================================

func (s *Store) CreateDispute(ctx context.Context, dispute *tipengine.Dispute) (*tipengine.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[dispute.ID]; ok {
		return nil, fmt.Errorf("dispute %s already exists", dispute.ID)
	}
	stored := copyDispute(dispute)
	s.disputes[stored.ID] = stored
	return copyDispute(stored), nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (*tipengine.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dispute, ok := s.disputes[id]
	if !ok {
		return nil, nil
	}
	return copyDispute(dispute), nil
}

func (s *Store) ListDisputesBySession(ctx context.Context, sessionID string) ([]*tipengine.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tipengine.Dispute
	for _, d := range s.disputes {
		if d.SessionID == sessionID {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateDispute(ctx context.Context, dispute *tipengine.Dispute) (*tipengine.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[dispute.ID]; !ok {
		return nil, fmt.Errorf("dispute %s not found", dispute.ID)
	}
	stored := copyDispute(dispute)
	s.disputes[stored.ID] = stored
	return copyDispute(stored), nil
}
