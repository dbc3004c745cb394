package tipengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateSessionRequest starts a tipping interaction for a bill
type CreateSessionRequest struct {
	// MerchantRef is a merchant id or slug
	MerchantRef string
	BillAmount  decimal.Decimal
	Currency    string
}

// CreateSession opens a pending session for a merchant's bill
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if !req.BillAmount.IsPositive() {
		return nil, ValidationError(CodeInvalidAmount, "bill amount must be positive")
	}
	if req.BillAmount.Exponent() < -2 && !req.BillAmount.Equal(req.BillAmount.Round(2)) {
		return nil, ValidationError(CodeInvalidAmount, "bill amount must have at most 2 decimal places")
	}

	merchant, err := e.lookupMerchant(ctx, req.MerchantRef)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = e.cfg.Currency
	}

	now := e.now()
	session := &Session{
		ID:         "session_" + uuid.NewString(),
		MerchantID: merchant.ID,
		BillAmount: req.BillAmount.Round(2),
		Currency:   currency,
		Status:     StatusPending,
		Memo:       newMemo(),
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.SessionTTL),
	}

	created, err := e.store.CreateSession(ctx, session)
	if err != nil {
		e.logger.Error("failed to create session",
			zap.String("merchant_id", merchant.ID), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("session created",
		zap.String("session_id", created.ID),
		zap.String("merchant_id", created.MerchantID),
		zap.String("bill", created.BillAmount.StringFixed(2)),
		zap.Time("expires_at", created.ExpiresAt))
	return created, nil
}

// newMemo returns a short human-readable token printed on receipts
func newMemo() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TINK-" + strings.ToUpper(id[:10])
}

// GetSession returns a session, expiring it first if its deadline has passed
func (e *Engine) GetSession(ctx context.Context, id string) (*Session, error) {
	return e.loadSession(ctx, id)
}

// SelectTip records the payer's tip choice and computes the total.
// Allowed while the session is pending or tip_selected.
func (e *Engine) SelectTip(ctx context.Context, id string, sel TipSelection) (*Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	session, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tipSelectable(session); err != nil {
		return nil, err
	}

	tip, pct, total, err := ComputeTip(session.BillAmount, sel)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.SetTip(ctx, id, tip, pct, total, StatusPending, StatusTipSelected)
	if errors.Is(err, ErrStatusConflict) {
		current, loadErr := e.loadSession(ctx, id)
		if loadErr != nil {
			return nil, loadErr
		}
		if stateErr := tipSelectable(current); stateErr != nil {
			return nil, stateErr
		}
		return nil, InvalidState(CodeInvalidTransition, "session changed while selecting tip")
	}
	if err != nil {
		e.logger.Error("failed to set tip", zap.String("session_id", id), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("tip selected",
		zap.String("session_id", id),
		zap.String("from", string(session.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("tip", tip.StringFixed(2)),
		zap.String("total", total.StringFixed(2)))
	return updated, nil
}

func tipSelectable(s *Session) error {
	switch s.Status {
	case StatusPending, StatusTipSelected:
		return nil
	case StatusPaymentPending, StatusPaymentProcessing:
		return InvalidState(CodeTipLocked, "tip cannot change once payment has been prepared")
	default:
		return terminalError(s)
	}
}

// CancelSession abandons an unpaid session by expiring it
func (e *Engine) CancelSession(ctx context.Context, id string) (*Session, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	session, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.Expirable() {
		if session.Status == StatusPaymentProcessing {
			return nil, InvalidState(CodeSettlementInProgress, "settlement in progress")
		}
		return nil, terminalError(session)
	}

	return e.transition(ctx, session, StatusExpired, "", expirableStatuses...)
}

// loadSession reads a session and applies lazy expiry
func (e *Engine) loadSession(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ValidationError(CodeSessionNotFound, "session id is required")
	}

	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		e.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
		return nil, Internal(err)
	}
	if session == nil {
		return nil, NotFound(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
	}

	if !session.IsExpired(e.now()) {
		return session, nil
	}

	expired, err := e.store.SetStatus(ctx, id, StatusExpired, "", expirableStatuses...)
	if errors.Is(err, ErrStatusConflict) {
		// Another writer moved it first; report whatever it is now
		return e.reload(ctx, id)
	}
	if err != nil {
		e.logger.Error("failed to expire session", zap.String("session_id", id), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("session expired",
		zap.String("session_id", id),
		zap.String("from", string(session.Status)),
		zap.Time("expires_at", session.ExpiresAt))
	return expired, nil
}

func (e *Engine) reload(ctx context.Context, id string) (*Session, error) {
	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, Internal(err)
	}
	if session == nil {
		return nil, NotFound(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
	}
	return session, nil
}

// transition performs a compare-and-set status write and logs it
func (e *Engine) transition(ctx context.Context, s *Session, to SessionStatus, payer string, from ...SessionStatus) (*Session, error) {
	updated, err := e.store.SetStatus(ctx, s.ID, to, payer, from...)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
		e.logger.Error("failed to update session status",
			zap.String("session_id", s.ID),
			zap.String("from", string(s.Status)),
			zap.String("to", string(to)),
			zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("session status changed",
		zap.String("session_id", s.ID),
		zap.String("from", string(s.Status)),
		zap.String("to", string(to)))
	return updated, nil
}

// terminalError maps a terminal session to its InvalidState error
func terminalError(s *Session) error {
	switch s.Status {
	case StatusConfirmed:
		return InvalidState(CodeAlreadySettled, "session already settled")
	case StatusExpired:
		return InvalidState(CodeExpired, "session expired").WithDetail("expiresAt", s.ExpiresAt)
	case StatusFailed:
		return InvalidState(CodeSessionFailed, "session payment failed")
	default:
		return InvalidState(CodeInvalidTransition, fmt.Sprintf("session is %s", s.Status))
	}
}
