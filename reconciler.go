package tipengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tink-protocol/tipengine/webhook"
)

// WebhookOutcome describes what a delivered event did
type WebhookOutcome string

const (
	// WebhookApplied means the event changed session state
	WebhookApplied WebhookOutcome = "applied"
	// WebhookNoop means the session was already in the event's target state
	WebhookNoop WebhookOutcome = "noop"
	// WebhookIgnored means the event does not apply (unknown type or stale)
	WebhookIgnored WebhookOutcome = "ignored"
)

// WebhookResult reports the effect of an applied webhook
type WebhookResult struct {
	Outcome     WebhookOutcome `json:"outcome"`
	Event       string         `json:"event"`
	SessionID   string         `json:"sessionId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Session     *Session       `json:"session,omitempty"`
	Transaction *Transaction   `json:"transaction,omitempty"`
}

// ApplyWebhook authenticates and applies an asynchronous payment notification.
// Redelivery is safe: every event is applied at most once per session state.
func (e *Engine) ApplyWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if len(e.webhookSecret) > 0 {
		if err := webhook.Authenticate(e.webhookSecret, body, signature); err != nil {
			e.logger.Warn("webhook rejected", zap.Error(err))
			if errors.Is(err, webhook.ErrMissingSignature) {
				return nil, Unauthorized(CodeMissingSignature, "webhook signature missing")
			}
			return nil, Unauthorized(CodeInvalidSignature, "webhook signature invalid")
		}
	} else {
		e.logger.Warn("webhook secret not configured, accepting unsigned event")
	}

	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		return nil, ValidationError(CodeInvalidEvent, err.Error())
	}

	if !env.IsPaymentEvent() {
		e.logger.Info("webhook ignored", zap.String("event", env.Event))
		return &WebhookResult{Outcome: WebhookIgnored, Event: env.Event, Reason: "event not handled"}, nil
	}

	data, err := env.PaymentData()
	if err != nil {
		return nil, ValidationError(CodeInvalidEvent, err.Error())
	}

	unlock := e.locks.Lock(data.SessionID)
	defer unlock()

	session, err := e.loadSession(ctx, data.SessionID)
	if err != nil {
		return nil, err
	}

	var result *WebhookResult
	switch env.Event {
	case webhook.EventPaymentConfirmed:
		result, err = e.applyConfirmed(ctx, session, data)
	default:
		result, err = e.applyFailed(ctx, session, data)
	}
	if err != nil {
		return nil, err
	}

	result.Event = env.Event
	result.SessionID = session.ID
	e.logger.Info("webhook processed",
		zap.String("event", env.Event),
		zap.String("session_id", session.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("reason", result.Reason))
	return result, nil
}

func (e *Engine) applyConfirmed(ctx context.Context, s *Session, data *webhook.PaymentData) (*WebhookResult, error) {
	switch s.Status {
	case StatusConfirmed:
		tx, err := e.store.FindTransactionBySession(ctx, s.ID)
		if err != nil {
			return nil, Internal(err)
		}
		return &WebhookResult{Outcome: WebhookNoop, Reason: "already confirmed", Session: s, Transaction: tx}, nil
	case StatusPaymentPending, StatusPaymentProcessing:
	default:
		return &WebhookResult{Outcome: WebhookIgnored, Reason: fmt.Sprintf("session is %s", s.Status), Session: s}, nil
	}

	payer := data.PayerAddress
	if payer == "" {
		payer = s.PayerAddress
	}

	var (
		tx  *Transaction
		err error
	)
	if data.TxHash != "" {
		merchant, mErr := e.sessionMerchant(ctx, s)
		if mErr != nil {
			return nil, mErr
		}
		network := Network(data.Network)
		if network == "" {
			network = e.cfg.Network
		}
		tx, err = e.recordSettlement(ctx, s, merchant, payer, data.TxHash, network)
	} else {
		tx, err = e.store.FindTransactionBySession(ctx, s.ID)
		if err == nil && tx == nil {
			return nil, ValidationError(CodeInvalidEvent, "confirmation carries no settlement reference and no transaction is recorded")
		}
		if err == nil && tx.Status != TxStatusConfirmed {
			tx, err = e.store.ConfirmTransaction(ctx, tx.ID)
		}
	}
	if err != nil {
		e.logger.Error("failed to record webhook settlement",
			zap.String("session_id", s.ID), zap.String("tx_hash", data.TxHash), zap.Error(err))
		return nil, Internal(err)
	}

	confirmed, err := e.transition(ctx, s, StatusConfirmed, payer, StatusPaymentPending, StatusPaymentProcessing)
	if errors.Is(err, ErrStatusConflict) {
		current, loadErr := e.reload(ctx, s.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.Status == StatusConfirmed {
			return &WebhookResult{Outcome: WebhookNoop, Reason: "already confirmed", Session: current, Transaction: tx}, nil
		}
		return &WebhookResult{Outcome: WebhookIgnored, Reason: fmt.Sprintf("session is %s", current.Status), Session: current}, nil
	}
	if err != nil {
		return nil, err
	}
	return &WebhookResult{Outcome: WebhookApplied, Session: confirmed, Transaction: tx}, nil
}

func (e *Engine) applyFailed(ctx context.Context, s *Session, data *webhook.PaymentData) (*WebhookResult, error) {
	switch s.Status {
	case StatusFailed:
		return &WebhookResult{Outcome: WebhookNoop, Reason: "already failed", Session: s}, nil
	case StatusPaymentPending, StatusPaymentProcessing:
	default:
		// Never downgrade a confirmed session
		return &WebhookResult{Outcome: WebhookIgnored, Reason: fmt.Sprintf("session is %s", s.Status), Session: s}, nil
	}

	failed, err := e.transition(ctx, s, StatusFailed, "", StatusPaymentPending, StatusPaymentProcessing)
	if errors.Is(err, ErrStatusConflict) {
		current, loadErr := e.reload(ctx, s.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		return &WebhookResult{Outcome: WebhookIgnored, Reason: fmt.Sprintf("session is %s", current.Status), Session: current}, nil
	}
	if err != nil {
		return nil, err
	}

	tx, err := e.store.FindTransactionBySession(ctx, s.ID)
	if err != nil {
		return nil, Internal(err)
	}
	if tx != nil && tx.Status == TxStatusPending {
		if tx, err = e.store.FailTransaction(ctx, tx.ID); err != nil {
			return nil, Internal(err)
		}
	}

	if data.Reason != "" {
		e.logger.Warn("payment failed upstream",
			zap.String("session_id", s.ID), zap.String("reason", data.Reason))
	}
	return &WebhookResult{Outcome: WebhookApplied, Reason: data.Reason, Session: failed, Transaction: tx}, nil
}
