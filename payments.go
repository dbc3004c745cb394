package tipengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PrepareResult is the payment requirement issued for a session
type PrepareResult struct {
	X402Version  int                 `json:"x402Version"`
	Session      *Session            `json:"session"`
	Merchant     *Merchant           `json:"merchant"`
	Requirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResult is the facilitator's opinion of a payload, without side effects
type VerifyResult struct {
	Valid         bool                `json:"isValid"`
	InvalidReason string              `json:"invalidReason,omitempty"`
	Payer         string              `json:"payer,omitempty"`
	Requirements  PaymentRequirements `json:"paymentRequirements"`
}

// SettleResult is the outcome of a settlement
type SettleResult struct {
	Success     bool         `json:"success"`
	Session     *Session     `json:"session"`
	Transaction *Transaction `json:"transaction,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	Network     Network      `json:"network"`
	Payer       string       `json:"payer,omitempty"`
	ExplorerURL string       `json:"explorerUrl,omitempty"`
	ErrorReason string       `json:"errorReason,omitempty"`

	// Replayed is set when the outcome was recorded by an earlier identical call
	Replayed bool `json:"replayed,omitempty"`
}

// checkPayable rejects sessions that cannot be prepared, verified or settled
func checkPayable(s *Session) error {
	switch s.Status {
	case StatusExpired:
		return InvalidState(CodeExpired, "session expired").WithDetail("expiresAt", s.ExpiresAt)
	case StatusConfirmed:
		return InvalidState(CodeAlreadySettled, "session already settled")
	case StatusPaymentProcessing:
		return InvalidState(CodeSettlementInProgress, "settlement in progress")
	case StatusFailed:
		return InvalidState(CodeSessionFailed, "session payment failed")
	}
	if !s.HasTip() {
		return ValidationError(CodeTipNotSelected, "select a tip before paying")
	}
	return nil
}

// buildRequirements assembles the payment requirement for a session's total
func (e *Engine) buildRequirements(s *Session, m *Merchant) (PaymentRequirements, error) {
	req, err := e.service.BuildRequirements(e.cfg.Network, *s.TotalAmount, m.WalletAddress)
	if err != nil {
		return PaymentRequirements{}, ValidationError(CodeUnsupportedNetwork, err.Error())
	}
	req.Resource = e.cfg.ResourcePrefix + s.ID
	req.Description = "Tip payment to " + m.Name
	req.MimeType = "application/json"
	req.MaxTimeoutSeconds = e.cfg.MaxTimeoutSeconds
	return req, nil
}

func (e *Engine) sessionMerchant(ctx context.Context, s *Session) (*Merchant, error) {
	merchant, err := e.store.GetMerchant(ctx, s.MerchantID)
	if err != nil {
		return nil, Internal(err)
	}
	if merchant == nil {
		return nil, NotFound(CodeMerchantNotFound, fmt.Sprintf("merchant %s not found", s.MerchantID))
	}
	return merchant, nil
}

// PrepareSession issues the payment requirement for a session with a selected
// tip and moves it to payment_pending. Calling it again while payment_pending
// returns the same requirement.
func (e *Engine) PrepareSession(ctx context.Context, id string) (*PrepareResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	session, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(session); err != nil {
		return nil, err
	}
	if session.Status == StatusPending {
		return nil, ValidationError(CodeTipNotSelected, "select a tip before paying")
	}

	merchant, err := e.sessionMerchant(ctx, session)
	if err != nil {
		return nil, err
	}
	requirements, err := e.buildRequirements(session, merchant)
	if err != nil {
		return nil, err
	}

	if session.Status == StatusTipSelected {
		session, err = e.transition(ctx, session, StatusPaymentPending, "", StatusTipSelected)
		if errors.Is(err, ErrStatusConflict) {
			current, loadErr := e.loadSession(ctx, id)
			if loadErr != nil {
				return nil, loadErr
			}
			if payErr := checkPayable(current); payErr != nil {
				return nil, payErr
			}
			if current.Status != StatusPaymentPending {
				return nil, InvalidState(CodeInvalidTransition, "session changed while preparing payment")
			}
			session = current
		} else if err != nil {
			return nil, err
		}
	}

	return &PrepareResult{
		X402Version:  e.cfg.X402Version,
		Session:      session,
		Merchant:     merchant,
		Requirements: requirements,
	}, nil
}

// preparePayload fills scheme/network defaults and normalizes the signature
func (e *Engine) preparePayload(payload PaymentPayload) (PaymentPayload, error) {
	if payload.X402Version == 0 {
		payload.X402Version = e.cfg.X402Version
	}
	if payload.Scheme == "" {
		payload.Scheme = e.cfg.Scheme
	}
	if payload.Network == "" {
		payload.Network = e.cfg.Network
	}
	if payload.Payload == nil {
		return payload, ValidationError(CodeInvalidPayload, "payment payload is empty")
	}

	normalized, err := e.service.NormalizePayload(payload)
	if err != nil {
		return payload, ValidationError(CodeInvalidPayload, err.Error())
	}
	return normalized, nil
}

// VerifySession asks the facilitator whether payload would settle the session.
// It never changes the session.
func (e *Engine) VerifySession(ctx context.Context, id string, payload PaymentPayload) (*VerifyResult, error) {
	session, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(session); err != nil {
		return nil, err
	}
	merchant, err := e.sessionMerchant(ctx, session)
	if err != nil {
		return nil, err
	}
	requirements, err := e.buildRequirements(session, merchant)
	if err != nil {
		return nil, err
	}
	normalized, err := e.preparePayload(payload)
	if err != nil {
		return nil, err
	}

	resp, err := e.facilitator.Verify(ctx, normalized, requirements)
	if err != nil {
		e.logger.Warn("facilitator verify failed", zap.String("session_id", id), zap.Error(err))
		return nil, FacilitatorError(CodeVerifyFailed, "facilitator verify failed", err)
	}

	return &VerifyResult{
		Valid:         resp.IsValid,
		InvalidReason: resp.InvalidReason,
		Payer:         resp.Payer,
		Requirements:  requirements,
	}, nil
}

// authorizationFrom digs the signer address out of an exact-scheme payload
func authorizationFrom(payload PaymentPayload) string {
	auth, ok := payload.Payload["authorization"].(map[string]interface{})
	if !ok {
		return ""
	}
	from, _ := auth["from"].(string)
	return from
}

// SettleSession settles a prepared session with the payer's signed payload.
//
// Identical calls (same session and payload) are deduplicated: concurrent
// duplicates wait for the first, later ones replay its recorded outcome.
func (e *Engine) SettleSession(ctx context.Context, id string, payload PaymentPayload, payer string) (*SettleResult, error) {
	normalized, payer, err := e.settleInput(payload, payer)
	if err != nil {
		// A settled, failed or expired session reports its state, not the payload
		if stateErr := e.settleStateError(ctx, id); stateErr != nil {
			return nil, stateErr
		}
		return nil, err
	}

	payloadBytes, err := json.Marshal(normalized)
	if err != nil {
		return nil, ValidationError(CodeInvalidPayload, err.Error())
	}
	key := GenerateSettlementKey(id, payloadBytes)

	for {
		status, cached, done := e.settlements.CheckAndMark(key)
		switch status {
		case StatusCached:
			e.logger.Info("settlement replayed", zap.String("session_id", id))
			return replay(cached), nil

		case StatusInFlight:
			result, err := e.settlements.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return replay(result), nil
			}
			// The first attempt failed without recording an outcome; run our own,
			// which will see the session's new state.
			continue

		default:
			result, err := e.settle(ctx, id, normalized, payer)
			if err != nil || result == nil || !result.Success {
				e.settlements.Fail(key, done)
				return result, err
			}
			e.settlements.Complete(key, result, done)
			return result, nil
		}
	}
}

// settleInput normalizes the payload and resolves the payer against the
// authorization signer
func (e *Engine) settleInput(payload PaymentPayload, payer string) (PaymentPayload, string, error) {
	normalized, err := e.preparePayload(payload)
	if err != nil {
		return payload, "", err
	}

	from := authorizationFrom(normalized)
	if payer == "" {
		payer = from
	}
	if !common.IsHexAddress(payer) {
		return normalized, "", ValidationError(CodeInvalidPayer, fmt.Sprintf("invalid payer address %q", payer))
	}
	if from != "" && !common.IsHexAddress(from) {
		return normalized, "", ValidationError(CodeInvalidPayload, fmt.Sprintf("invalid authorization signer %q", from))
	}
	if from != "" && common.HexToAddress(from) != common.HexToAddress(payer) {
		return normalized, "", ValidationError(CodeInvalidPayer, "payer does not match authorization signer")
	}
	return normalized, common.HexToAddress(payer).Hex(), nil
}

// settleStateError returns the error a session's current state forces on any
// settle attempt, or nil when the session could still be settled
func (e *Engine) settleStateError(ctx context.Context, id string) error {
	session, err := e.loadSession(ctx, id)
	if err != nil {
		return err
	}
	switch session.Status {
	case StatusConfirmed:
		return e.alreadySettled(ctx, session)
	case StatusExpired, StatusFailed, StatusPaymentProcessing:
		return checkPayable(session)
	}
	return nil
}

func replay(r *SettleResult) *SettleResult {
	out := *r
	out.Replayed = true
	return &out
}

// settle runs one settlement attempt under the session lock
func (e *Engine) settle(ctx context.Context, id string, payload PaymentPayload, payer string) (*SettleResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	session, err := e.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Status == StatusConfirmed {
		return nil, e.alreadySettled(ctx, session)
	}
	if err := checkPayable(session); err != nil {
		return nil, err
	}
	if session.Status != StatusPaymentPending {
		return nil, InvalidState(CodePaymentNotPrepared, "payment has not been prepared for this session")
	}

	merchant, err := e.sessionMerchant(ctx, session)
	if err != nil {
		return nil, err
	}
	requirements, err := e.buildRequirements(session, merchant)
	if err != nil {
		return nil, err
	}

	start := e.now()
	hookCtx := SettleContext{
		Ctx:          ctx,
		Session:      *session,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    start,
	}
	if err := e.runBeforeSettle(hookCtx); err != nil {
		return nil, err
	}

	processing, err := e.transition(ctx, session, StatusPaymentProcessing, payer, StatusPaymentPending)
	if errors.Is(err, ErrStatusConflict) {
		return nil, InvalidState(CodeInvalidTransition, "session changed before settlement")
	}
	if err != nil {
		return nil, err
	}
	hookCtx.Session = *processing

	// Once dispatched, the settlement runs to completion or failure even if
	// the caller goes away
	ctx = context.WithoutCancel(ctx)
	hookCtx.Ctx = ctx

	resp, settleErr := e.facilitator.Settle(ctx, payload, requirements)
	if settleErr == nil && (resp == nil || !resp.Success || resp.Transaction == "") {
		reason := "facilitator returned no transaction"
		if resp != nil && resp.ErrorReason != "" {
			reason = resp.ErrorReason
		}
		settleErr = errors.New(reason)
	}
	if settleErr != nil {
		return nil, e.failSettlement(ctx, processing, hookCtx, settleErr)
	}

	network := resp.Network
	if network == "" {
		network = e.cfg.Network
	}
	tx, err := e.recordSettlement(ctx, processing, merchant, payer, resp.Transaction, network)
	if err != nil {
		e.logger.Error("settled on chain but failed to record transaction",
			zap.String("session_id", id),
			zap.String("tx_hash", resp.Transaction),
			zap.Error(err))
		return nil, Internal(err)
	}

	confirmed, err := e.transition(ctx, processing, StatusConfirmed, "", StatusPaymentProcessing)
	if errors.Is(err, ErrStatusConflict) {
		confirmed, err = e.reload(ctx, id)
		if err == nil && confirmed.Status != StatusConfirmed {
			e.logger.Error("settled on chain but session left processing",
				zap.String("session_id", id),
				zap.String("status", string(confirmed.Status)),
				zap.String("tx_hash", resp.Transaction))
			err = Internal(fmt.Errorf("session %s is %s after settlement", id, confirmed.Status))
		}
	}
	if err != nil {
		return nil, err
	}

	result := &SettleResult{
		Success:     true,
		Session:     confirmed,
		Transaction: tx,
		TxHash:      resp.Transaction,
		Network:     network,
		Payer:       payer,
		ExplorerURL: e.service.ExplorerTxURL(network, resp.Transaction),
	}

	e.logger.Info("session settled",
		zap.String("session_id", id),
		zap.String("tx_hash", resp.Transaction),
		zap.String("payer", payer),
		zap.String("total", confirmed.TotalAmount.StringFixed(2)))

	e.runAfterSettle(SettleResultContext{
		SettleContext: hookCtx,
		Result:        *result,
		Duration:      e.now().Sub(start),
	})
	return result, nil
}

// alreadySettled builds the AlreadySettled error carrying the recorded transaction
func (e *Engine) alreadySettled(ctx context.Context, s *Session) error {
	settled := InvalidState(CodeAlreadySettled, "session already settled")
	tx, err := e.store.FindTransactionBySession(ctx, s.ID)
	if err != nil {
		e.logger.Warn("failed to load transaction for settled session",
			zap.String("session_id", s.ID), zap.Error(err))
		return settled
	}
	if tx != nil {
		settled.WithDetail("transactionId", tx.ID).
			WithDetail("txHash", tx.TxHash).
			WithDetail("transaction", tx)
	}
	return settled
}

// failSettlement marks a processing session failed after a facilitator error
func (e *Engine) failSettlement(ctx context.Context, s *Session, hookCtx SettleContext, cause error) error {
	e.logger.Warn("facilitator settle failed",
		zap.String("session_id", s.ID), zap.Error(cause))

	if _, err := e.transition(ctx, s, StatusFailed, "", StatusPaymentProcessing); err != nil {
		e.logger.Error("failed to mark session failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}

	settleErr := FacilitatorError(CodeSettleFailed, "facilitator settle failed", cause)
	e.runSettleFailure(SettleFailureContext{
		SettleContext: hookCtx,
		Error:         settleErr,
		Duration:      e.now().Sub(hookCtx.Timestamp),
	})
	return settleErr
}

// recordSettlement finds or creates the session's transaction and confirms it
func (e *Engine) recordSettlement(ctx context.Context, s *Session, m *Merchant, payer, txHash string, network Network) (*Transaction, error) {
	tx, err := e.store.FindTransactionBySession(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	if tx == nil {
		tip := s.TipAmount
		if tip == nil {
			return nil, fmt.Errorf("session %s has no tip", s.ID)
		}
		tx, err = e.store.CreateTransaction(ctx, &Transaction{
			ID:               "tx_" + uuid.NewString(),
			SessionID:        s.ID,
			MerchantID:       s.MerchantID,
			PayerAddress:     payer,
			RecipientAddress: m.WalletAddress,
			BillAmount:       s.BillAmount,
			TipAmount:        *tip,
			TotalAmount:      *s.TotalAmount,
			Currency:         s.Currency,
			TxHash:           txHash,
			Network:          network,
			Status:           TxStatusPending,
			CreatedAt:        e.now(),
		})
		if errors.Is(err, ErrDuplicateTransaction) {
			tx, err = e.store.FindTransactionBySession(ctx, s.ID)
			if err == nil && tx == nil {
				err = fmt.Errorf("transaction for session %s vanished", s.ID)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if tx.Status == TxStatusConfirmed {
		return tx, nil
	}
	return e.store.ConfirmTransaction(ctx, tx.ID)
}
