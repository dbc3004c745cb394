package tipengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateDisputeRequest files a complaint against a session
type CreateDisputeRequest struct {
	SessionID   string
	Reason      DisputeReason
	Details     string
	SubmittedBy string
}

// disputeTransitions lists the statuses each dispute status may move to
var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputePending:     {DisputeUnderReview, DisputeResolved, DisputeRejected},
	DisputeUnderReview: {DisputeResolved, DisputeRejected},
}

// CreateDispute records a dispute. Allowed for a session in any state.
func (e *Engine) CreateDispute(ctx context.Context, req CreateDisputeRequest) (*Dispute, error) {
	if !req.Reason.Valid() {
		return nil, ValidationError(CodeInvalidDispute, fmt.Sprintf("unknown dispute reason %q", req.Reason))
	}
	details := strings.TrimSpace(req.Details)
	if details == "" {
		return nil, ValidationError(CodeInvalidDispute, "dispute details are required")
	}

	session, err := e.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	tx, err := e.store.FindTransactionBySession(ctx, session.ID)
	if err != nil {
		return nil, Internal(err)
	}

	now := e.now()
	dispute := &Dispute{
		ID:          "dispute_" + uuid.NewString(),
		SessionID:   session.ID,
		Reason:      req.Reason,
		Details:     details,
		Status:      DisputePending,
		SubmittedBy: strings.TrimSpace(req.SubmittedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tx != nil {
		dispute.TransactionID = tx.ID
	}

	created, err := e.store.CreateDispute(ctx, dispute)
	if err != nil {
		e.logger.Error("failed to create dispute", zap.String("session_id", session.ID), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("dispute created",
		zap.String("dispute_id", created.ID),
		zap.String("session_id", created.SessionID),
		zap.String("reason", string(created.Reason)))
	return created, nil
}

// GetDispute returns a dispute by id
func (e *Engine) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	dispute, err := e.store.GetDispute(ctx, id)
	if err != nil {
		return nil, Internal(err)
	}
	if dispute == nil {
		return nil, NotFound(CodeDisputeNotFound, fmt.Sprintf("dispute %s not found", id))
	}
	return dispute, nil
}

// ListDisputes returns a session's disputes, oldest first
func (e *Engine) ListDisputes(ctx context.Context, sessionID string) ([]*Dispute, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	disputes, err := e.store.ListDisputesBySession(ctx, sessionID)
	if err != nil {
		return nil, Internal(err)
	}
	return disputes, nil
}

// UpdateDisputeStatus moves a dispute forward. Resolved and rejected are final
// and record the resolution.
func (e *Engine) UpdateDisputeStatus(ctx context.Context, id string, status DisputeStatus, resolution string) (*Dispute, error) {
	unlock := e.locks.Lock("dispute:" + id)
	defer unlock()

	dispute, err := e.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range disputeTransitions[dispute.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, InvalidState(CodeInvalidTransition,
			fmt.Sprintf("dispute cannot move from %s to %s", dispute.Status, status))
	}

	from := dispute.Status
	now := e.now()
	dispute.Status = status
	dispute.UpdatedAt = now
	if status == DisputeResolved || status == DisputeRejected {
		dispute.Resolution = strings.TrimSpace(resolution)
		dispute.ResolvedAt = &now
	}

	updated, err := e.store.UpdateDispute(ctx, dispute)
	if err != nil {
		e.logger.Error("failed to update dispute", zap.String("dispute_id", id), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("dispute status changed",
		zap.String("dispute_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return updated, nil
}
