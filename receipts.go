package tipengine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tink-protocol/tipengine/split"
)

// PaymentStatusView is a session with its settlement record, if any
type PaymentStatusView struct {
	Session     *Session     `json:"session"`
	Transaction *Transaction `json:"transaction,omitempty"`
	ExplorerURL string       `json:"explorerUrl,omitempty"`
}

// Receipt summarizes a settled payment
type Receipt struct {
	Session     *Session           `json:"session"`
	Merchant    *Merchant          `json:"merchant"`
	Transaction *Transaction       `json:"transaction"`
	Split       []split.Allocation `json:"split"`
	SplitTotal  decimal.Decimal    `json:"splitTotal"`
	ExplorerURL string             `json:"explorerUrl"`
}

// PaymentStatus returns the current session and its transaction
func (e *Engine) PaymentStatus(ctx context.Context, sessionID string) (*PaymentStatusView, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tx, err := e.store.FindTransactionBySession(ctx, session.ID)
	if err != nil {
		return nil, Internal(err)
	}

	view := &PaymentStatusView{Session: session, Transaction: tx}
	if tx != nil && tx.TxHash != "" {
		view.ExplorerURL = e.service.ExplorerTxURL(tx.Network, tx.TxHash)
	}
	return view, nil
}

// Receipt returns the receipt of a session that has a recorded transaction
func (e *Engine) Receipt(ctx context.Context, sessionID string) (*Receipt, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tx, err := e.store.FindTransactionBySession(ctx, session.ID)
	if err != nil {
		return nil, Internal(err)
	}
	if tx == nil {
		return nil, NotFound(CodeTransactionNotFound, fmt.Sprintf("no transaction for session %s", session.ID))
	}
	merchant, err := e.sessionMerchant(ctx, session)
	if err != nil {
		return nil, err
	}
	shares, err := e.splitConfig(ctx, merchant.ID)
	if err != nil {
		return nil, err
	}

	allocs := split.Split(tx.TipAmount, shares)
	return &Receipt{
		Session:     session,
		Merchant:    merchant,
		Transaction: tx,
		Split:       allocs,
		SplitTotal:  split.Total(allocs),
		ExplorerURL: e.service.ExplorerTxURL(tx.Network, tx.TxHash),
	}, nil
}
