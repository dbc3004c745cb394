package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tipengine "github.com/tink-protocol/tipengine"
)

func seedSession(t *testing.T, s *Store, id, memo string) {
	t.Helper()
	_, err := s.CreateSession(context.Background(), &tipengine.Session{
		ID:         id,
		MerchantID: "merchant_1",
		BillAmount: decimal.RequireFromString("10.00"),
		Status:     tipengine.StatusPending,
		Memo:       memo,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestSessionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedSession(t, s, "session_1", "TINK-1")

	_, err := s.SetStatus(ctx, "session_1", tipengine.StatusPaymentPending, "", tipengine.StatusTipSelected)
	assert.ErrorIs(t, err, tipengine.ErrStatusConflict)

	updated, err := s.SetTip(ctx, "session_1",
		decimal.RequireFromString("1.50"), decimal.RequireFromString("15"), decimal.RequireFromString("11.50"),
		tipengine.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, tipengine.StatusTipSelected, updated.Status)
	assert.Equal(t, "11.5", updated.TotalAmount.String())

	updated, err = s.SetStatus(ctx, "session_1", tipengine.StatusPaymentPending, "0xabc", tipengine.StatusTipSelected)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", updated.PayerAddress)

	// Mutating a returned copy does not leak into the store
	updated.Status = tipengine.StatusConfirmed
	got, err := s.GetSession(ctx, "session_1")
	require.NoError(t, err)
	assert.Equal(t, tipengine.StatusPaymentPending, got.Status)
}

func TestSessionConcurrentCASHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedSession(t, s, "session_1", "TINK-1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SetStatus(ctx, "session_1", tipengine.StatusExpired, "", tipengine.StatusPending); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestSessionUniqueness(t *testing.T) {
	s := New()
	seedSession(t, s, "session_1", "TINK-1")

	_, err := s.CreateSession(context.Background(), &tipengine.Session{ID: "session_2", Memo: "TINK-1"})
	assert.Error(t, err)
	_, err = s.CreateSession(context.Background(), &tipengine.Session{ID: "session_1", Memo: "TINK-2"})
	assert.Error(t, err)

	missing, err := s.GetSession(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTransactionOnePerSession(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.CreateTransaction(ctx, &tipengine.Transaction{ID: "tx_1", SessionID: "session_1", Status: tipengine.TxStatusPending})
	require.NoError(t, err)
	_, err = s.CreateTransaction(ctx, &tipengine.Transaction{ID: "tx_2", SessionID: "session_1"})
	assert.ErrorIs(t, err, tipengine.ErrDuplicateTransaction)

	confirmed, err := s.ConfirmTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tipengine.TxStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	found, err := s.FindTransactionBySession(ctx, "session_1")
	require.NoError(t, err)
	assert.Equal(t, "tx_1", found.ID)
	assert.Equal(t, 1, s.TransactionCount())
}

func TestDisputesOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"dispute_b", "dispute_a", "dispute_c"} {
		_, err := s.CreateDispute(ctx, &tipengine.Dispute{ID: id, SessionID: "session_1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := s.CreateDispute(ctx, &tipengine.Dispute{ID: "dispute_x", SessionID: "session_2"})
	require.NoError(t, err)

	list, err := s.ListDisputesBySession(ctx, "session_1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"dispute_b", "dispute_a", "dispute_c"}, []string{list[0].ID, list[1].ID, list[2].ID})
}
