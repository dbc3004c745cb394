// Package postgres implements tipengine.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/split"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Store is a pgx-backed tipengine.Store
type Store struct {
	pool *pgxpool.Pool
}

var _ tipengine.Store = (*Store)(nil)

// New connects to databaseURL and checks the connection
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations in name order
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

func statusStrings(from []tipengine.SessionStatus) []string {
	out := make([]string, len(from))
	for i, st := range from {
		out[i] = string(st)
	}
	return out
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ============================================================================
// Sessions
// ============================================================================

const sessionColumns = `id, merchant_id, bill_amount::text, tip_amount::text, tip_percentage::text,
	total_amount::text, currency, status, memo, payer_address, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*tipengine.Session, error) {
	var (
		s               tipengine.Session
		bill            string
		tip, pct, total *string
		status          string
	)
	err := row.Scan(&s.ID, &s.MerchantID, &bill, &tip, &pct, &total,
		&s.Currency, &status, &s.Memo, &s.PayerAddress, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	s.Status = tipengine.SessionStatus(status)
	if s.BillAmount, err = parseDecimal(bill); err != nil {
		return nil, err
	}
	if s.TipAmount, err = parseOptionalDecimal(tip); err != nil {
		return nil, err
	}
	if s.TipPercentage, err = parseOptionalDecimal(pct); err != nil {
		return nil, err
	}
	if s.TotalAmount, err = parseOptionalDecimal(total); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*tipengine.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning session row: %w", err)
	}
	return session, nil
}

func (s *Store) CreateSession(ctx context.Context, session *tipengine.Session) (*tipengine.Session, error) {
	query := `
		INSERT INTO sessions (id, merchant_id, bill_amount, currency, status, memo, payer_address, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + sessionColumns
	created, err := scanSession(s.pool.QueryRow(ctx, query,
		session.ID, session.MerchantID, session.BillAmount.String(), session.Currency, string(session.Status),
		session.Memo, session.PayerAddress, session.CreatedAt, session.UpdatedAt, session.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("error inserting session: %w", err)
	}
	return created, nil
}

// conditionalUpdate runs an UPDATE ... RETURNING guarded by status and maps a
// miss to not-found or ErrStatusConflict
func (s *Store) conditionalUpdate(ctx context.Context, id string, query string, args ...interface{}) (*tipengine.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("error updating session: %w", err)
	}

	existing, getErr := s.GetSession(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing == nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return nil, tipengine.ErrStatusConflict
}

func (s *Store) SetTip(ctx context.Context, id string, tip, pct, total decimal.Decimal, from ...tipengine.SessionStatus) (*tipengine.Session, error) {
	query := `
		UPDATE sessions
		SET tip_amount = $2::numeric, tip_percentage = $3::numeric, total_amount = $4::numeric,
			status = $5, updated_at = NOW()
		WHERE id = $1 AND (cardinality($6::text[]) = 0 OR status = ANY($6::text[]))
		RETURNING ` + sessionColumns
	return s.conditionalUpdate(ctx, id, query,
		id, tip.String(), pct.String(), total.String(), string(tipengine.StatusTipSelected), statusStrings(from))
}

func (s *Store) SetStatus(ctx context.Context, id string, status tipengine.SessionStatus, payerAddress string, from ...tipengine.SessionStatus) (*tipengine.Session, error) {
	query := `
		UPDATE sessions
		SET status = $2, payer_address = COALESCE(NULLIF($3, ''), payer_address), updated_at = NOW()
		WHERE id = $1 AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
		RETURNING ` + sessionColumns
	return s.conditionalUpdate(ctx, id, query, id, string(status), payerAddress, statusStrings(from))
}

// ============================================================================
// Transactions
// ============================================================================

const transactionColumns = `id, session_id, merchant_id, payer_address, recipient_address,
	bill_amount::text, tip_amount::text, total_amount::text, currency, tx_hash, network, status,
	created_at, confirmed_at`

func scanTransaction(row pgx.Row) (*tipengine.Transaction, error) {
	var (
		t                tipengine.Transaction
		bill, tip, total string
		network, status  string
		confirmedAt      *time.Time
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.MerchantID, &t.PayerAddress, &t.RecipientAddress,
		&bill, &tip, &total, &t.Currency, &t.TxHash, &network, &status, &t.CreatedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	t.Network = tipengine.Network(network)
	t.Status = tipengine.TransactionStatus(status)
	t.ConfirmedAt = confirmedAt
	if t.BillAmount, err = parseDecimal(bill); err != nil {
		return nil, err
	}
	if t.TipAmount, err = parseDecimal(tip); err != nil {
		return nil, err
	}
	if t.TotalAmount, err = parseDecimal(total); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *tipengine.Transaction) (*tipengine.Transaction, error) {
	query := `
		INSERT INTO transactions (id, session_id, merchant_id, payer_address, recipient_address,
			bill_amount, tip_amount, total_amount, currency, tx_hash, network, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
		RETURNING ` + transactionColumns
	created, err := scanTransaction(s.pool.QueryRow(ctx, query,
		tx.ID, tx.SessionID, tx.MerchantID, tx.PayerAddress, tx.RecipientAddress,
		tx.BillAmount.String(), tx.TipAmount.String(), tx.TotalAmount.String(),
		tx.Currency, tx.TxHash, string(tx.Network), string(tx.Status), tx.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "transactions_session_id_key" {
			return nil, tipengine.ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("error inserting transaction: %w", err)
	}
	return created, nil
}

func (s *Store) setTxStatus(ctx context.Context, id string, status tipengine.TransactionStatus) (*tipengine.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $2,
			confirmed_at = CASE WHEN $2 = 'confirmed' THEN COALESCE(confirmed_at, NOW()) ELSE confirmed_at END
		WHERE id = $1
		RETURNING ` + transactionColumns
	tx, err := scanTransaction(s.pool.QueryRow(ctx, query, id, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error updating transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) ConfirmTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	return s.setTxStatus(ctx, id, tipengine.TxStatusConfirmed)
}

func (s *Store) FailTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	return s.setTxStatus(ctx, id, tipengine.TxStatusFailed)
}

func (s *Store) getTransactionWhere(ctx context.Context, column, value string) (*tipengine.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning transaction row: %w", err)
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*tipengine.Transaction, error) {
	return s.getTransactionWhere(ctx, "id", id)
}

func (s *Store) FindTransactionBySession(ctx context.Context, sessionID string) (*tipengine.Transaction, error) {
	return s.getTransactionWhere(ctx, "session_id", sessionID)
}

// ============================================================================
// Merchants
// ============================================================================

const merchantColumns = `id, name, slug, wallet_address, tip_split_config, created_at, updated_at`

func scanMerchant(row pgx.Row) (*tipengine.Merchant, error) {
	var (
		m      tipengine.Merchant
		shares []byte
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Slug, &m.WalletAddress, &shares, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if len(shares) > 0 {
		if err := json.Unmarshal(shares, &m.SplitConfig); err != nil {
			return nil, fmt.Errorf("invalid tip_split_config for merchant %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func (s *Store) CreateMerchant(ctx context.Context, merchant *tipengine.Merchant) (*tipengine.Merchant, error) {
	shares, err := json.Marshal(merchant.SplitConfig)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO merchants (id, name, slug, wallet_address, tip_split_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING ` + merchantColumns
	created, err := scanMerchant(s.pool.QueryRow(ctx, query,
		merchant.ID, merchant.Name, merchant.Slug, merchant.WalletAddress, string(shares),
		merchant.CreatedAt, merchant.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("error inserting merchant: %w", err)
	}
	return created, nil
}

func (s *Store) getMerchantWhere(ctx context.Context, column, value string) (*tipengine.Merchant, error) {
	m, err := scanMerchant(s.pool.QueryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning merchant row: %w", err)
	}
	return m, nil
}

func (s *Store) GetMerchant(ctx context.Context, id string) (*tipengine.Merchant, error) {
	return s.getMerchantWhere(ctx, "id", id)
}

func (s *Store) GetMerchantBySlug(ctx context.Context, slug string) (*tipengine.Merchant, error) {
	return s.getMerchantWhere(ctx, "slug", slug)
}

func (s *Store) GetSplitConfig(ctx context.Context, merchantID string) ([]split.Share, error) {
	m, err := s.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("merchant %s not found", merchantID)
	}
	return m.SplitConfig, nil
}

func (s *Store) SetSplitConfig(ctx context.Context, merchantID string, shares []split.Share) error {
	raw, err := json.Marshal(shares)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE merchants SET tip_split_config = $2::jsonb, updated_at = NOW() WHERE id = $1`,
		merchantID, string(raw))
	if err != nil {
		return fmt.Errorf("error updating split config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("merchant %s not found", merchantID)
	}
	return nil
}

// ============================================================================
// Disputes
// ============================================================================

const disputeColumns = `id, session_id, transaction_id, reason, details, status, submitted_by,
	resolution, created_at, updated_at, resolved_at`

func scanDispute(row pgx.Row) (*tipengine.Dispute, error) {
	var (
		d              tipengine.Dispute
		reason, status string
	)
	err := row.Scan(&d.ID, &d.SessionID, &d.TransactionID, &reason, &d.Details, &status,
		&d.SubmittedBy, &d.Resolution, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	d.Reason = tipengine.DisputeReason(reason)
	d.Status = tipengine.DisputeStatus(status)
	return &d, nil
}

func (s *Store) CreateDispute(ctx context.Context, d *tipengine.Dispute) (*tipengine.Dispute, error) {
	query := `
		INSERT INTO disputes (id, session_id, transaction_id, reason, details, status, submitted_by,
			resolution, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + disputeColumns
	created, err := scanDispute(s.pool.QueryRow(ctx, query,
		d.ID, d.SessionID, d.TransactionID, string(d.Reason), d.Details, string(d.Status), d.SubmittedBy,
		d.Resolution, d.CreatedAt, d.UpdatedAt, d.ResolvedAt))
	if err != nil {
		return nil, fmt.Errorf("error inserting dispute: %w", err)
	}
	return created, nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (*tipengine.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning dispute row: %w", err)
	}
	return d, nil
}

func (s *Store) ListDisputesBySession(ctx context.Context, sessionID string) ([]*tipengine.Dispute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying disputes: %w", err)
	}
	defer rows.Close()

	var out []*tipengine.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning dispute row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDispute(ctx context.Context, d *tipengine.Dispute) (*tipengine.Dispute, error) {
	query := `
		UPDATE disputes
		SET status = $2, resolution = $3, updated_at = $4, resolved_at = $5
		WHERE id = $1
		RETURNING ` + disputeColumns
	updated, err := scanDispute(s.pool.QueryRow(ctx, query,
		d.ID, string(d.Status), d.Resolution, d.UpdatedAt, d.ResolvedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dispute %s not found", d.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("error updating dispute: %w", err)
	}
	return updated, nil
}
