package trade

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists trades in PostgreSQL. UpdateStatusFrom uses a
// row lock so the status check and the write are one atomic step even
// across service replicas.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, trade_request_id, buyer_id, seller_id, vendor_id,
		       crypto_asset, crypto_amount, fiat_amount, rate,
		       status, escrow_status, escrow_address, vault_ref,
		       payment_proof_ref, release_tx_ref, dispute_reason,
		       created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, trade_request_id, buyer_id, seller_id, vendor_id,
			crypto_asset, crypto_amount, fiat_amount, rate,
			status, escrow_status, escrow_address, vault_ref,
			payment_proof_ref, release_tx_ref, dispute_reason,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7::NUMERIC(30,10), $8::NUMERIC(30,2), $9::NUMERIC(30,10),
			$10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19
		)`,
		t.ID, nullString(t.TradeRequestID), t.BuyerID, t.SellerID, nullString(t.VendorID),
		t.CryptoAsset, t.CryptoAmount.String(), t.FiatAmount.String(), t.Rate.String(),
		string(t.Status), string(t.EscrowStatus), nullString(t.EscrowAddress), nullString(t.VaultRef),
		nullString(t.PaymentProofRef), nullString(t.ReleaseTxRef), nullString(t.DisputeReason),
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByRequest(ctx context.Context, requestID string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_request_id = $1`, requestID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1 OR vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListByEscrowStatus(ctx context.Context, status EscrowStatus, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE escrow_status = $1
		ORDER BY id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) UpdateStatusFrom(ctx context.Context, id string, from EscrowStatus, mutate func(*Trade)) (*Trade, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbtx.Rollback() }()

	row := dbtx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.EscrowStatus != from {
		return nil, ErrInvalidTransition
	}

	mutate(t)

	_, err = dbtx.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, escrow_status = $2, escrow_address = $3, vault_ref = $4,
			payment_proof_ref = $5, release_tx_ref = $6, dispute_reason = $7,
			updated_at = $8, completed_at = $9
		WHERE id = $10`,
		string(t.Status), string(t.EscrowStatus), nullString(t.EscrowAddress), nullString(t.VaultRef),
		nullString(t.PaymentProofRef), nullString(t.ReleaseTxRef), nullString(t.DisputeReason),
		t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		requestID     sql.NullString
		vendorID      sql.NullString
		cryptoAmount  string
		fiatAmount    string
		rate          string
		status        string
		escrowStatus  string
		escrowAddress sql.NullString
		vaultRef      sql.NullString
		proofRef      sql.NullString
		releaseTxRef  sql.NullString
		disputeReason sql.NullString
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&t.ID, &requestID, &t.BuyerID, &t.SellerID, &vendorID,
		&t.CryptoAsset, &cryptoAmount, &fiatAmount, &rate,
		&status, &escrowStatus, &escrowAddress, &vaultRef,
		&proofRef, &releaseTxRef, &disputeReason,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TradeRequestID = requestID.String
	t.VendorID = vendorID.String
	t.Status = Status(status)
	t.EscrowStatus = EscrowStatus(escrowStatus)
	t.EscrowAddress = escrowAddress.String
	t.VaultRef = vaultRef.String
	t.PaymentProofRef = proofRef.String
	t.ReleaseTxRef = releaseTxRef.String
	t.DisputeReason = disputeReason.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	if t.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return nil, err
	}
	if t.FiatAmount, err = decimal.NewFromString(fiatAmount); err != nil {
		return nil, err
	}
	if t.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
