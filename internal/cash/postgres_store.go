package cash

import (
	"context"
	"database/sql"
)

// PostgresStore persists cash jobs in PostgreSQL. Status moves and code
// issuance are conditional updates decided by the affected-row count.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const cashColumns = `id, trade_id, buyer_id, vendor_id, area, fee_credits,
		     delivery_code, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *CashTrade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cash_trades (
			id, trade_id, buyer_id, vendor_id, area, fee_credits,
			delivery_code, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.TradeID, c.BuyerID, c.VendorID, c.Area, c.FeeCredits,
		c.DeliveryCode, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*CashTrade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cashColumns+` FROM cash_trades WHERE id = $1`, id)

	c, err := scanCashTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrCashTradeNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID string) (*CashTrade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cashColumns+` FROM cash_trades WHERE trade_id = $1`, tradeID)

	c, err := scanCashTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrCashTradeNotFound
	}
	return c, err
}

func (p *PostgresStore) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*CashTrade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cashColumns+`
		FROM cash_trades
		WHERE vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, vendorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CashTrade
	for rows.Next() {
		c, err := scanCashTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatusFrom(ctx context.Context, id string, from Status, mutate func(*CashTrade)) (*CashTrade, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+cashColumns+` FROM cash_trades WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCashTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrCashTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Status != from {
		return nil, ErrInvalidTransition
	}

	mutate(c)

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_trades
		SET status = $2, delivery_code = $3, updated_at = NOW()
		WHERE id = $1`,
		c.ID, string(c.Status), c.DeliveryCode)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) SetCodeIfEmpty(ctx context.Context, id, code string) (*CashTrade, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE cash_trades
		SET delivery_code = $2, updated_at = NOW()
		WHERE id = $1 AND delivery_code = ''`, id, code)
	if err != nil {
		return nil, err
	}
	// Return whatever code won, ours or an earlier one.
	return p.Get(ctx, id)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM cash_trades WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCashTradeNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCashTrade(s scanner) (*CashTrade, error) {
	c := &CashTrade{}
	var status string

	err := s.Scan(
		&c.ID, &c.TradeID, &c.BuyerID, &c.VendorID, &c.Area, &c.FeeCredits,
		&c.DeliveryCode, &status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	return c, nil
}

var _ Store = (*PostgresStore)(nil)
