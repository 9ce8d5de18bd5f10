package request

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists trade requests in PostgreSQL. The acceptance
// guard is a single conditional UPDATE: the affected-row count decides
// the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, requester_id, side, crypto_asset, crypto_amount, fiat_amount, rate,
		       payment_method, status, merchant_id, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *TradeRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_requests (
			id, requester_id, side, crypto_asset, crypto_amount, fiat_amount, rate,
			payment_method, status, merchant_id, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(30,10), $6::NUMERIC(30,2), $7::NUMERIC(30,10),
			$8, $9, $10, $11, $12, $13
		)`,
		r.ID, r.RequesterID, string(r.Side), r.CryptoAsset,
		r.CryptoAmount.String(), r.FiatAmount.String(), r.Rate.String(),
		string(r.PaymentMethod), string(r.Status), nullString(r.MerchantID),
		r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*TradeRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM trade_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, method PaymentMethod, limit int) ([]*TradeRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM trade_requests WHERE status = 'open'`
	args := []interface{}{}
	if method != "" {
		query += ` AND payment_method = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, string(method), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM trade_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, id, merchantID string) (*TradeRequest, error) {
	// The expiry guard means an overdue request the sweep has not yet
	// visited is still unclaimable.
	row := p.db.QueryRowContext(ctx, `
		UPDATE trade_requests
		SET status = 'accepted', merchant_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND expires_at > NOW()
		RETURNING `+requestColumns, id, merchantID)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		// Distinguish a lost race from an unknown id.
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trade_requests WHERE id = $1)`, id,
		).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, ErrRequestNotFound
		}
		return nil, ErrAlreadyTaken
	}
	return r, err
}

func (p *PostgresStore) Reopen(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trade_requests
		SET status = 'open', merchant_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'accepted'`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyTaken
	}
	return nil
}

func (p *PostgresStore) MarkStatusFrom(ctx context.Context, id string, from, to Status) (*TradeRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trade_requests
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+requestColumns, id, string(from), string(to))

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trade_requests WHERE id = $1)`, id,
		).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, ErrRequestNotFound
		}
		return nil, ErrAlreadyTaken
	}
	return r, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*TradeRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM trade_requests
		WHERE status = 'open' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*TradeRequest, error) {
	r := &TradeRequest{}
	var (
		side          string
		cryptoAmount  string
		fiatAmount    string
		rate          string
		paymentMethod string
		status        string
		merchantID    sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.RequesterID, &side, &r.CryptoAsset, &cryptoAmount, &fiatAmount, &rate,
		&paymentMethod, &status, &merchantID, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Side = Side(side)
	r.PaymentMethod = PaymentMethod(paymentMethod)
	r.Status = Status(status)
	r.MerchantID = merchantID.String

	if r.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return nil, err
	}
	if r.FiatAmount, err = decimal.NewFromString(fiatAmount); err != nil {
		return nil, err
	}
	if r.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}

	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*TradeRequest, error) {
	var result []*TradeRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
