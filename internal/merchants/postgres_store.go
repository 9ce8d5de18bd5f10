package merchants

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore persists merchant profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const merchantColumns = `id, user_id, display_name, kind, rating, response_time_minutes,
		       completion_rate, online, total_trades, completed_trades,
		       service_areas, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, m *Merchant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchants (
			id, user_id, display_name, kind, rating, response_time_minutes,
			completion_rate, online, total_trades, completed_trades,
			service_areas, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.UserID, m.DisplayName, string(m.Kind), m.Rating, m.ResponseTimeMinutes,
		m.CompletionRate, m.Online, m.TotalTrades, m.CompletedTrades,
		pq.Array(m.ServiceAreas), m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrMerchantExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Merchant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)

	m, err := scanMerchant(row)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	return m, err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Merchant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE user_id = $1`, userID)

	m, err := scanMerchant(row)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	return m, err
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants WHERE 1=1`
	args := []interface{}{}
	i := 1

	if q.Kind != "" {
		query += ` AND kind = $` + itoa(i)
		args = append(args, string(q.Kind))
		i++
	}
	if q.OnlineOnly {
		query += ` AND online = TRUE`
	}
	if q.Area != "" {
		// Vendors with no areas serve everywhere; merchants always match.
		query += ` AND (kind <> 'vendor' OR service_areas = '{}' OR $` + itoa(i) + ` ILIKE ANY(service_areas))`
		args = append(args, q.Area)
		i++
	}
	query += ` ORDER BY id LIMIT $` + itoa(i)
	args = append(args, q.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, m *Merchant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE merchants SET
			display_name = $1, rating = $2, response_time_minutes = $3,
			completion_rate = $4, online = $5, total_trades = $6,
			completed_trades = $7, service_areas = $8, updated_at = $9
		WHERE id = $10`,
		m.DisplayName, m.Rating, m.ResponseTimeMinutes,
		m.CompletionRate, m.Online, m.TotalTrades,
		m.CompletedTrades, pq.Array(m.ServiceAreas), m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMerchantNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMerchant(s scanner) (*Merchant, error) {
	m := &Merchant{}
	var kind string
	err := s.Scan(
		&m.ID, &m.UserID, &m.DisplayName, &kind, &m.Rating, &m.ResponseTimeMinutes,
		&m.CompletionRate, &m.Online, &m.TotalTrades, &m.CompletedTrades,
		pq.Array(&m.ServiceAreas), &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Kind = Kind(kind)
	return m, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func itoa(i int) string { return strconv.Itoa(i) }

var _ Store = (*PostgresStore)(nil)
