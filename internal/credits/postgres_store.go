package credits

import (
	"context"
	"database/sql"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const creditColumns = `id, user_id, delta, reason, related_entity_id, created_at`

func (p *PostgresStore) AppendIfAbsent(ctx context.Context, tx *Transaction) error {
	// The partial unique index on (user_id, reason, related_entity_id)
	// makes the dedup atomic: racing replays collide on the index and
	// all but one insert nothing.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, delta, reason, related_entity_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, reason, related_entity_id) WHERE related_entity_id IS NOT NULL
		DO NOTHING`,
		tx.ID, tx.UserID, tx.Delta, tx.Reason, nullString(tx.RelatedEntityID), tx.CreatedAt,
	)
	return err
}

func (p *PostgresStore) AppendIfSufficient(ctx context.Context, tx *Transaction) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	// Serialize concurrent spends per user so the balance check and the
	// insert see a consistent ledger.
	if _, err := dbtx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tx.UserID); err != nil {
		return err
	}

	result, err := dbtx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, delta, reason, related_entity_id, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE COALESCE((SELECT SUM(delta) FROM credit_transactions WHERE user_id = $2), 0) + $3 >= 0`,
		tx.ID, tx.UserID, tx.Delta, tx.Reason, nullString(tx.RelatedEntityID), tx.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientCredits
	}
	return dbtx.Commit()
}

func (p *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = $1`, userID,
	).Scan(&balance)
	return balance, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+creditColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var relatedID sql.NullString
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &relatedID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.RelatedEntityID = relatedID.String
		result = append(result, tx)
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
