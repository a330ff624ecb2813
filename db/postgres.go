package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay/apperr"
	"chatrelay/models"
)

// Postgres keeps the pending message queue in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the queue table if needed.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}

	p := &Postgres{pool: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id BIGSERIAL PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_pair ON pending_messages(recipient, sender, id)`,
	}
	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return apperr.ErrStoreUnavailable.Wrap(err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, msg models.PendingMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pending_messages (sender, recipient, ciphertext, created_at, delivered)
		VALUES ($1, $2, $3, $4, FALSE)`,
		msg.Sender, msg.Recipient, msg.Ciphertext, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) Drain(ctx context.Context, recipient, sender string) ([]models.PendingMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sender, recipient, ciphertext, created_at, delivered
		FROM pending_messages
		WHERE recipient = $1 AND sender = $2 AND NOT delivered
		ORDER BY id ASC
	`, recipient, sender)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	var messages []models.PendingMessage
	for rows.Next() {
		var m models.PendingMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Ciphertext, &m.CreatedAt, &m.Delivered); err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return messages, nil
}

func (p *Postgres) Purge(ctx context.Context, recipient, sender string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM pending_messages WHERE recipient = $1 AND sender = $2`,
		recipient, sender,
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) PurgeThrough(ctx context.Context, recipient, sender string, lastID int64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM pending_messages WHERE recipient = $1 AND sender = $2 AND id <= $3`,
		recipient, sender, lastID,
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (p *Postgres) CountBySender(ctx context.Context, recipient string) (map[string]int, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sender, COUNT(*)
		FROM pending_messages
		WHERE recipient = $1 AND NOT delivered
		GROUP BY sender
	`, recipient)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int64
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		counts[sender] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return counts, nil
}
