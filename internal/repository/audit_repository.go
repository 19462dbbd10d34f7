package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

type AuditRepository interface {
	Append(ctx context.Context, event domain.AuditEvent) error
	SummarySince(ctx context.Context, since time.Time) (map[string]int, error)
	CountByTypeSince(ctx context.Context, eventType string, since time.Time) (int, error)
	CountByIPSince(ctx context.Context, eventType string, since time.Time) (map[string]int, error)
}

type auditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) Append(ctx context.Context, event domain.AuditEvent) error {
	const q = `
		INSERT INTO audit_events (event_type, user_id, ip, meta)
		VALUES ($1, $2, $3, $4)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var meta []byte
	if len(event.Meta) > 0 {
		encoded, err := json.Marshal(event.Meta)
		if err != nil {
			return err
		}
		meta = encoded
	}

	_, err := r.pool.Exec(ctx, q, event.EventType, event.UserID, event.IP, meta)
	return err
}

func (r *auditRepository) SummarySince(ctx context.Context, since time.Time) (map[string]int, error) {
	const q = `
		SELECT event_type, count(*)
		FROM audit_events
		WHERE created_at >= $1
		GROUP BY event_type`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		summary[eventType] = count
	}

	return summary, rows.Err()
}

func (r *auditRepository) CountByTypeSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM audit_events WHERE event_type = $1 AND created_at >= $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int
	err := r.pool.QueryRow(ctx, q, eventType, since).Scan(&count)
	return count, err
}

func (r *auditRepository) CountByIPSince(ctx context.Context, eventType string, since time.Time) (map[string]int, error) {
	const q = `
		SELECT ip, count(*)
		FROM audit_events
		WHERE event_type = $1 AND created_at >= $2 AND ip <> ''
		GROUP BY ip`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, eventType, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			ip    string
			count int
		)
		if err := rows.Scan(&ip, &count); err != nil {
			return nil, err
		}
		counts[ip] = count
	}

	return counts, rows.Err()
}
