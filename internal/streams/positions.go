package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// startID is the position before the first entry of any stream.
const startID = "0-0"

// PositionRepository persists the last-processed event identifier per
// (consumer_name, stream_name). Positions are monotonically non-decreasing.
type PositionRepository struct {
	db *database.DB
}

// NewPositionRepository creates a repository backed by the analytics database.
func NewPositionRepository(db *database.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Get returns the last-processed event identifier for the pair, or the
// stream start position when the consumer has never run.
func (r *PositionRepository) Get(ctx context.Context, consumer, stream string) (string, error) {
	var lastID string
	err := r.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM stream_positions WHERE consumer_name = ? AND stream_name = ?`,
		consumer, stream,
	).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return startID, nil
	}
	if err != nil {
		return "", fmt.Errorf("load stream position %s/%s: %w", consumer, stream, err)
	}
	return lastID, nil
}

// Set upserts the position for the pair.
func (r *PositionRepository) Set(ctx context.Context, consumer, stream, eventID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stream_positions (consumer_name, stream_name, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_name, stream_name) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		consumer, stream, eventID, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save stream position %s/%s: %w", consumer, stream, err)
	}
	return nil
}

// List returns all known positions, for operator inspection.
func (r *PositionRepository) List(ctx context.Context) ([]domain.EventStreamPosition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT consumer_name, stream_name, last_event_id, updated_at FROM stream_positions ORDER BY consumer_name, stream_name`)
	if err != nil {
		return nil, fmt.Errorf("list stream positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.EventStreamPosition
	for rows.Next() {
		var p domain.EventStreamPosition
		var updatedAt string
		if err := rows.Scan(&p.ConsumerName, &p.StreamName, &p.LastEventID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan stream position: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			p.UpdatedAt = t
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
