package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// DedupRepository tracks processed external event ids. MarkProcessed is the
// atomic insert-if-absent primitive the webhook receiver synchronizes on.
type DedupRepository struct {
	pool *pgxpool.Pool
}

func NewDedupRepository(pool *pgxpool.Pool) *DedupRepository {
	return &DedupRepository{pool: pool}
}

// MarkProcessed records the event id and reports whether it was newly inserted.
// A false result means the id was already present and the delivery is a duplicate.
func (r *DedupRepository) MarkProcessed(ctx context.Context, externalEventID string, receivedAt time.Time) (bool, error) {
	query := `INSERT INTO processed_event (external_event_id, received_at)
	          VALUES ($1, $2)
	          ON CONFLICT (external_event_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, externalEventID, receivedAt)
	if err != nil {
		return false, errors.Wrap(err, "inserting processed event")
	}
	return tag.RowsAffected() == 1, nil
}

// Remove undoes an admission mark. Used when the enqueue that follows
// MarkProcessed fails, so the gateway's retry is not swallowed as a duplicate.
func (r *DedupRepository) Remove(ctx context.Context, externalEventID string) error {
	query := `DELETE FROM processed_event WHERE external_event_id = $1`
	_, err := r.pool.Exec(ctx, query, externalEventID)
	return errors.Wrap(err, "deleting processed event")
}
