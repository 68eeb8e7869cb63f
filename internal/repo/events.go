package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

var eventColumns = []string{"id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json"}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before returns only events with an id lower than this cursor.
	Before int64
	Limit  int
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	b := r.sb().Select(eventColumns...).From("events")
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		b = b.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Before > 0 {
		b = b.Where(sq.Lt{"id": f.Before})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	b = b.OrderBy("id DESC").Limit(uint64(limit))
	rows, err := querySQL(ctx, r.DB, b)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	b := r.sb().Select(eventColumns...).From("events")
	if cursor > 0 {
		b = b.Where(sq.Gt{"id": cursor})
	}
	b = b.OrderBy("id ASC").Limit(uint64(limit))
	rows, err := querySQL(ctx, r.DB, b)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	b := r.sb().Select("COALESCE(MAX(id),0)").From("events")
	var id int64
	if err := queryRowSQL(ctx, r.DB, b).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountEvents(ctx context.Context, q Querier, entityID string) (int, error) {
	b := r.sb().Select("COUNT(*)").From("events").Where(sq.Eq{"entity_id": entityID})
	var n int
	err := queryRowSQL(ctx, r.conn(q), b).Scan(&n)
	return n, err
}
