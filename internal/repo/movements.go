package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

var movementColumns = []string{
	"id", "entity_id", "entity_kind", "action_type", "from_unit", "from_user",
	"to_unit", "to_user", "actor_id", "note", "occurred_at",
}

func (r Repo) InsertMovement(ctx context.Context, q Querier, m domain.Movement) error {
	b := r.sb().Insert("movements").Columns(movementColumns...).Values(
		m.ID, m.EntityID, m.EntityKind, m.Type, nullable(m.FromUnit), nullable(m.FromUser),
		nullable(m.ToUnit), nullable(m.ToUser), m.ActorID, nullable(m.Note), FormatTime(m.OccurredAt),
	)
	_, err := execSQL(ctx, r.conn(q), b)
	return err
}

// MovementCursor positions a page of history after (OccurredAt, ID).
type MovementCursor struct {
	OccurredAt string
	ID         string
}

// ListMovements returns a page of an entity's movements ordered by
// occurred_at then id, strictly after the cursor.
func (r Repo) ListMovements(ctx context.Context, q Querier, entityID string, after MovementCursor, limit int) ([]domain.Movement, error) {
	b := r.sb().Select(movementColumns...).From("movements").Where(sq.Eq{"entity_id": entityID})
	if after.OccurredAt != "" {
		b = b.Where(sq.Or{
			sq.Gt{"occurred_at": after.OccurredAt},
			sq.And{sq.Eq{"occurred_at": after.OccurredAt}, sq.Gt{"id": after.ID}},
		})
	}
	b = b.OrderBy("occurred_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Movement
	for rows.Next() {
		var m domain.Movement
		var fromUnit, fromUser, toUnit, toUser, note sql.NullString
		var occurred string
		if err := rows.Scan(&m.ID, &m.EntityID, &m.EntityKind, &m.Type, &fromUnit, &fromUser,
			&toUnit, &toUser, &m.ActorID, &note, &occurred); err != nil {
			return nil, err
		}
		m.FromUnit, m.FromUser = fromUnit.String, fromUser.String
		m.ToUnit, m.ToUser = toUnit.String, toUser.String
		m.Note = note.String
		if m.OccurredAt, err = ParseTime(occurred); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMovements(ctx context.Context, q Querier, entityID string) (int, error) {
	b := r.sb().Select("COUNT(*)").From("movements").Where(sq.Eq{"entity_id": entityID})
	var n int
	err := queryRowSQL(ctx, r.conn(q), b).Scan(&n)
	return n, err
}
