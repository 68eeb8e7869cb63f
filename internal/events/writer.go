package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/db"
	"recordflow/internal/repo"
)

const (
	TypeEntityCreated    = "entity.created"
	TypeEntityTransition = "entity.transition"
	TypeRoundOpened      = "round.opened"
	TypeRoundDecision    = "round.decision"
	TypeRoundResolved    = "round.resolved"
	TypeCommentAdded     = "comment.added"
	TypeBatchRecomputed  = "batch.recomputed"
	TypeBatchMemberAdded = "batch.member_added"
)

// Writer appends audit events inside the caller's transaction, or on DB
// when no querier is given. The events table is append-only; nothing here
// updates or deletes rows.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if q == nil {
		if w.DB == nil {
			return errors.New("events writer has no database")
		}
		q = w.DB
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var format sq.PlaceholderFormat = sq.Question
	if w.Dialect == db.Postgres {
		format = sq.Dollar
	}
	query, args, err := sq.Insert("events").
		Columns("ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(repo.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data)).
		PlaceholderFormat(format).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
