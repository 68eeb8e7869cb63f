package repo

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

// RequestApplied reports whether requestID already committed against entityID.
func (r Repo) RequestApplied(ctx context.Context, q Querier, entityID, requestID string) (bool, error) {
	b := r.sb().Select("1").From("applied_requests").
		Where(sq.Eq{"entity_id": entityID, "request_id": requestID}).Limit(1)
	var n int
	err := queryRowSQL(ctx, r.conn(q), b).Scan(&n)
	if noRows(err) {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) RecordRequest(ctx context.Context, q Querier, entityID, requestID string, action domain.Action, at time.Time) error {
	b := r.sb().Insert("applied_requests").Columns("entity_id", "request_id", "action", "applied_at").
		Values(entityID, requestID, action, FormatTime(at))
	_, err := execSQL(ctx, r.conn(q), b)
	return err
}
