package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

var roundColumns = []string{
	"id", "entity_id", "entity_kind", "mode", "recipients_json", "opened_in_status",
	"outcome", "opened_by", "opened_at", "resolved_at", "version",
}

func (r Repo) InsertRound(ctx context.Context, q Querier, round domain.ApprovalRound) error {
	recipients, err := json.Marshal(round.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	b := r.sb().Insert("approval_rounds").Columns(roundColumns...).Values(
		round.ID, round.EntityID, round.EntityKind, round.Mode, string(recipients), round.OpenedInStatus,
		round.Outcome, round.OpenedBy, FormatTime(round.OpenedAt), nullableTime(round.ResolvedAt), round.Version,
	)
	_, err = execSQL(ctx, r.conn(q), b)
	return err
}

func scanRound(s scanner) (domain.ApprovalRound, error) {
	var round domain.ApprovalRound
	var recipients, opened string
	var resolved sql.NullString
	err := s.Scan(&round.ID, &round.EntityID, &round.EntityKind, &round.Mode, &recipients, &round.OpenedInStatus,
		&round.Outcome, &round.OpenedBy, &opened, &resolved, &round.Version)
	if noRows(err) {
		return round, ErrNotFound
	}
	if err != nil {
		return round, err
	}
	if err := json.Unmarshal([]byte(recipients), &round.Recipients); err != nil {
		return round, fmt.Errorf("decode recipients: %w", err)
	}
	if round.OpenedAt, err = ParseTime(opened); err != nil {
		return round, err
	}
	if round.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return round, err
	}
	return round, nil
}

// GetRound loads a round with its decisions.
func (r Repo) GetRound(ctx context.Context, q Querier, id string) (domain.ApprovalRound, error) {
	b := r.sb().Select(roundColumns...).From("approval_rounds").Where(sq.Eq{"id": id})
	round, err := scanRound(queryRowSQL(ctx, r.conn(q), b))
	if err != nil {
		return round, err
	}
	round.Decisions, err = r.ListDecisions(ctx, q, id)
	return round, err
}

// LatestRound returns the most recently opened round for an entity, or nil.
func (r Repo) LatestRound(ctx context.Context, q Querier, entityID string) (*domain.ApprovalRound, error) {
	b := r.sb().Select(roundColumns...).From("approval_rounds").
		Where(sq.Eq{"entity_id": entityID}).OrderBy("opened_at DESC", "id DESC").Limit(1)
	round, err := scanRound(queryRowSQL(ctx, r.conn(q), b))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if round.Decisions, err = r.ListDecisions(ctx, q, round.ID); err != nil {
		return nil, err
	}
	return &round, nil
}

// ListRounds returns every round of an entity, oldest first, without decisions.
func (r Repo) ListRounds(ctx context.Context, q Querier, entityID string) ([]domain.ApprovalRound, error) {
	b := r.sb().Select(roundColumns...).From("approval_rounds").
		Where(sq.Eq{"entity_id": entityID}).OrderBy("opened_at ASC", "id ASC")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRound
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, round)
	}
	return res, rows.Err()
}

func (r Repo) ListDecisions(ctx context.Context, q Querier, roundID string) ([]domain.Decision, error) {
	b := r.sb().Select("recipient", "value", "comment", "actor_id", "decided_at").From("approval_decisions").
		Where(sq.Eq{"round_id": roundID}).OrderBy("decided_at ASC", "recipient ASC")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var comment sql.NullString
		var decided string
		if err := rows.Scan(&d.Recipient, &d.Value, &comment, &d.ActorID, &decided); err != nil {
			return nil, err
		}
		d.Comment = comment.String
		if d.DecidedAt, err = ParseTime(decided); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertDecision(ctx context.Context, q Querier, roundID string, d domain.Decision) error {
	b := r.sb().Insert("approval_decisions").
		Columns("round_id", "recipient", "value", "comment", "actor_id", "decided_at").
		Values(roundID, d.Recipient, d.Value, nullable(d.Comment), d.ActorID, FormatTime(d.DecidedAt))
	_, err := execSQL(ctx, r.conn(q), b)
	if IsUniqueViolation(err) {
		return fmt.Errorf("decision by %s on round %s: %w", d.Recipient, roundID, domain.ErrAlreadyDecided)
	}
	return err
}

// UpdateRound persists outcome and resolution time under an optimistic version check.
func (r Repo) UpdateRound(ctx context.Context, q Querier, round domain.ApprovalRound, expectedVersion int64) error {
	b := r.sb().Update("approval_rounds").SetMap(map[string]any{
		"outcome":     round.Outcome,
		"resolved_at": nullableTime(round.ResolvedAt),
		"version":     round.Version,
	}).Where(sq.Eq{"id": round.ID, "version": expectedVersion})
	res, err := execSQL(ctx, r.conn(q), b)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update round %s at version %d: %w", round.ID, expectedVersion, domain.ErrStorageConflict)
	}
	return nil
}

func (r Repo) CountRounds(ctx context.Context, q Querier, entityID string) (int, error) {
	b := r.sb().Select("COUNT(*)").From("approval_rounds").Where(sq.Eq{"entity_id": entityID})
	var n int
	err := queryRowSQL(ctx, r.conn(q), b).Scan(&n)
	return n, err
}
