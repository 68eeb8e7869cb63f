package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

var entityColumns = []string{
	"id", "kind", "sequence", "title", "status", "resume_status", "priority", "deadline",
	"custodian_unit", "custodian_user", "origin_unit", "origin_user", "batch_id",
	"attachments_json", "page_count", "ocr_confidence", "created_by", "version",
	"created_at", "updated_at",
}

func scanEntity(s scanner) (domain.Entity, error) {
	var e domain.Entity
	var resume, deadline, unit, user, originUnit, originUser, batch, attachments sql.NullString
	var conf sql.NullFloat64
	var created, updated string
	err := s.Scan(&e.ID, &e.Kind, &e.Sequence, &e.Title, &e.Status, &resume, &e.Priority, &deadline,
		&unit, &user, &originUnit, &originUser, &batch, &attachments, &e.PageCount, &conf,
		&e.CreatedBy, &e.Version, &created, &updated)
	if noRows(err) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ResumeStatus = domain.Status(resume.String)
	e.CurrentUnit = unit.String
	e.CurrentUser = user.String
	e.OriginUnit = originUnit.String
	e.OriginUser = originUser.String
	e.BatchID = batch.String
	if conf.Valid {
		v := conf.Float64
		e.OCRConfidence = &v
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &e.Attachments); err != nil {
			return e, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if e.Deadline, err = parseNullTime(deadline); err != nil {
		return e, err
	}
	if e.CreatedAt, err = ParseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = ParseTime(updated); err != nil {
		return e, err
	}
	return e, nil
}

func attachmentsJSON(list []string) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r Repo) InsertEntity(ctx context.Context, q Querier, e domain.Entity) error {
	attachments, err := attachmentsJSON(e.Attachments)
	if err != nil {
		return err
	}
	b := r.sb().Insert("entities").Columns(entityColumns...).Values(
		e.ID, e.Kind, e.Sequence, e.Title, e.Status, nullable(string(e.ResumeStatus)), e.Priority, nullableTime(e.Deadline),
		nullable(e.CurrentUnit), nullable(e.CurrentUser), nullable(e.OriginUnit), nullable(e.OriginUser), nullable(e.BatchID),
		attachments, e.PageCount, nullableFloat(e.OCRConfidence), e.CreatedBy, e.Version,
		FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt),
	)
	_, err = execSQL(ctx, r.conn(q), b)
	return err
}

func (r Repo) GetEntity(ctx context.Context, q Querier, id string) (domain.Entity, error) {
	b := r.sb().Select(entityColumns...).From("entities").Where(sq.Eq{"id": id})
	return scanEntity(queryRowSQL(ctx, r.conn(q), b))
}

// UpdateEntity writes e if the stored version still equals expectedVersion.
// A lost race surfaces as domain.ErrStorageConflict.
func (r Repo) UpdateEntity(ctx context.Context, q Querier, e domain.Entity, expectedVersion int64) error {
	attachments, err := attachmentsJSON(e.Attachments)
	if err != nil {
		return err
	}
	b := r.sb().Update("entities").SetMap(map[string]any{
		"title":            e.Title,
		"status":           e.Status,
		"resume_status":    nullable(string(e.ResumeStatus)),
		"priority":         e.Priority,
		"deadline":         nullableTime(e.Deadline),
		"custodian_unit":   nullable(e.CurrentUnit),
		"custodian_user":   nullable(e.CurrentUser),
		"attachments_json": attachments,
		"page_count":       e.PageCount,
		"ocr_confidence":   nullableFloat(e.OCRConfidence),
		"version":          e.Version,
		"updated_at":       FormatTime(e.UpdatedAt),
	}).Where(sq.Eq{"id": e.ID, "version": expectedVersion})
	res, err := execSQL(ctx, r.conn(q), b)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update entity %s at version %d: %w", e.ID, expectedVersion, domain.ErrStorageConflict)
	}
	return nil
}

type EntityFilter struct {
	Kind            domain.Kind
	Status          domain.Status
	Unit            string
	BatchID         string
	DeadlineBefore  *time.Time
	CursorCreatedAt string
	CursorID        string
	Limit           int
}

// ListEntities returns entities newest first.
func (r Repo) ListEntities(ctx context.Context, q Querier, f EntityFilter) ([]domain.Entity, error) {
	b := r.sb().Select(entityColumns...).From("entities")
	if f.Kind != "" {
		b = b.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if f.Unit != "" {
		b = b.Where(sq.Eq{"custodian_unit": f.Unit})
	}
	if f.BatchID != "" {
		b = b.Where(sq.Eq{"batch_id": f.BatchID})
	}
	if f.DeadlineBefore != nil {
		b = b.Where(sq.And{sq.NotEq{"deadline": nil}, sq.Lt{"deadline": FormatTime(*f.DeadlineBefore)}})
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		b = b.Where(sq.Or{
			sq.Lt{"created_at": f.CursorCreatedAt},
			sq.And{sq.Eq{"created_at": f.CursorCreatedAt}, sq.Lt{"id": f.CursorID}},
		})
	}
	b = b.OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MemberStatuses returns the statuses of every member of a batch.
func (r Repo) MemberStatuses(ctx context.Context, q Querier, batchID string) ([]domain.Status, error) {
	b := r.sb().Select("status").From("entities").Where(sq.Eq{"batch_id": batchID}).OrderBy("created_at", "id")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s domain.Status
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountByStatus groups entities of kind by status.
func (r Repo) CountByStatus(ctx context.Context, q Querier, kind domain.Kind) (map[domain.Status]int, error) {
	b := r.sb().Select("status", "COUNT(*)").From("entities").Where(sq.Eq{"kind": kind}).GroupBy("status")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

// NextSequence atomically increments and returns the counter for (kind, period).
func (r Repo) NextSequence(ctx context.Context, q Querier, kind domain.Kind, period string) (int64, error) {
	b := r.sb().Insert("sequences").Columns("kind", "period", "value").Values(kind, period, 1).
		Suffix("ON CONFLICT(kind, period) DO UPDATE SET value = sequences.value + 1 RETURNING value")
	var v int64
	if err := queryRowSQL(ctx, r.conn(q), b).Scan(&v); err != nil {
		return 0, fmt.Errorf("next sequence for %s/%s: %w", kind, period, err)
	}
	return v, nil
}
