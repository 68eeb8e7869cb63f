package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

// UpsertActor registers an actor or replaces its unit and roles.
func (r Repo) UpsertActor(ctx context.Context, q Querier, a domain.ActorRecord) error {
	if a.ID == "" {
		return errors.New("actor id required")
	}
	roles, err := json.Marshal(a.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	b := r.sb().Insert("actors").Columns("id", "unit", "roles_json", "created_at").
		Values(a.ID, nullable(a.Unit), string(roles), a.CreatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET unit = excluded.unit, roles_json = excluded.roles_json")
	_, err = execSQL(ctx, r.conn(q), b)
	return err
}

func scanActor(s scanner) (domain.ActorRecord, error) {
	var a domain.ActorRecord
	var unit, roles sql.NullString
	err := s.Scan(&a.ID, &unit, &roles, &a.CreatedAt)
	if noRows(err) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Unit = unit.String
	if roles.Valid && roles.String != "" {
		if err := json.Unmarshal([]byte(roles.String), &a.Roles); err != nil {
			return a, fmt.Errorf("decode roles: %w", err)
		}
	}
	return a, nil
}

func (r Repo) GetActor(ctx context.Context, q Querier, id string) (domain.ActorRecord, error) {
	b := r.sb().Select("id", "unit", "roles_json", "created_at").From("actors").Where(sq.Eq{"id": id})
	return scanActor(queryRowSQL(ctx, r.conn(q), b))
}

func (r Repo) ListActors(ctx context.Context, q Querier) ([]domain.ActorRecord, error) {
	b := r.sb().Select("id", "unit", "roles_json", "created_at").From("actors").OrderBy("id")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActorRecord
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveActor returns the registered actor, or a bare actor when unknown.
func (r Repo) ResolveActor(ctx context.Context, id string) (domain.Actor, error) {
	rec, err := r.GetActor(ctx, nil, id)
	if errors.Is(err, ErrNotFound) {
		return domain.Actor{ID: id}, nil
	}
	if err != nil {
		return domain.Actor{}, err
	}
	return rec.Actor(), nil
}
