// Package routing records custody hand-offs and replays them in time order.
package routing

import (
	"context"
	"errors"
	"iter"
	"time"

	"recordflow/internal/domain"
	"recordflow/internal/ids"
	"recordflow/internal/repo"
)

const defaultPageSize = 100

// Ledger is the sole writer of movements. Record must be called with the
// transaction of the apply that caused the hand-off.
type Ledger struct {
	Repo     repo.Repo
	PageSize int
}

func (l Ledger) pageSize() int {
	if l.PageSize > 0 {
		return l.PageSize
	}
	return defaultPageSize
}

func (l Ledger) Record(ctx context.Context, q repo.Querier, m domain.Movement) (domain.Movement, error) {
	if m.EntityID == "" {
		return m, errors.New("movement entity required")
	}
	if m.Type == "" {
		return m, errors.New("movement action type required")
	}
	if m.ActorID == "" {
		return m, errors.New("movement actor required")
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	if m.ID == "" {
		m.ID = ids.NewAt(m.OccurredAt)
	}
	if err := l.Repo.InsertMovement(ctx, q, m); err != nil {
		return m, err
	}
	return m, nil
}

// History yields an entity's movements ordered by occurred_at, then id.
// Pages are fetched on demand; ranging again restarts from the beginning.
func (l Ledger) History(ctx context.Context, entityID string) iter.Seq2[domain.Movement, error] {
	return func(yield func(domain.Movement, error) bool) {
		size := l.pageSize()
		var cursor repo.MovementCursor
		for {
			page, err := l.Repo.ListMovements(ctx, nil, entityID, cursor, size)
			if err != nil {
				yield(domain.Movement{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last := page[len(page)-1]
			cursor = repo.MovementCursor{OccurredAt: repo.FormatTime(last.OccurredAt), ID: last.ID}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[domain.Movement, error]) ([]domain.Movement, error) {
	var out []domain.Movement
	for m, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
