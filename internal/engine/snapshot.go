package engine

import (
	"context"

	"recordflow/internal/domain"
	"recordflow/internal/repo"
	"recordflow/internal/sla"
)

// Snapshot is an entity as returned to callers: stored fields plus the
// state derived at read time.
type Snapshot struct {
	Entity   domain.Entity         `json:"entity"`
	SLA      sla.State             `json:"sla"`
	Round    *domain.ApprovalRound `json:"round,omitempty"`
	Terminal bool                  `json:"terminal"`
	Actions  []domain.Action       `json:"actions"`
}

func (e *Engine) snapshot(ctx context.Context, q repo.Querier, ent domain.Entity) (Snapshot, error) {
	round, err := e.Repo.LatestRound(ctx, q, ent.ID)
	if err != nil {
		return Snapshot{}, err
	}
	terminal := e.Rules.Terminal(ent.Kind, ent.Status)
	return Snapshot{
		Entity:   ent,
		SLA:      e.SLA.Evaluate(ent, terminal, e.now()),
		Round:    round,
		Terminal: terminal,
		Actions:  e.actions(ent),
	}, nil
}

// actions lists what the table declares from the entity's status. Guards
// are not evaluated because most of them depend on the action payload.
func (e *Engine) actions(ent domain.Entity) []domain.Action {
	t, ok := e.Rules.Table(ent.Kind)
	if !ok {
		return nil
	}
	out := t.Actions(ent.Status)
	if out == nil {
		out = []domain.Action{}
	}
	return out
}
