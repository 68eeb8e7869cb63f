package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recordflow/internal/domain"
	"recordflow/internal/events"
	"recordflow/internal/ids"
	"recordflow/internal/repo"
)

// Coordinator persists rounds and decisions. Every method runs on the
// caller's querier so it joins the engine's transaction.
type Coordinator struct {
	Repo   repo.Repo
	Events events.Writer
}

type OpenRequest struct {
	EntityID   string
	Kind       domain.Kind
	Status     domain.Status
	Mode       domain.ApprovalMode
	Recipients []string
	ActorID    string
	At         time.Time
}

// Open starts a round unless the entity already has one unresolved.
func (c Coordinator) Open(ctx context.Context, q repo.Querier, req OpenRequest) (domain.ApprovalRound, error) {
	if len(req.Recipients) == 0 {
		return domain.ApprovalRound{}, domain.Guard("", "approval round needs at least one recipient")
	}
	if !req.Mode.Valid() {
		return domain.ApprovalRound{}, domain.Guard("", "unknown approval mode %s", req.Mode)
	}
	latest, err := c.Repo.LatestRound(ctx, q, req.EntityID)
	if err != nil {
		return domain.ApprovalRound{}, err
	}
	if latest != nil && !latest.Resolved() {
		return domain.ApprovalRound{}, domain.Guard("", "approval round %s is still open", latest.ID)
	}
	round := NewRound(ids.NewAt(req.At), req.EntityID, req.Kind, req.Status, req.Mode, req.Recipients, req.ActorID, req.At)
	if err := c.Repo.InsertRound(ctx, q, round); err != nil {
		return domain.ApprovalRound{}, fmt.Errorf("insert round: %w", err)
	}
	if err := c.Events.Append(ctx, q, events.TypeRoundOpened, string(req.Kind), req.EntityID, req.ActorID, events.EventPayload{
		"round_id":   round.ID,
		"mode":       round.Mode,
		"recipients": round.Recipients,
	}); err != nil {
		return domain.ApprovalRound{}, err
	}
	return round, nil
}

type DecisionInput struct {
	RoundID   string
	Recipient string
	Value     domain.DecisionValue
	Comment   string
	Actor     domain.Actor
	At        time.Time
	// EntityStatus is the current status of the round's entity.
	EntityStatus domain.Status
}

type Result struct {
	Round    domain.ApprovalRound `json:"round"`
	Outcome  domain.Outcome       `json:"outcome"`
	Resolved bool                 `json:"resolved"`
}

// RecordDecision validates and stores one decision, resolving the round
// when the mode's condition is met.
func (c Coordinator) RecordDecision(ctx context.Context, q repo.Querier, in DecisionInput) (Result, error) {
	round, err := c.Repo.GetRound(ctx, q, in.RoundID)
	if err != nil {
		return Result{}, err
	}
	d := domain.Decision{
		Recipient: in.Recipient,
		Value:     in.Value,
		Comment:   in.Comment,
		ActorID:   in.Actor.ID,
		DecidedAt: in.At,
	}
	next, err := Resolve(round, d)
	if err != nil {
		return Result{Round: round, Outcome: round.Outcome, Resolved: round.Resolved()}, err
	}
	if in.EntityStatus != "" && in.EntityStatus != round.OpenedInStatus {
		return Result{Round: round, Outcome: round.Outcome}, domain.Guard("", "entity is %s; round %s accepts decisions only while %s", in.EntityStatus, round.ID, round.OpenedInStatus)
	}
	if err := c.Repo.InsertDecision(ctx, q, round.ID, d); err != nil {
		if errors.Is(err, domain.ErrAlreadyDecided) {
			return Result{Round: round, Outcome: round.Outcome}, err
		}
		return Result{}, fmt.Errorf("insert decision: %w", err)
	}
	kind, entityID := string(round.EntityKind), round.EntityID
	if err := c.Events.Append(ctx, q, events.TypeRoundDecision, kind, entityID, in.Actor.ID, events.EventPayload{
		"round_id":  round.ID,
		"recipient": d.Recipient,
		"value":     d.Value,
		"comment":   d.Comment,
	}); err != nil {
		return Result{}, err
	}
	if !next.Resolved() {
		return Result{Round: next, Outcome: domain.OutcomePending}, nil
	}
	next.Version = round.Version + 1
	if err := c.Repo.UpdateRound(ctx, q, next, round.Version); err != nil {
		return Result{}, err
	}
	if err := c.Events.Append(ctx, q, events.TypeRoundResolved, kind, entityID, in.Actor.ID, events.EventPayload{
		"round_id":  round.ID,
		"outcome":   next.Outcome,
		"decisions": len(next.Decisions),
	}); err != nil {
		return Result{}, err
	}
	return Result{Round: next, Outcome: next.Outcome, Resolved: true}, nil
}
