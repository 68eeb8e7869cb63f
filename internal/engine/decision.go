package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"recordflow/internal/approval"
	"recordflow/internal/domain"
)

// DecisionResult reports the round after a decision and, when the round
// resolved and auto-advance is enabled, the entity after the follow-up
// action.
type DecisionResult struct {
	Round    domain.ApprovalRound `json:"round"`
	Outcome  domain.Outcome       `json:"outcome"`
	Resolved bool                 `json:"resolved"`
	Advanced domain.Action        `json:"advanced,omitempty"`
	Entity   *Snapshot            `json:"entity,omitempty"`
}

type DecisionOptions struct {
	RoundID   string
	Recipient string
	Value     domain.DecisionValue
	Comment   string
	Actor     domain.Actor
}

// RecordDecision stores one recipient's decision. Decisions on the same
// entity are serialized with Apply.
func (e *Engine) RecordDecision(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	if opts.Actor.ID == "" {
		return DecisionResult{}, fmt.Errorf("actor is required: %w", domain.ErrInvalidInput)
	}
	// the round's entity never changes, so it is safe to read it unlocked
	round, err := e.Repo.GetRound(ctx, nil, opts.RoundID)
	if err != nil {
		return DecisionResult{}, classify("decide", err)
	}
	var res DecisionResult
	err = e.withEntityTx(ctx, round.EntityID, "decide", func(tx *sql.Tx) ([]domain.TransitionEvent, error) {
		ent, err := e.Repo.GetEntity(ctx, tx, round.EntityID)
		if err != nil {
			return nil, err
		}
		out, err := e.Approvals.RecordDecision(ctx, tx, approval.DecisionInput{
			RoundID:      opts.RoundID,
			Recipient:    opts.Recipient,
			Value:        opts.Value,
			Comment:      opts.Comment,
			Actor:        opts.Actor,
			At:           e.now(),
			EntityStatus: ent.Status,
		})
		if err != nil {
			return nil, err
		}
		res = DecisionResult{Round: out.Round, Outcome: out.Outcome, Resolved: out.Resolved}
		current := ent
		var emit []domain.TransitionEvent
		if out.Resolved && e.Config.Approvals.AutoAdvance {
			if action, ok := e.Rules.OutcomeAction(ent.Kind, ent.Status, out.Outcome); ok {
				after, ev, err := e.transition(ctx, tx, ent, action, opts.Actor, domain.ActionPayload{
					Reason: opts.Comment,
					Note:   fmt.Sprintf("round %s %s", out.Round.ID, out.Outcome),
				})
				if err != nil {
					return nil, fmt.Errorf("advance after %s: %w", out.Outcome, err)
				}
				res.Advanced = action
				current = after
				emit = append(emit, ev)
			}
		}
		snap, err := e.snapshot(ctx, tx, current)
		if err != nil {
			return nil, err
		}
		res.Entity = &snap
		return emit, nil
	})
	e.observeDecision(round, res, err)
	if err != nil {
		e.logFailure("decide", round.EntityID, "", err)
		return DecisionResult{}, err
	}
	e.log().Info("decision recorded", "round", round.ID, "recipient", opts.Recipient, "value", opts.Value,
		"outcome", res.Outcome, "advanced", res.Advanced)
	return res, nil
}

func (e *Engine) observeDecision(round domain.ApprovalRound, res DecisionResult, err error) {
	result := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRoundAlreadyResolved):
		result = "stale"
	case errors.Is(err, domain.ErrUnknownRecipient):
		result = "unknown_recipient"
	default:
		result = "error"
	}
	e.Metrics.ObserveDecision(string(round.Mode), result)
	if err == nil && res.Resolved {
		e.Metrics.ObserveRoundResolved(string(res.Outcome))
	}
}

// Round returns a round with its decisions.
func (e *Engine) Round(ctx context.Context, id string) (domain.ApprovalRound, error) {
	r, err := e.Repo.GetRound(ctx, nil, id)
	return r, classify("round", err)
}

// Rounds lists every round opened on an entity, oldest first.
func (e *Engine) Rounds(ctx context.Context, entityID string) ([]domain.ApprovalRound, error) {
	list, err := e.Repo.ListRounds(ctx, nil, entityID)
	return list, classify("rounds", err)
}
