// Package approval resolves multi-recipient approval rounds.
package approval

import (
	"fmt"
	"time"

	"recordflow/internal/domain"
)

// NewRound builds an open round. Recipients keep their order; sequential
// rounds are decided in that order.
func NewRound(id, entityID string, kind domain.Kind, status domain.Status, mode domain.ApprovalMode, recipients []string, actorID string, at time.Time) domain.ApprovalRound {
	rc := make([]string, len(recipients))
	copy(rc, recipients)
	return domain.ApprovalRound{
		ID:             id,
		EntityID:       entityID,
		EntityKind:     kind,
		Mode:           mode,
		Recipients:     rc,
		OpenedInStatus: status,
		Outcome:        domain.OutcomePending,
		OpenedBy:       actorID,
		OpenedAt:       at,
		Version:        1,
	}
}

// Resolve applies d to round and returns the updated copy. The input round
// is never modified. A resolved round rejects every further decision.
func Resolve(round domain.ApprovalRound, d domain.Decision) (domain.ApprovalRound, error) {
	if round.Resolved() {
		return round, fmt.Errorf("round %s resolved as %s: %w", round.ID, round.Outcome, domain.ErrRoundAlreadyResolved)
	}
	if !round.HasRecipient(d.Recipient) {
		return round, fmt.Errorf("%s is not a recipient of round %s: %w", d.Recipient, round.ID, domain.ErrUnknownRecipient)
	}
	if !d.Value.Valid() {
		return round, fmt.Errorf("decision value %q: %w", d.Value, domain.ErrInvalidInput)
	}
	if _, ok := round.DecisionFor(d.Recipient); ok {
		return round, fmt.Errorf("%s on round %s: %w", d.Recipient, round.ID, domain.ErrAlreadyDecided)
	}
	if round.Mode == domain.ModeSequential {
		if pending := round.Pending(); len(pending) > 0 && pending[0] != d.Recipient {
			return round, fmt.Errorf("%s must wait for %s: %w", d.Recipient, pending[0], domain.ErrOutOfTurn)
		}
	}
	next := round
	next.Decisions = append(append([]domain.Decision(nil), round.Decisions...), d)
	if outcome := Evaluate(next); outcome != domain.OutcomePending {
		at := d.DecidedAt
		next.Outcome = outcome
		next.ResolvedAt = &at
	}
	return next, nil
}

// Evaluate computes the outcome implied by the decisions recorded so far.
//
// parallel: the first decision of any value resolves the round.
// unanimous, sequential: any rejection or return resolves immediately with
// that outcome; otherwise the round resolves approved once every recipient
// approved.
func Evaluate(round domain.ApprovalRound) domain.Outcome {
	if len(round.Decisions) == 0 {
		return domain.OutcomePending
	}
	if round.Mode == domain.ModeParallel {
		return outcomeOf(round.Decisions[0].Value)
	}
	approved := map[string]bool{}
	for _, d := range round.Decisions {
		if d.Value != domain.DecisionApproved {
			return outcomeOf(d.Value)
		}
		approved[d.Recipient] = true
	}
	for _, rc := range round.Recipients {
		if !approved[rc] {
			return domain.OutcomePending
		}
	}
	return domain.OutcomeApproved
}

func outcomeOf(v domain.DecisionValue) domain.Outcome {
	switch v {
	case domain.DecisionApproved:
		return domain.OutcomeApproved
	case domain.DecisionRejected:
		return domain.OutcomeRejected
	case domain.DecisionReturned:
		return domain.OutcomeReturned
	}
	return domain.OutcomePending
}

// RecipientFor picks the recipient an actor decides as when none is named:
// the actor's own id when it is a recipient, else the actor's unit when that
// is one. Otherwise the actor id is returned so the decision fails as an
// unknown recipient.
func RecipientFor(round domain.ApprovalRound, actor domain.Actor) string {
	if round.HasRecipient(actor.ID) {
		return actor.ID
	}
	if actor.Unit != "" && round.HasRecipient(actor.Unit) {
		return actor.Unit
	}
	return actor.ID
}
