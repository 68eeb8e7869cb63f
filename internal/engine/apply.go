package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recordflow/internal/approval"
	"recordflow/internal/domain"
	"recordflow/internal/events"
	"recordflow/internal/transition"
)

// Apply validates action against the entity's lifecycle and, when legal,
// commits the status change together with its movement, round and audit
// rows. Nothing is written when validation fails.
func (e *Engine) Apply(ctx context.Context, entityID string, action domain.Action, actor domain.Actor, payload domain.ActionPayload) (Snapshot, error) {
	start := time.Now()
	if actor.ID == "" {
		return Snapshot{}, fmt.Errorf("actor is required: %w", domain.ErrInvalidInput)
	}
	var (
		snap   Snapshot
		kind   domain.Kind
		replay bool
	)
	err := e.withEntityTx(ctx, entityID, "apply", func(tx *sql.Tx) ([]domain.TransitionEvent, error) {
		ent, err := e.Repo.GetEntity(ctx, tx, entityID)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", entityID, err)
		}
		kind = ent.Kind
		if payload.RequestID != "" {
			applied, err := e.Repo.RequestApplied(ctx, tx, entityID, payload.RequestID)
			if err != nil {
				return nil, err
			}
			if applied {
				replay = true
				snap, err = e.snapshot(ctx, tx, ent)
				return nil, err
			}
		}
		after, ev, err := e.transition(ctx, tx, ent, action, actor, payload)
		if err != nil {
			return nil, err
		}
		if payload.RequestID != "" {
			if err := e.Repo.RecordRequest(ctx, tx, entityID, payload.RequestID, action, ev.OccurredAt); err != nil {
				return nil, fmt.Errorf("record request: %w", err)
			}
		}
		snap, err = e.snapshot(ctx, tx, after)
		return []domain.TransitionEvent{ev}, err
	})
	if replay {
		e.log().Debug("request already applied", "entity", entityID, "request_id", payload.RequestID)
		return snap, err
	}
	e.observe(kind, action, err, time.Since(start))
	if err != nil {
		e.logFailure("apply", entityID, action, err)
		return Snapshot{}, err
	}
	e.log().Info("transition applied", "kind", kind, "entity", entityID, "action", action, "to", snap.Entity.Status, "actor", actor.ID)
	return snap, nil
}

// transition performs one validated status change on tx. It is shared by
// Apply and by the follow-up action of a resolved round.
func (e *Engine) transition(ctx context.Context, tx *sql.Tx, ent domain.Entity, action domain.Action, actor domain.Actor, payload domain.ActionPayload) (domain.Entity, domain.TransitionEvent, error) {
	now := e.now()
	round, err := e.Repo.LatestRound(ctx, tx, ent.ID)
	if err != nil {
		return ent, domain.TransitionEvent{}, err
	}
	candidate := mergePayload(ent, payload)
	rule, next, err := e.Rules.Validate(ent.Kind, action, transition.Context{
		Entity:           candidate,
		Round:            round,
		Payload:          payload,
		Actor:            actor,
		Now:              now,
		MinOCRConfidence: e.Config.Digitization.MinOCRConfidence,
	})
	if err != nil {
		return ent, domain.TransitionEvent{}, err
	}

	after := candidate
	after.Status = next
	switch {
	case rule.Remember:
		after.ResumeStatus = ent.Status
	case rule.Resume:
		after.ResumeStatus = ""
	}
	after.Version = ent.Version + 1
	after.UpdatedAt = now
	mv, moved := custody(rule, ent, payload, actor, e.Config.Organization.ArchiveUnit, now)
	if moved {
		after.CurrentUnit, after.CurrentUser = mv.ToUnit, mv.ToUser
	}

	if err := e.Repo.UpdateEntity(ctx, tx, after, ent.Version); err != nil {
		return ent, domain.TransitionEvent{}, err
	}
	if moved {
		if _, err := e.Routing.Record(ctx, tx, mv); err != nil {
			return ent, domain.TransitionEvent{}, fmt.Errorf("record movement: %w", err)
		}
	}
	if rule.OpensRound {
		mode := payload.Mode
		if mode == "" {
			mode = e.Config.ApprovalMode()
		}
		if _, err := e.Approvals.Open(ctx, tx, approval.OpenRequest{
			EntityID:   ent.ID,
			Kind:       ent.Kind,
			Status:     next,
			Mode:       mode,
			Recipients: payload.Recipients,
			ActorID:    actor.ID,
			At:         now,
		}); err != nil {
			return ent, domain.TransitionEvent{}, err
		}
	}
	evPayload := events.EventPayload{
		"action":  action,
		"from":    ent.Status,
		"to":      next,
		"version": after.Version,
	}
	if payload.Note != "" {
		evPayload["note"] = payload.Note
	}
	if payload.Reason != "" {
		evPayload["reason"] = payload.Reason
	}
	if moved {
		evPayload["to_unit"] = mv.ToUnit
		evPayload["to_user"] = mv.ToUser
	}
	if err := e.Events.Append(ctx, tx, events.TypeEntityTransition, string(ent.Kind), ent.ID, actor.ID, evPayload); err != nil {
		return ent, domain.TransitionEvent{}, err
	}
	if err := e.runHooks(ctx, tx, Change{Before: ent, After: after, Action: action, Actor: actor, At: now}); err != nil {
		return ent, domain.TransitionEvent{}, err
	}
	return after, domain.TransitionEvent{
		EntityID:   ent.ID,
		EntityKind: ent.Kind,
		Sequence:   ent.Sequence,
		Action:     action,
		From:       ent.Status,
		To:         next,
		ActorID:    actor.ID,
		OccurredAt: now,
	}, nil
}

// mergePayload copies the data an action supplies onto the entity so
// guards can inspect it. The input is not modified.
func mergePayload(ent domain.Entity, p domain.ActionPayload) domain.Entity {
	out := ent
	if len(p.Attachments) > 0 {
		out.Attachments = append(append([]string(nil), ent.Attachments...), p.Attachments...)
	}
	if p.PageCount != nil {
		out.PageCount = *p.PageCount
	}
	if p.OCRConfidence != nil {
		v := *p.OCRConfidence
		out.OCRConfidence = &v
	}
	if p.Deadline != nil {
		d := p.Deadline.UTC()
		out.Deadline = &d
	}
	return out
}

// custody computes the hand-off a rule causes. The second result is false
// when the custodian does not change.
func custody(rule transition.Rule, ent domain.Entity, p domain.ActionPayload, actor domain.Actor, archiveUnit string, at time.Time) (domain.Movement, bool) {
	var toUnit, toUser string
	switch rule.Custody {
	case transition.CustodyRoute:
		if p.ToUnit == "" && p.ToUser == "" {
			return domain.Movement{}, false
		}
		toUnit, toUser = p.ToUnit, p.ToUser
		if toUnit == "" {
			toUnit = ent.CurrentUnit
		}
	case transition.CustodyReturn:
		toUnit, toUser = ent.OriginUnit, ent.OriginUser
	case transition.CustodyArchive:
		toUnit = archiveUnit
	default:
		return domain.Movement{}, false
	}
	if toUnit == ent.CurrentUnit && toUser == ent.CurrentUser {
		return domain.Movement{}, false
	}
	mt := rule.Movement
	if mt == "" {
		mt = domain.MovementRoute
	}
	return domain.Movement{
		EntityID:   ent.ID,
		EntityKind: ent.Kind,
		Type:       mt,
		FromUnit:   ent.CurrentUnit,
		FromUser:   ent.CurrentUser,
		ToUnit:     toUnit,
		ToUser:     toUser,
		ActorID:    actor.ID,
		Note:       firstNonEmpty(p.Note, p.Reason),
		OccurredAt: at,
	}, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (e *Engine) observe(kind domain.Kind, action domain.Action, err error, elapsed time.Duration) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		result = "invalid"
	case errors.Is(err, domain.ErrGuardFailed):
		result = "guard"
	case errors.Is(err, domain.ErrStorageConflict):
		result = "conflict"
	default:
		result = "error"
	}
	e.Metrics.ObserveTransition(string(kind), string(action), result, elapsed)
}

func (e *Engine) logFailure(op, entityID string, action domain.Action, err error) {
	switch {
	case errors.Is(err, domain.ErrStorageConflict):
		e.log().Warn(op+" conflict", "entity", entityID, "action", action, "err", err)
	case errors.Is(err, domain.ErrStorageUnavailable):
		e.log().Error(op+" storage failure", "entity", entityID, "action", action, "err", err)
	default:
		e.log().Debug(op+" rejected", "entity", entityID, "action", action, "err", err)
	}
}
