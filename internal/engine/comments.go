package engine

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"recordflow/internal/domain"
	"recordflow/internal/events"
	"recordflow/internal/ids"
)

// AddComment appends an annotation. Internal comments are hidden from the
// originator's view.
func (e *Engine) AddComment(ctx context.Context, entityID string, actor domain.Actor, body string, internal bool) (domain.Comment, error) {
	if actor.ID == "" {
		return domain.Comment{}, fmt.Errorf("actor is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(body) == "" {
		return domain.Comment{}, fmt.Errorf("comment body is required: %w", domain.ErrInvalidInput)
	}
	c := domain.Comment{
		ID:        ids.Entity(),
		EntityID:  entityID,
		AuthorID:  actor.ID,
		Body:      body,
		Internal:  internal,
		CreatedAt: e.now(),
	}
	err := e.withEntityTx(ctx, entityID, "comment", func(tx *sql.Tx) ([]domain.TransitionEvent, error) {
		ent, err := e.Repo.GetEntity(ctx, tx, entityID)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
			return nil, fmt.Errorf("insert comment: %w", err)
		}
		return nil, e.Events.Append(ctx, tx, events.TypeCommentAdded, string(ent.Kind), ent.ID, actor.ID, events.EventPayload{
			"comment_id": c.ID,
			"internal":   c.Internal,
		})
	})
	if err != nil {
		return domain.Comment{}, err
	}
	return c, nil
}

// Comments lists an entity's comments in creation order. originatorView
// drops internal comments.
func (e *Engine) Comments(ctx context.Context, entityID string, originatorView bool) ([]domain.Comment, error) {
	if _, err := e.Repo.GetEntity(ctx, nil, entityID); err != nil {
		return nil, classify("comments", err)
	}
	list, err := e.Repo.ListComments(ctx, nil, entityID, !originatorView)
	return list, classify("comments", err)
}

// History yields the entity's movements oldest first.
func (e *Engine) History(ctx context.Context, entityID string) iter.Seq2[domain.Movement, error] {
	return e.Routing.History(ctx, entityID)
}
