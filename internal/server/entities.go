package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"recordflow/internal/authz"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/repo"
	"recordflow/internal/routing"
	"recordflow/internal/sla"
)

type snapshotOutput struct {
	Body engine.Snapshot `json:"body"`
}

func (a *api) now() time.Time {
	if a.engine.Now != nil {
		return a.engine.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *api) registerEntities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-entity",
		Method:      http.MethodPost,
		Path:        "/entities",
		Summary:     "Register a document, process, dispatch or scan",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.Require(actor, authz.PermCreate); err != nil {
			return nil, handleError(err)
		}
		snap, err := a.engine.Create(ctx, engine.CreateOptions{
			ID:          input.Body.ID,
			Kind:        input.Body.Kind,
			Title:       input.Body.Title,
			Priority:    input.Body.Priority,
			Deadline:    input.Body.Deadline,
			Unit:        input.Body.Unit,
			User:        input.Body.User,
			BatchID:     input.Body.BatchID,
			Attachments: input.Body.Attachments,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind    string `query:"kind" enum:"document,process,dispatch,scanned_document,digitization_batch"`
		Status  string `query:"status"`
		Unit    string `query:"unit"`
		BatchID string `query:"batch_id"`
		SLA     string `query:"sla" enum:"on_track,at_risk,overdue,no_deadline,closed"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body EntityPage `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := a.engine.List(ctx, engine.ListFilter{
			Kind:            domain.Kind(input.Kind),
			Status:          domain.Status(input.Status),
			Unit:            input.Unit,
			BatchID:         input.BatchID,
			SLA:             sla.Class(input.SLA),
			CursorCreatedAt: createdAt,
			CursorID:        id,
			Limit:           limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EntityPage{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1].Entity
			page.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
			page.Items = items[:limit]
		}
		return &struct {
			Body EntityPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get an entity with its SLA state and latest round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*snapshotOutput, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := a.engine.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-action",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/actions/{action}",
		Summary:     "Apply a lifecycle action",
		RequestBody: &huma.RequestBody{Required: false},
		Description: "Idempotency-Key makes retries safe: a key already applied to the entity returns its current state without a second transition.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID             string         `path:"id"`
		Action         string         `path:"action"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Body           *ActionRequest `json:"body" required:"false"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := a.engine.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		action := domain.Action(input.Action)
		if err := a.oracle.RequireAction(actor, current.Entity.Kind, action); err != nil {
			return nil, handleError(err)
		}
		var snap engine.Snapshot
		err = a.retry(ctx, func(ctx context.Context) error {
			var err error
			snap, err = a.engine.Apply(ctx, input.ID, action, actor, input.Body.payload(input.IdempotencyKey))
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/history",
		Summary:     "Custody movements in occurrence order, with time spent per stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := a.engine.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		moves, err := routing.Collect(a.engine.History(ctx, input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{
			Items:  nonNilSlice(moves),
			Stages: nonNilSlice(routing.TimeInStage(snap.Entity, moves, a.now())),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/comments",
		Summary:     "List comments in creation order",
		Description: "Internal comments are hidden from originator views and from callers without entity.comment.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		OriginatorView bool   `query:"originator_view"`
	}) (*struct {
		Body CommentsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		originatorView := input.OriginatorView || !a.oracle.Allowed(actor, authz.PermComment)
		items, err := a.engine.Comments(ctx, input.ID, originatorView)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommentsResponse `json:"body"`
		}{Body: CommentsResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-comment",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/comments",
		Summary:     "Add a comment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body domain.Comment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.Require(actor, authz.PermComment); err != nil {
			return nil, handleError(err)
		}
		var c domain.Comment
		err := a.retry(ctx, func(ctx context.Context) error {
			var err error
			c, err = a.engine.AddComment(ctx, input.ID, actor, input.Body.Body, input.Body.Internal)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Comment `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-rounds",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/rounds",
		Summary:     "Approval rounds of an entity, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoundsResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := a.engine.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		rounds, err := a.engine.Rounds(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundsResponse `json:"body"`
		}{Body: RoundsResponse{Items: nonNilSlice(rounds)}}, nil
	})
}
