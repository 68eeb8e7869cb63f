package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"recordflow/internal/approval"
	"recordflow/internal/authz"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
)

func (a *api) registerRounds(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-round",
		Method:      http.MethodGet,
		Path:        "/rounds/{id}",
		Summary:     "Get an approval round with its decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ApprovalRound `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		round, err := a.engine.Round(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRound `json:"body"`
		}{Body: round}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-decision",
		Method:      http.MethodPost,
		Path:        "/rounds/{id}/decisions",
		Summary:     "Record a recipient's decision",
		Description: "A decision on a round that already resolved is refused with round_already_resolved. Deciding for another recipient requires the admin role.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.Require(actor, authz.PermDecide); err != nil {
			return nil, handleError(err)
		}
		recipient := input.Body.Recipient
		if recipient == "" {
			round, err := a.engine.Round(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			recipient = approval.RecipientFor(round, actor)
		}
		if err := a.oracle.RequireDecideAs(actor, recipient); err != nil {
			return nil, handleError(err)
		}
		var res engine.DecisionResult
		err := a.retry(ctx, func(ctx context.Context) error {
			var err error
			res, err = a.engine.RecordDecision(ctx, engine.DecisionOptions{
				RoundID:   input.ID,
				Recipient: recipient,
				Value:     input.Body.Value,
				Comment:   input.Body.Comment,
				Actor:     actor,
			})
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})
}
