package server

import (
	"bytes"
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"recordflow/internal/authz"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/transition"
)

func (a *api) registerBatches(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-batch",
		Method:      http.MethodPost,
		Path:        "/batches",
		Summary:     "Open a digitization batch",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.Require(actor, authz.PermCreate); err != nil {
			return nil, handleError(err)
		}
		snap, err := a.pipeline.CreateBatch(ctx, input.Body.Title, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get a batch with its members and status counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := a.pipeline.Batch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-batch-document",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/documents",
		Summary:     "Add a scanned document to a batch",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddDocumentRequest `json:"body"`
	}) (*snapshotOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.Require(actor, authz.PermCreate); err != nil {
			return nil, handleError(err)
		}
		snap, err := a.pipeline.AddDocument(ctx, input.ID, input.Body.Title, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &snapshotOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-ocr",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/ocr",
		Summary:     "Complete the OCR step from an hOCR document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		RawBody []byte `contentType:"text/html"`
	}) (*struct {
		Body OCRResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.oracle.RequireAction(actor, domain.KindScannedDocument, transition.ActionOCRComplete); err != nil {
			return nil, handleError(err)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "hOCR body required", nil)
		}
		var resp OCRResponse
		err := a.retry(ctx, func(ctx context.Context) error {
			var snap engine.Snapshot
			var err error
			snap, resp.OCR, err = a.pipeline.IngestOCR(ctx, input.ID, bytes.NewReader(input.RawBody), actor)
			resp.Entity = snap
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OCRResponse `json:"body"`
		}{Body: resp}, nil
	})
}
