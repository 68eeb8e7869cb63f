package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"recordflow/internal/authz"
	"recordflow/internal/repo"
)

const streamHeartbeat = 15 * time.Second

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"document,process,dispatch,scanned_document,digitization_batch"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := a.engine.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// registerStream serves committed transitions as Server-Sent Events. It
// sits on the router directly since huma operations do not stream.
func (a *api) registerStream(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "events/stream"), func(w http.ResponseWriter, req *http.Request) {
		if a.bus == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "streaming_disabled", "streaming disabled", nil))
			return
		}
		if _, authErr := actorFromContext(req.Context()); authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		entityID := strings.TrimSpace(req.URL.Query().Get("entity_id"))
		kind := strings.TrimSpace(req.URL.Query().Get("kind"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		ch := a.bus.Subscribe(ctx)

		_, _ = w.Write([]byte(": stream started\n\n"))
		flusher.Flush()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if entityID != "" && ev.EntityID != entityID {
					continue
				}
				if kind != "" && string(ev.EntityKind) != kind {
					continue
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: transition\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
}

func (a *api) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Unit:    p.Unit,
			Roles:   nonNilSlice(p.Roles),
			Source:  p.Source,
		}}, nil
	})
}

func (a *api) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if role == authz.RoleAdmin {
				a.log.Warn("dev login minted an admin token", "actor", actor)
			}
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		token, err := signDevToken(a.auth.JWTSecret, actor, input.Body.Unit, input.Body.Roles, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
