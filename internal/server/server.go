package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"recordflow/internal/authz"
	"recordflow/internal/digitization"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/logging"
	"recordflow/internal/notify"
	"recordflow/internal/obs"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Pipeline  *digitization.Pipeline
	Bus       *notify.Bus
	Metrics   *obs.Metrics
	Logger    *slog.Logger
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: document cannot archive from draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"draft\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine   *engine.Engine
	pipeline *digitization.Pipeline
	bus      *notify.Bus
	oracle   authz.Oracle
	auth     AuthConfig
	log      *slog.Logger
}

// New returns an HTTP handler exposing the recordflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = digitization.New(cfg.Engine)
	}
	a := &api{
		engine:   cfg.Engine,
		pipeline: pipeline,
		bus:      cfg.Bus,
		oracle:   authz.Oracle{Config: cfg.Engine.Config},
		auth:     cfg.Auth,
		log:      logger,
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(rateLimitMiddleware(basePath, cfg.RateLimit))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("recordflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	a.registerHealth(group)
	a.registerEntities(group)
	a.registerRounds(group)
	a.registerBatches(group)
	a.registerEvents(group)
	a.registerStream(router, basePath)
	a.registerMe(group)
	if cfg.Auth.AllowDevLogin {
		a.registerDevAuth(group)
	}
	registerOpenAPI(router, humaAPI, basePath)

	return cfg.Metrics.Instrument(router), nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the domain taxonomy onto HTTP statuses. The specific
// rejections are checked before the storage classes: a classified hook
// error still matches the error it wraps.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var fe authz.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"permission": fe.Permission})
	}
	var te domain.TransitionError
	var ge domain.GuardError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrRoundAlreadyResolved):
		return newAPIError(http.StatusConflict, "round_already_resolved", msg, nil)
	case errors.Is(err, domain.ErrUnknownRecipient):
		return newAPIError(http.StatusBadRequest, "unknown_recipient", msg, nil)
	case errors.Is(err, domain.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", msg, nil)
	case errors.Is(err, domain.ErrOutOfTurn):
		return newAPIError(http.StatusConflict, "out_of_turn", msg, nil)
	case errors.Is(err, domain.ErrDerivedStatus):
		return newAPIError(http.StatusConflict, "derived_status", msg, nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{
			"kind": te.Kind, "status": te.From, "action": te.Action,
		})
	case errors.As(err, &ge):
		return newAPIError(http.StatusUnprocessableEntity, "guard_failed", msg, map[string]any{"reason": ge.Reason})
	case errors.Is(err, domain.ErrStorageConflict):
		return newAPIError(http.StatusConflict, "storage_conflict", msg, nil)
	case errors.Is(err, domain.ErrStorageUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`

	// Subscribers counts open event streams.
	Subscribers int `json:"subscribers"`
}

func (a *api) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthResponse `json:"body"`
	}, error) {
		resp := healthResponse{Status: "ok", Storage: "ok"}
		if a.bus != nil {
			resp.Subscribers = a.bus.Subscribers()
		}
		if err := a.engine.DB.PingContext(ctx); err != nil {
			a.log.Warn("health check: storage unreachable", "error", err)
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unreachable", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body healthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// retry runs fn under the engine's retry budget.
func (a *api) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return engine.Retry(ctx, a.engine.RetryAttempts(), fn)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
