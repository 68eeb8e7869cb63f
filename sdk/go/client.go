package recordflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Recordflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Entity is the stored part of an entity (partial).
type Entity struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Sequence    string     `json:"sequence"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CurrentUnit string     `json:"current_unit,omitempty"`
	CurrentUser string     `json:"current_user,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	Version     int64      `json:"version"`
}

type SLA struct {
	Class         string `json:"class"`
	RemainingDays *int   `json:"remaining_days,omitempty"`
}

type Decision struct {
	Recipient string    `json:"recipient"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type Round struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	Mode       string     `json:"mode"`
	Recipients []string   `json:"recipients"`
	Decisions  []Decision `json:"decisions"`
	Outcome    string     `json:"outcome"`
}

// Snapshot is an entity with its derived state.
type Snapshot struct {
	Entity   Entity   `json:"entity"`
	SLA      SLA      `json:"sla"`
	Round    *Round   `json:"round,omitempty"`
	Terminal bool     `json:"terminal"`
	Actions  []string `json:"actions"`
}

type DecisionResult struct {
	Round    Round     `json:"round"`
	Outcome  string    `json:"outcome"`
	Resolved bool      `json:"resolved"`
	Advanced string    `json:"advanced,omitempty"`
	Entity   *Snapshot `json:"entity,omitempty"`
}

type Movement struct {
	ID         string    `json:"id"`
	Type       string    `json:"action_type"`
	FromUnit   string    `json:"from_unit,omitempty"`
	FromUser   string    `json:"from_user,omitempty"`
	ToUnit     string    `json:"to_unit,omitempty"`
	ToUser     string    `json:"to_user,omitempty"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateEntity is the body of CreateEntity.
type CreateEntity struct {
	Kind     string     `json:"kind"`
	Title    string     `json:"title"`
	Priority string     `json:"priority,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Unit     string     `json:"unit,omitempty"`
	User     string     `json:"user,omitempty"`
	BatchID  string     `json:"batch_id,omitempty"`
}

// ActionInput carries the optional inputs of an action.
type ActionInput struct {
	ToUnit     string     `json:"to_unit,omitempty"`
	ToUser     string     `json:"to_user,omitempty"`
	Note       string     `json:"note,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Recipients []string   `json:"recipients,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`

	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateEntity(ctx context.Context, in CreateEntity) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "entities", in, nil, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// Apply applies a lifecycle action to an entity.
func (c *Client) Apply(ctx context.Context, id, action string, in ActionInput) (Snapshot, error) {
	var headers http.Header
	if in.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{in.IdempotencyKey}}
	}
	var resp Snapshot
	endpoint := fmt.Sprintf("entities/%s/actions/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, in, headers, &resp)
	return resp, err
}

// Decide records a decision for the caller on a round.
func (c *Client) Decide(ctx context.Context, roundID, value, comment string) (DecisionResult, error) {
	body := map[string]any{"value": value}
	if comment != "" {
		body["comment"] = comment
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rounds/%s/decisions", url.PathEscape(roundID)), body, nil, &resp)
	return resp, err
}

// History returns custody movements in occurrence order.
func (c *Client) History(ctx context.Context, id string) ([]Movement, error) {
	var resp struct {
		Items []Movement `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("entities/%s/history", url.PathEscape(id)), nil, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers http.Header, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
