package server

import (
	"encoding/json"
	"time"

	"recordflow/internal/digitization"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/routing"
)

// Request payloads

type CreateEntityRequest struct {
	ID          string          `json:"id,omitempty"`
	Kind        domain.Kind     `json:"kind" enum:"document,process,dispatch,scanned_document,digitization_batch"`
	Title       string          `json:"title" minLength:"1"`
	Priority    domain.Priority `json:"priority,omitempty" enum:"urgent,high,normal,low"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	User        string          `json:"user,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
}

type ActionRequest struct {
	ToUnit        string              `json:"to_unit,omitempty"`
	ToUser        string              `json:"to_user,omitempty"`
	Note          string              `json:"note,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Recipients    []string            `json:"recipients,omitempty"`
	Mode          domain.ApprovalMode `json:"mode,omitempty" enum:"parallel,unanimous,sequential"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
	Attachments   []string            `json:"attachments,omitempty"`
	PageCount     *int                `json:"page_count,omitempty"`
	OCRConfidence *float64            `json:"ocr_confidence,omitempty" minimum:"0" maximum:"1"`
}

// payload converts the request; a request without a body carries only the
// idempotency key.
func (r *ActionRequest) payload(requestID string) domain.ActionPayload {
	if r == nil {
		return domain.ActionPayload{RequestID: requestID}
	}
	return domain.ActionPayload{
		ToUnit:        r.ToUnit,
		ToUser:        r.ToUser,
		Note:          r.Note,
		Reason:        r.Reason,
		Recipients:    r.Recipients,
		Mode:          r.Mode,
		Deadline:      r.Deadline,
		Attachments:   r.Attachments,
		PageCount:     r.PageCount,
		OCRConfidence: r.OCRConfidence,
		RequestID:     requestID,
	}
}

type DecisionRequest struct {
	// Recipient defaults to the caller.
	Recipient string               `json:"recipient,omitempty"`
	Value     domain.DecisionValue `json:"value" enum:"approved,rejected,returned"`
	Comment   string               `json:"comment,omitempty"`
}

type CommentRequest struct {
	Body     string `json:"body" minLength:"1"`
	Internal bool   `json:"internal,omitempty"`
}

type CreateBatchRequest struct {
	Title string `json:"title" minLength:"1"`
}

type AddDocumentRequest struct {
	Title string `json:"title" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Unit       string   `json:"unit,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type EntityPage struct {
	Items      []engine.Snapshot `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	Items  []domain.Movement `json:"items"`
	Stages []routing.Stage   `json:"stages"`
}

type CommentsResponse struct {
	Items []domain.Comment `json:"items"`
}

type RoundsResponse struct {
	Items []domain.ApprovalRound `json:"items"`
}

type BatchResponse struct {
	Batch   engine.Snapshot       `json:"batch"`
	Members []engine.Snapshot     `json:"members"`
	Counts  map[domain.Status]int `json:"counts"`
}

type OCRResponse struct {
	Entity engine.Snapshot        `json:"entity"`
	OCR    digitization.OCRResult `json:"ocr"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Unit    string   `json:"unit,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func batchResponse(v digitization.BatchView) BatchResponse {
	return BatchResponse{
		Batch:   v.Batch,
		Members: nonNilSlice(v.Members),
		Counts:  v.Counts,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
