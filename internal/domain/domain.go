package domain

import "time"

type Kind string

const (
	KindDocument          Kind = "document"
	KindProcess           Kind = "process"
	KindDispatch          Kind = "dispatch"
	KindScannedDocument   Kind = "scanned_document"
	KindDigitizationBatch Kind = "digitization_batch"
)

// Kinds lists every entity kind in a stable order.
var Kinds = []Kind{KindDocument, KindProcess, KindDispatch, KindScannedDocument, KindDigitizationBatch}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Status string

type Action string

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Actor identifies who performs an operation. It is always passed explicitly.
type Actor struct {
	ID    string   `json:"id"`
	Unit  string   `json:"unit,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Entity struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind" enum:"document,process,dispatch,scanned_document,digitization_batch"`
	Sequence      string     `json:"sequence"`
	Title         string     `json:"title"`
	Status        Status     `json:"status"`
	ResumeStatus  Status     `json:"resume_status,omitempty"`
	Priority      Priority   `json:"priority" enum:"urgent,high,normal,low"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CurrentUnit   string     `json:"current_unit,omitempty"`
	CurrentUser   string     `json:"current_user,omitempty"`
	OriginUnit    string     `json:"origin_unit,omitempty"`
	OriginUser    string     `json:"origin_user,omitempty"`
	BatchID       string     `json:"batch_id,omitempty"`
	Attachments   []string   `json:"attachments,omitempty"`
	PageCount     int        `json:"page_count,omitempty"`
	OCRConfidence *float64   `json:"ocr_confidence,omitempty"`
	CreatedBy     string     `json:"created_by"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type MovementType string

const (
	MovementRoute     MovementType = "route"
	MovementForward   MovementType = "forward"
	MovementReturn    MovementType = "return"
	MovementDispatch  MovementType = "dispatch"
	MovementArchive   MovementType = "archive"
	MovementUnarchive MovementType = "unarchive"
)

// Movement is one custody hand-off. Rows are append-only.
type Movement struct {
	ID         string       `json:"id"`
	EntityID   string       `json:"entity_id"`
	EntityKind Kind         `json:"entity_kind"`
	Type       MovementType `json:"action_type"`
	FromUnit   string       `json:"from_unit,omitempty"`
	FromUser   string       `json:"from_user,omitempty"`
	ToUnit     string       `json:"to_unit,omitempty"`
	ToUser     string       `json:"to_user,omitempty"`
	ActorID    string       `json:"actor_id"`
	Note       string       `json:"note,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type ApprovalMode string

const (
	ModeParallel   ApprovalMode = "parallel"
	ModeUnanimous  ApprovalMode = "unanimous"
	ModeSequential ApprovalMode = "sequential"
)

func (m ApprovalMode) Valid() bool {
	switch m {
	case ModeParallel, ModeUnanimous, ModeSequential:
		return true
	}
	return false
}

type DecisionValue string

const (
	DecisionApproved DecisionValue = "approved"
	DecisionRejected DecisionValue = "rejected"
	DecisionReturned DecisionValue = "returned"
)

func (d DecisionValue) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionReturned:
		return true
	}
	return false
}

// Outcome is the resolution of a round. OutcomePending until resolved.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeReturned Outcome = "returned"
)

type Decision struct {
	Recipient string        `json:"recipient"`
	Value     DecisionValue `json:"value" enum:"approved,rejected,returned"`
	Comment   string        `json:"comment,omitempty"`
	ActorID   string        `json:"actor_id"`
	DecidedAt time.Time     `json:"decided_at"`
}

type ApprovalRound struct {
	ID             string       `json:"id"`
	EntityID       string       `json:"entity_id"`
	EntityKind     Kind         `json:"entity_kind"`
	Mode           ApprovalMode `json:"mode" enum:"parallel,unanimous,sequential"`
	Recipients     []string     `json:"recipients"`
	Decisions      []Decision   `json:"decisions"`
	OpenedInStatus Status       `json:"opened_in_status"`
	Outcome        Outcome      `json:"outcome" enum:"pending,approved,rejected,returned"`
	OpenedBy       string       `json:"opened_by"`
	OpenedAt       time.Time    `json:"opened_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	Version        int64        `json:"version"`
}

func (r ApprovalRound) Resolved() bool {
	return r.Outcome != "" && r.Outcome != OutcomePending
}

func (r ApprovalRound) HasRecipient(recipient string) bool {
	for _, rc := range r.Recipients {
		if rc == recipient {
			return true
		}
	}
	return false
}

func (r ApprovalRound) DecisionFor(recipient string) (Decision, bool) {
	for _, d := range r.Decisions {
		if d.Recipient == recipient {
			return d, true
		}
	}
	return Decision{}, false
}

// Pending returns recipients that have not decided yet, in recipient order.
func (r ApprovalRound) Pending() []string {
	var out []string
	for _, rc := range r.Recipients {
		if _, ok := r.DecisionFor(rc); !ok {
			out = append(out, rc)
		}
	}
	return out
}

type Comment struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one row of the audit ledger.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// TransitionEvent is emitted after every committed transition.
type TransitionEvent struct {
	EntityID   string    `json:"entity_id"`
	EntityKind Kind      `json:"entity_kind"`
	Sequence   string    `json:"sequence"`
	Action     Action    `json:"action"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActionPayload carries the optional inputs of an action.
type ActionPayload struct {
	ToUnit        string       `json:"to_unit,omitempty"`
	ToUser        string       `json:"to_user,omitempty"`
	Note          string       `json:"note,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Recipients    []string     `json:"recipients,omitempty"`
	Mode          ApprovalMode `json:"mode,omitempty"`
	Deadline      *time.Time   `json:"deadline,omitempty"`
	Attachments   []string     `json:"attachments,omitempty"`
	PageCount     *int         `json:"page_count,omitempty"`
	OCRConfidence *float64     `json:"ocr_confidence,omitempty"`
	RequestID     string       `json:"request_id,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorRecord is a registered actor with its unit and roles.
type ActorRecord struct {
	ID        string   `json:"id"`
	Unit      string   `json:"unit,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

func (a ActorRecord) Actor() Actor {
	return Actor{ID: a.ID, Unit: a.Unit, Roles: a.Roles}
}
