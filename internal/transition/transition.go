// Package transition holds the declarative lifecycle tables for every entity
// kind and validates (kind, status, action) triples against them.
package transition

import (
	"fmt"
	"sort"
	"time"

	"recordflow/internal/domain"
)

// Custody describes how a rule moves the entity between custodians.
type Custody int

const (
	CustodyNone Custody = iota
	// CustodyRoute hands the entity to the destination given in the payload.
	CustodyRoute
	// CustodyReturn hands the entity back to its originator.
	CustodyReturn
	// CustodyArchive hands the entity to the archive unit.
	CustodyArchive
)

// Context is everything a guard may consult. Entity already carries the
// payload fields (attachments, OCR data, deadline) the action supplies.
type Context struct {
	Entity           domain.Entity
	Round            *domain.ApprovalRound
	Payload          domain.ActionPayload
	Actor            domain.Actor
	Now              time.Time
	MinOCRConfidence float64
}

type Guard func(action domain.Action, c Context) error

type Rule struct {
	From       domain.Status
	Action     domain.Action
	To         domain.Status
	Resume     bool // target is the remembered status instead of To
	Remember   bool // record From for a later Resume rule
	Custody    Custody
	Movement   domain.MovementType
	OpensRound bool
	Admin      bool // administrative reopen, the only rule allowed out of a terminal status
	Guard      Guard
}

type State struct {
	Name     domain.Status
	Initial  bool
	Terminal bool
}

// Table is one kind's lifecycle. Derived tables have no rules because
// their status is computed from other entities. Outcomes maps a resolved
// approval outcome to the action that consumes it.
type Table struct {
	Kind     domain.Kind
	Derived  bool
	States   []State
	Rules    []Rule
	Outcomes map[domain.Outcome]domain.Action
}

func (t Table) Initial() domain.Status {
	for _, s := range t.States {
		if s.Initial {
			return s.Name
		}
	}
	return ""
}

func (t Table) Has(status domain.Status) bool {
	_, ok := t.state(status)
	return ok
}

func (t Table) Terminal(status domain.Status) bool {
	s, ok := t.state(status)
	return ok && s.Terminal
}

func (t Table) state(status domain.Status) (State, bool) {
	for _, s := range t.States {
		if s.Name == status {
			return s, true
		}
	}
	return State{}, false
}

func (t Table) Find(from domain.Status, action domain.Action) (Rule, bool) {
	for _, r := range t.Rules {
		if r.From == from && r.Action == action {
			return r, true
		}
	}
	return Rule{}, false
}

// Actions lists the actions declared from status, sorted.
func (t Table) Actions(from domain.Status) []domain.Action {
	var out []domain.Action
	for _, r := range t.Rules {
		if r.From == from {
			out = append(out, r.Action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Vocabulary lists every action the kind understands, sorted.
func (t Table) Vocabulary() []domain.Action {
	seen := map[domain.Action]bool{}
	var out []domain.Action
	for _, r := range t.Rules {
		if !seen[r.Action] {
			seen[r.Action] = true
			out = append(out, r.Action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check reports structural defects: unknown states, duplicate triples,
// missing initial state, or forward rules out of a terminal status.
func (t Table) Check() error {
	initials := 0
	for _, s := range t.States {
		if s.Initial {
			initials++
		}
	}
	if initials != 1 {
		return fmt.Errorf("%s: expected exactly one initial state, found %d", t.Kind, initials)
	}
	seen := map[string]bool{}
	for _, r := range t.Rules {
		if !t.Has(r.From) {
			return fmt.Errorf("%s: rule %s uses undeclared state %s", t.Kind, r.Action, r.From)
		}
		if !r.Resume && !t.Has(r.To) {
			return fmt.Errorf("%s: rule %s targets undeclared state %s", t.Kind, r.Action, r.To)
		}
		key := string(r.From) + "|" + string(r.Action)
		if seen[key] {
			return fmt.Errorf("%s: duplicate rule %s from %s", t.Kind, r.Action, r.From)
		}
		seen[key] = true
		if t.Terminal(r.From) && !r.Admin {
			return fmt.Errorf("%s: terminal state %s has forward action %s", t.Kind, r.From, r.Action)
		}
	}
	for outcome, action := range t.Outcomes {
		found := false
		for _, r := range t.Rules {
			if r.Action == action {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: outcome %s maps to unknown action %s", t.Kind, outcome, action)
		}
	}
	return nil
}

// Registry resolves tables by kind.
type Registry struct {
	tables map[domain.Kind]Table
}

func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[domain.Kind]Table, len(tables))}
	for _, t := range tables {
		r.tables[t.Kind] = t
	}
	return r
}

// Default returns the registry with every built-in lifecycle.
func Default() *Registry {
	return NewRegistry(Document(), Process(), Dispatch(), ScannedDocument(), DigitizationBatch())
}

func (r *Registry) Table(kind domain.Kind) (Table, bool) {
	t, ok := r.tables[kind]
	return t, ok
}

// Validate resolves the rule for c.Entity's current status and action,
// runs its guard, and returns the next status. Nothing is mutated.
func (r *Registry) Validate(kind domain.Kind, action domain.Action, c Context) (Rule, domain.Status, error) {
	current := c.Entity.Status
	t, ok := r.tables[kind]
	if !ok {
		return Rule{}, "", domain.TransitionError{Kind: kind, From: current, Action: action}
	}
	if t.Derived {
		return Rule{}, "", fmt.Errorf("%w: %w", domain.TransitionError{Kind: kind, From: current, Action: action}, domain.ErrDerivedStatus)
	}
	rule, ok := t.Find(current, action)
	if !ok {
		return Rule{}, "", domain.TransitionError{Kind: kind, From: current, Action: action}
	}
	if rule.Guard != nil {
		if err := rule.Guard(action, c); err != nil {
			return rule, "", err
		}
	}
	next := rule.To
	if rule.Resume {
		next = c.Entity.ResumeStatus
		if next == "" || !t.Has(next) {
			return rule, "", domain.Guard(action, "no status to resume to")
		}
	}
	return rule, next, nil
}

// Available lists actions whose rule exists and whose guard passes for c.
func (r *Registry) Available(kind domain.Kind, c Context) []domain.Action {
	t, ok := r.tables[kind]
	if !ok {
		return nil
	}
	var out []domain.Action
	for _, action := range t.Actions(c.Entity.Status) {
		if _, _, err := r.Validate(kind, action, c); err == nil {
			out = append(out, action)
		}
	}
	return out
}

// OutcomeAction returns the action that consumes outcome from status.
func (r *Registry) OutcomeAction(kind domain.Kind, status domain.Status, outcome domain.Outcome) (domain.Action, bool) {
	t, ok := r.tables[kind]
	if !ok {
		return "", false
	}
	action, ok := t.Outcomes[outcome]
	if !ok {
		return "", false
	}
	if _, ok := t.Find(status, action); !ok {
		return "", false
	}
	return action, true
}

func (r *Registry) Terminal(kind domain.Kind, status domain.Status) bool {
	t, ok := r.tables[kind]
	return ok && t.Terminal(status)
}

func (r *Registry) Initial(kind domain.Kind) (domain.Status, bool) {
	t, ok := r.tables[kind]
	if !ok {
		return "", false
	}
	return t.Initial(), true
}
