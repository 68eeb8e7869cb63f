// Package engine is the single entry point for every state change. It
// serializes mutations per entity and runs each one in one transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"recordflow/internal/approval"
	"recordflow/internal/config"
	"recordflow/internal/db"
	"recordflow/internal/domain"
	"recordflow/internal/events"
	"recordflow/internal/ids"
	"recordflow/internal/logging"
	"recordflow/internal/obs"
	"recordflow/internal/repo"
	"recordflow/internal/routing"
	"recordflow/internal/sla"
	"recordflow/internal/transition"
)

// Publisher receives transition events after their transaction committed.
type Publisher interface {
	Publish(domain.TransitionEvent)
}

// Change describes one committed mutation as seen by a hook. Action is
// empty when the entity was just created.
type Change struct {
	Before domain.Entity
	After  domain.Entity
	Action domain.Action
	Actor  domain.Actor
	At     time.Time
}

// Hook runs inside the mutation's transaction. A hook error aborts the
// whole mutation.
type Hook func(ctx context.Context, q repo.Querier, c Change) error

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Routing   routing.Ledger
	Approvals approval.Coordinator
	Rules     *transition.Registry
	Config    *config.Config
	SLA       sla.Policy
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *obs.Metrics
	Publisher Publisher

	locks   keyedMutex
	hooksMu sync.RWMutex
	hooks   []Hook
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default("default")
	}
	e := &Engine{
		DB:     conn,
		Repo:   repo.New(conn, dialect),
		Rules:  transition.Default(),
		Config: cfg,
		SLA:    cfg.SLAPolicy(),
		Now:    time.Now,
		Logger: logging.Discard(),
	}
	e.Events = events.Writer{DB: conn, Dialect: dialect, Now: e.now}
	e.Routing = routing.Ledger{Repo: e.Repo}
	e.Approvals = approval.Coordinator{Repo: e.Repo, Events: e.Events}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// OnTransition registers a hook run after every create and transition.
func (e *Engine) OnTransition(h Hook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, h)
}

func (e *Engine) runHooks(ctx context.Context, q repo.Querier, c Change) error {
	e.hooksMu.RLock()
	hooks := append([]Hook(nil), e.hooks...)
	e.hooksMu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, q, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publish(evts []domain.TransitionEvent) {
	if e.Publisher == nil {
		return
	}
	for _, ev := range evts {
		e.Publisher.Publish(ev)
	}
}

// RetryAttempts is the configured attempt budget for Retry.
func (e *Engine) RetryAttempts() int {
	if e.Config != nil && e.Config.Engine.RetryAttempts > 0 {
		return e.Config.Engine.RetryAttempts
	}
	return 1
}

// CreateOptions are parameters for registering a new entity.
type CreateOptions struct {
	ID          string
	Kind        domain.Kind
	Title       string
	Priority    domain.Priority
	Deadline    *time.Time
	Unit        string
	User        string
	BatchID     string
	Attachments []string
	Actor       domain.Actor
}

// Create registers an entity in its kind's initial status and assigns the
// next human-readable sequence number.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (Snapshot, error) {
	if !opts.Kind.Valid() {
		return Snapshot{}, fmt.Errorf("unknown kind %q: %w", opts.Kind, domain.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return Snapshot{}, fmt.Errorf("title is required: %w", domain.ErrInvalidInput)
	}
	if opts.Actor.ID == "" {
		return Snapshot{}, fmt.Errorf("actor is required: %w", domain.ErrInvalidInput)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return Snapshot{}, fmt.Errorf("unknown priority %q: %w", opts.Priority, domain.ErrInvalidInput)
	}
	if opts.BatchID != "" && opts.Kind != domain.KindScannedDocument {
		return Snapshot{}, fmt.Errorf("only scanned documents belong to batches: %w", domain.ErrInvalidInput)
	}
	initial, _ := e.Rules.Initial(opts.Kind)
	now := e.now()
	unit := opts.Unit
	if unit == "" {
		unit = opts.Actor.Unit
	}
	user := opts.User
	if user == "" && opts.Unit == "" {
		user = opts.Actor.ID
	}
	ent := domain.Entity{
		ID:          opts.ID,
		Kind:        opts.Kind,
		Title:       strings.TrimSpace(opts.Title),
		Status:      initial,
		Priority:    opts.Priority,
		Deadline:    opts.Deadline,
		CurrentUnit: unit,
		CurrentUser: user,
		OriginUnit:  unit,
		OriginUser:  user,
		BatchID:     opts.BatchID,
		Attachments: opts.Attachments,
		CreatedBy:   opts.Actor.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ent.ID == "" {
		ent.ID = ids.Entity()
	}
	if ent.Deadline == nil {
		ent.Deadline = e.SLA.DefaultDeadline(ent.Kind, now)
	}

	var snap Snapshot
	err := e.withEntityTx(ctx, ent.ID, "create", func(tx *sql.Tx) ([]domain.TransitionEvent, error) {
		if ent.BatchID != "" {
			batch, err := e.Repo.GetEntity(ctx, tx, ent.BatchID)
			if err != nil {
				return nil, fmt.Errorf("batch %s: %w", ent.BatchID, err)
			}
			if batch.Kind != domain.KindDigitizationBatch {
				return nil, fmt.Errorf("%s is not a digitization batch: %w", batch.ID, domain.ErrInvalidInput)
			}
			if batch.Status == transition.BatchCompleted {
				return nil, domain.Guard("", "batch %s is %s and accepts no new documents", batch.Sequence, batch.Status)
			}
		}
		seq, err := e.nextSequence(ctx, tx, ent.Kind, now)
		if err != nil {
			return nil, err
		}
		ent.Sequence = seq
		if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.TypeEntityCreated, string(ent.Kind), ent.ID, opts.Actor.ID, events.EventPayload{
			"sequence": ent.Sequence,
			"status":   ent.Status,
			"unit":     ent.CurrentUnit,
		}); err != nil {
			return nil, err
		}
		if err := e.runHooks(ctx, tx, Change{After: ent, Actor: opts.Actor, At: now}); err != nil {
			return nil, err
		}
		snap, err = e.snapshot(ctx, tx, ent)
		return nil, err
	})
	if err != nil {
		return Snapshot{}, err
	}
	e.log().Info("entity created", "kind", ent.Kind, "id", ent.ID, "sequence", ent.Sequence, "actor", opts.Actor.ID)
	return snap, nil
}

func (e *Engine) nextSequence(ctx context.Context, q repo.Querier, kind domain.Kind, now time.Time) (string, error) {
	loc := e.SLA.Location
	if loc == nil {
		loc = time.UTC
	}
	period := now.In(loc).Format("2006")
	n, err := e.Repo.NextSequence(ctx, q, kind, period)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s/%0*d", e.Config.SequencePrefix(kind), period, e.Config.SequenceWidth(), n), nil
}

// withEntityTx holds the entity's lock for the duration of one transaction.
// Events returned by fn are published after commit, still under the lock,
// so subscribers see one entity's transitions in commit order.
func (e *Engine) withEntityTx(ctx context.Context, entityID, op string, fn func(tx *sql.Tx) ([]domain.TransitionEvent, error)) error {
	unlock := e.locks.Lock(entityID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()
	emit, err := fn(tx)
	if err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	e.publish(emit)
	return nil
}

// Get returns the entity with its derived SLA state and latest round.
func (e *Engine) Get(ctx context.Context, id string) (Snapshot, error) {
	ent, err := e.Repo.GetEntity(ctx, nil, id)
	if err != nil {
		return Snapshot{}, classify("get", err)
	}
	snap, err := e.snapshot(ctx, nil, ent)
	return snap, classify("get", err)
}

type ListFilter struct {
	Kind    domain.Kind
	Status  domain.Status
	Unit    string
	BatchID string
	// SLA keeps only entities in that class when set.
	SLA             sla.Class
	CursorCreatedAt string
	CursorID        string
	Limit           int
}

// List returns snapshots newest first.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Snapshot, error) {
	rf := repo.EntityFilter{
		Kind:            f.Kind,
		Status:          f.Status,
		Unit:            f.Unit,
		BatchID:         f.BatchID,
		CursorCreatedAt: f.CursorCreatedAt,
		CursorID:        f.CursorID,
		Limit:           f.Limit,
	}
	if f.SLA == sla.Overdue {
		// overdue entities have a deadline before the start of tomorrow
		cutoff := e.now().AddDate(0, 0, 1)
		rf.DeadlineBefore = &cutoff
	}
	list, err := e.Repo.ListEntities(ctx, nil, rf)
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]Snapshot, 0, len(list))
	now := e.now()
	for _, ent := range list {
		terminal := e.Rules.Terminal(ent.Kind, ent.Status)
		state := e.SLA.Evaluate(ent, terminal, now)
		if f.SLA != "" && state.Class != f.SLA {
			continue
		}
		out = append(out, Snapshot{Entity: ent, SLA: state, Terminal: terminal, Actions: e.actions(ent)})
	}
	return out, nil
}

// classify maps driver failures onto the storage error classes. Domain
// errors pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrInvalidTransition, domain.ErrGuardFailed, domain.ErrRoundAlreadyResolved,
		domain.ErrUnknownRecipient, domain.ErrAlreadyDecided, domain.ErrOutOfTurn,
		domain.ErrStorageConflict, domain.ErrStorageUnavailable, domain.ErrNotFound,
		domain.ErrInvalidInput, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if repo.IsUniqueViolation(err) || isBusy(err) {
		return domain.StorageError{Op: op, Class: domain.ErrStorageConflict, Err: err}
	}
	return domain.StorageError{Op: op, Class: domain.ErrStorageUnavailable, Err: err}
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}
