package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recordflow/internal/config"
	"recordflow/internal/db"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/migrate"
	"recordflow/internal/repo"
	"recordflow/internal/routing"
	"recordflow/internal/sla"
	"recordflow/internal/transition"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (r *recorder) Publish(ev domain.TransitionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Clock  *clock
	Ctx    context.Context
}

var (
	clerk    = domain.Actor{ID: "clerk-1", Unit: "protocolo", Roles: []string{"clerk"}}
	approver = domain.Actor{ID: "head-1", Roles: []string{"approver"}}
)

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	for _, m := range mutate {
		m(cfg)
	}
	eng := engine.New(conn, db.SQLite, cfg)
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, kind domain.Kind, attachments ...string) engine.Snapshot {
	t.Helper()
	snap, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		Kind:        kind,
		Title:       "Ofício 12/2024",
		Attachments: attachments,
		Actor:       clerk,
	})
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return snap
}

func (env testEnv) apply(t *testing.T, id string, action domain.Action, p domain.ActionPayload) engine.Snapshot {
	t.Helper()
	env.Clock.Advance(time.Minute)
	snap, err := env.Engine.Apply(env.Ctx, id, action, clerk, p)
	if err != nil {
		t.Fatalf("apply %s: %v", action, err)
	}
	return snap
}

type counts struct {
	movements, events, rounds int
	version                   int64
	status                    domain.Status
}

func (env testEnv) counts(t *testing.T, id string) counts {
	t.Helper()
	r := env.Engine.Repo
	var c counts
	var err error
	if c.movements, err = r.CountMovements(env.Ctx, nil, id); err != nil {
		t.Fatal(err)
	}
	if c.events, err = r.CountEvents(env.Ctx, nil, id); err != nil {
		t.Fatal(err)
	}
	if c.rounds, err = r.CountRounds(env.Ctx, nil, id); err != nil {
		t.Fatal(err)
	}
	ent, err := r.GetEntity(env.Ctx, nil, id)
	if err != nil {
		t.Fatal(err)
	}
	c.version, c.status = ent.Version, ent.Status
	return c
}

func TestCreateAssignsSequenceAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, domain.KindDocument)
	b := env.create(t, domain.KindDocument)
	p := env.create(t, domain.KindProcess)
	if a.Entity.Sequence != "DOC-2024/000001" || b.Entity.Sequence != "DOC-2024/000002" {
		t.Fatalf("unexpected sequences %s %s", a.Entity.Sequence, b.Entity.Sequence)
	}
	if p.Entity.Sequence != "PROC-2024/000001" {
		t.Fatalf("process sequence %s", p.Entity.Sequence)
	}
	if a.Entity.Status != transition.DocumentDraft || a.Entity.Version != 1 {
		t.Fatalf("unexpected initial state %+v", a.Entity)
	}
	if a.Entity.Deadline != nil || a.SLA.Class != sla.NoDeadline {
		t.Fatalf("documents have no default deadline, got %+v", a.SLA)
	}
	want := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	if p.Entity.Deadline == nil || !p.Entity.Deadline.Equal(want) {
		t.Fatalf("default deadline %v, want %v", p.Entity.Deadline, want)
	}
	if p.SLA.Class != sla.OnTrack {
		t.Fatalf("sla %s", p.SLA.Class)
	}
	if a.Entity.CurrentUnit != "protocolo" || a.Entity.OriginUnit != "protocolo" {
		t.Fatalf("custodian %s origin %s", a.Entity.CurrentUnit, a.Entity.OriginUnit)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateOptions{
		{Kind: "memo", Title: "x", Actor: clerk},
		{Kind: domain.KindDocument, Title: "  ", Actor: clerk},
		{Kind: domain.KindDocument, Title: "x"},
		{Kind: domain.KindDocument, Title: "x", Priority: "whenever", Actor: clerk},
		{Kind: domain.KindDocument, Title: "x", BatchID: "b", Actor: clerk},
	}
	for i, opts := range cases {
		if _, err := env.Engine.Create(env.Ctx, opts); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestDocumentLifecycleRecordsMovements(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, domain.KindDocument, "att-1")
	id := doc.Entity.ID

	s := env.apply(t, id, transition.ActionSubmit, domain.ActionPayload{ToUnit: "triagem"})
	if s.Entity.Status != transition.DocumentPendingValidation || s.Entity.CurrentUnit != "triagem" {
		t.Fatalf("after submit: %+v", s.Entity)
	}
	s = env.apply(t, id, transition.ActionValidate, domain.ActionPayload{})
	s = env.apply(t, id, transition.ActionDispatch, domain.ActionPayload{ToUnit: "juridico"})
	s = env.apply(t, id, transition.ActionArchive, domain.ActionPayload{})
	if s.Entity.Status != transition.DocumentArchived || s.Entity.CurrentUnit != "arquivo-central" || !s.Terminal {
		t.Fatalf("after archive: %+v", s.Entity)
	}
	if s.Entity.ResumeStatus != transition.DocumentDispatched {
		t.Fatalf("resume status %s", s.Entity.ResumeStatus)
	}
	s = env.apply(t, id, transition.ActionUnarchive, domain.ActionPayload{Reason: "court order"})
	if s.Entity.Status != transition.DocumentDispatched || s.Entity.CurrentUnit != "protocolo" {
		t.Fatalf("after unarchive: %+v", s.Entity)
	}
	if s.Entity.Version != 6 {
		t.Fatalf("version %d", s.Entity.Version)
	}

	history, err := routing.Collect(env.Engine.History(env.Ctx, id))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []domain.MovementType{domain.MovementRoute, domain.MovementDispatch, domain.MovementArchive, domain.MovementUnarchive}
	if len(history) != len(want) {
		t.Fatalf("expected %d movements, got %d", len(want), len(history))
	}
	for i, m := range history {
		if m.Type != want[i] {
			t.Fatalf("movement %d is %s, want %s", i, m.Type, want[i])
		}
		if i > 0 && m.OccurredAt.Before(history[i-1].OccurredAt) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if history[0].FromUnit != "protocolo" || history[0].ToUnit != "triagem" {
		t.Fatalf("first movement %+v", history[0])
	}
}

func TestRejectedApplyWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, domain.KindDocument)
	id := doc.Entity.ID
	before := env.counts(t, id)

	_, err := env.Engine.Apply(env.Ctx, id, transition.ActionValidate, clerk, domain.ActionPayload{})
	var te domain.TransitionError
	if !errors.As(err, &te) || te.From != transition.DocumentDraft {
		t.Fatalf("expected transition error, got %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, id, transition.ActionSubmit, clerk, domain.ActionPayload{ToUnit: "triagem"})
	var ge domain.GuardError
	if !errors.As(err, &ge) {
		t.Fatalf("expected guard error for missing attachments, got %v", err)
	}
	if after := env.counts(t, id); after != before {
		t.Fatalf("rejected actions wrote state: %+v -> %+v", before, after)
	}
}

func TestHookFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, domain.KindDocument, "att-1")
	before := env.counts(t, doc.Entity.ID)
	boom := errors.New("downstream refused")
	env.Engine.OnTransition(func(ctx context.Context, q repo.Querier, c engine.Change) error {
		if c.Action == transition.ActionSubmit {
			return boom
		}
		return nil
	})
	_, err := env.Engine.Apply(env.Ctx, doc.Entity.ID, transition.ActionSubmit, clerk, domain.ActionPayload{ToUnit: "triagem"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if after := env.counts(t, doc.Entity.ID); after != before {
		t.Fatalf("hook failure left partial writes: %+v -> %+v", before, after)
	}
}

func TestDispatchParallelRound(t *testing.T) {
	env := newTestEnv(t)
	rec := &recorder{}
	env.Engine.Publisher = rec
	d := env.create(t, domain.KindDispatch)
	s := env.apply(t, d.Entity.ID, transition.ActionEmit, domain.ActionPayload{
		Recipients: []string{"unit-a", "unit-b"},
		Mode:       domain.ModeParallel,
	})
	if s.Entity.Status != transition.DispatchEmitted || s.Round == nil || s.Round.Resolved() {
		t.Fatalf("after emit: %+v round %+v", s.Entity, s.Round)
	}

	res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		RoundID: s.Round.ID, Recipient: "unit-a", Value: domain.DecisionApproved, Actor: approver,
	})
	if err != nil {
		t.Fatalf("decision a: %v", err)
	}
	if !res.Resolved || res.Outcome != domain.OutcomeApproved || res.Advanced != transition.ActionMakeEffective {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Entity == nil || res.Entity.Entity.Status != transition.DispatchEffective {
		t.Fatalf("dispatch not effective: %+v", res.Entity)
	}

	_, err = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
		RoundID: s.Round.ID, Recipient: "unit-b", Value: domain.DecisionApproved, Actor: approver,
	})
	if !errors.Is(err, domain.ErrRoundAlreadyResolved) {
		t.Fatalf("expected round already resolved, got %v", err)
	}
	round, err := env.Engine.Round(env.Ctx, s.Round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if round.Outcome != domain.OutcomeApproved || len(round.Decisions) != 1 {
		t.Fatalf("round changed after resolution: %+v", round)
	}
	got, err := env.Engine.Get(env.Ctx, d.Entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Entity.Status != transition.DispatchEffective {
		t.Fatalf("status %s", got.Entity.Status)
	}
	if len(rec.events) != 2 || rec.events[1].Action != transition.ActionMakeEffective {
		t.Fatalf("published %+v", rec.events)
	}
}

func TestUnanimousReturnShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, domain.KindProcess)
	id := p.Entity.ID
	env.apply(t, id, transition.ActionStart, domain.ActionPayload{})
	s := env.apply(t, id, transition.ActionRequestApproval, domain.ActionPayload{
		Recipients: []string{"a", "b", "c"},
		Mode:       domain.ModeUnanimous,
	})
	decide := func(recipient string, v domain.DecisionValue) (engine.DecisionResult, error) {
		return env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{RoundID: s.Round.ID, Recipient: recipient, Value: v, Comment: "ver parecer", Actor: approver})
	}
	res, err := decide("a", domain.DecisionApproved)
	if err != nil || res.Resolved {
		t.Fatalf("first approval: %+v %v", res, err)
	}
	res, err = decide("b", domain.DecisionReturned)
	if err != nil || !res.Resolved || res.Outcome != domain.OutcomeReturned {
		t.Fatalf("return: %+v %v", res, err)
	}
	if res.Entity.Entity.Status != transition.ProcessInProgress {
		t.Fatalf("process status %s", res.Entity.Entity.Status)
	}
	if _, err := decide("c", domain.DecisionApproved); !errors.Is(err, domain.ErrRoundAlreadyResolved) {
		t.Fatalf("expected stale decision, got %v", err)
	}
	if _, err := decide("z", domain.DecisionApproved); !errors.Is(err, domain.ErrRoundAlreadyResolved) {
		t.Fatalf("resolution must win over unknown recipient, got %v", err)
	}
	// a fresh round may be opened after the previous one resolved
	s = env.apply(t, id, transition.ActionRequestApproval, domain.ActionPayload{Recipients: []string{"a"}})
	if s.Round == nil || s.Round.Mode != domain.ModeParallel {
		t.Fatalf("second round %+v", s.Round)
	}
}

func TestUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, domain.KindDispatch)
	s := env.apply(t, d.Entity.ID, transition.ActionEmit, domain.ActionPayload{Recipients: []string{"a"}})
	before := env.counts(t, d.Entity.ID)
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{RoundID: s.Round.ID, Recipient: "b", Value: domain.DecisionApproved, Actor: approver})
	if !errors.Is(err, domain.ErrUnknownRecipient) {
		t.Fatalf("expected unknown recipient, got %v", err)
	}
	if after := env.counts(t, d.Entity.ID); after != before {
		t.Fatalf("unknown recipient wrote state")
	}
}

func TestAutoAdvanceDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Approvals.AutoAdvance = false })
	d := env.create(t, domain.KindDispatch)
	s := env.apply(t, d.Entity.ID, transition.ActionEmit, domain.ActionPayload{Recipients: []string{"a"}})
	res, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{RoundID: s.Round.ID, Recipient: "a", Value: domain.DecisionRejected, Actor: approver})
	if err != nil || !res.Resolved || res.Advanced != "" {
		t.Fatalf("decision: %+v %v", res, err)
	}
	if res.Entity.Entity.Status != transition.DispatchEmitted {
		t.Fatalf("status %s", res.Entity.Entity.Status)
	}
	// the outcome guards only accept the action matching the outcome
	if _, err := env.Engine.Apply(env.Ctx, d.Entity.ID, transition.ActionMakeEffective, clerk, domain.ActionPayload{}); !errors.Is(err, domain.ErrGuardFailed) {
		t.Fatalf("expected guard failure, got %v", err)
	}
	s = env.apply(t, d.Entity.ID, transition.ActionReject, domain.ActionPayload{})
	if s.Entity.Status != transition.DispatchRejected {
		t.Fatalf("status %s", s.Entity.Status)
	}
}

func TestDecisionRefusedWhileSuspended(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, domain.KindProcess)
	id := p.Entity.ID
	env.apply(t, id, transition.ActionStart, domain.ActionPayload{})
	s := env.apply(t, id, transition.ActionRequestApproval, domain.ActionPayload{Recipients: []string{"a"}})
	env.apply(t, id, transition.ActionSuspend, domain.ActionPayload{Reason: "pending court ruling"})
	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{RoundID: s.Round.ID, Recipient: "a", Value: domain.DecisionApproved, Actor: approver})
	if !errors.Is(err, domain.ErrGuardFailed) {
		t.Fatalf("expected guard failure, got %v", err)
	}
	r := env.apply(t, id, transition.ActionResume, domain.ActionPayload{})
	if r.Entity.Status != transition.ProcessAwaitingApproval || r.Entity.ResumeStatus != "" {
		t.Fatalf("after resume: %+v", r.Entity)
	}
	if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{RoundID: s.Round.ID, Recipient: "a", Value: domain.DecisionApproved, Actor: approver}); err != nil {
		t.Fatalf("decision after resume: %v", err)
	}
}

func TestRequestIDIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, domain.KindDocument, "att-1")
	p := domain.ActionPayload{ToUnit: "triagem", RequestID: "req-1"}
	first := env.apply(t, doc.Entity.ID, transition.ActionSubmit, p)
	second := env.apply(t, doc.Entity.ID, transition.ActionSubmit, p)
	if first.Entity.Version != second.Entity.Version || second.Entity.Status != transition.DocumentPendingValidation {
		t.Fatalf("replay changed state: %+v vs %+v", first.Entity, second.Entity)
	}
	if c := env.counts(t, doc.Entity.ID); c.movements != 1 {
		t.Fatalf("expected one movement, got %d", c.movements)
	}
}

func TestConcurrentApplyHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, domain.KindProcess)
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Apply(env.Ctx, p.Entity.ID, transition.ActionStart, clerk, domain.ActionPayload{})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winner, got %d", ok)
	}
	if c := env.counts(t, p.Entity.ID); c.version != 2 {
		t.Fatalf("version %d", c.version)
	}
}

func TestConcurrentDecisionsOnParallelRound(t *testing.T) {
	env := newTestEnv(t)
	d := env.create(t, domain.KindDispatch)
	s := env.apply(t, d.Entity.ID, transition.ActionEmit, domain.ActionPayload{
		Recipients: []string{"unit-a", "unit-b"},
		Mode:       domain.ModeParallel,
	})
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipient := "unit-a"
			if i%2 == 1 {
				recipient = "unit-b"
			}
			_, errs[i] = env.Engine.RecordDecision(env.Ctx, engine.DecisionOptions{
				RoundID: s.Round.ID, Recipient: recipient, Value: domain.DecisionApproved, Actor: approver,
			})
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrRoundAlreadyResolved):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accepted decision, got %d", ok)
	}
	round, err := env.Engine.Round(env.Ctx, s.Round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(round.Decisions) != 1 || round.Outcome != domain.OutcomeApproved {
		t.Fatalf("expected one stored decision, got %+v", round)
	}
	if c := env.counts(t, d.Entity.ID); c.status != transition.DispatchEffective {
		t.Fatalf("status %s", c.status)
	}
}

func TestCommentsVisibility(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, domain.KindDocument)
	if _, err := env.Engine.AddComment(env.Ctx, doc.Entity.ID, clerk, "public note", false); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(time.Second)
	if _, err := env.Engine.AddComment(env.Ctx, doc.Entity.ID, clerk, "internal opinion", true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, doc.Entity.ID, clerk, " ", false); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	all, err := env.Engine.Comments(env.Ctx, doc.Entity.ID, false)
	if err != nil || len(all) != 2 || all[0].Body != "public note" {
		t.Fatalf("staff view: %+v %v", all, err)
	}
	public, err := env.Engine.Comments(env.Ctx, doc.Entity.ID, true)
	if err != nil || len(public) != 1 {
		t.Fatalf("originator view: %+v %v", public, err)
	}
	if _, err := env.Engine.Comments(env.Ctx, "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListBySLA(t *testing.T) {
	env := newTestEnv(t)
	past := time.Date(2023, 12, 20, 12, 0, 0, 0, time.UTC)
	late, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Kind: domain.KindDocument, Title: "late", Deadline: &past, Actor: clerk})
	if err != nil {
		t.Fatal(err)
	}
	env.create(t, domain.KindProcess)
	overdue, err := env.Engine.List(env.Ctx, engine.ListFilter{SLA: sla.Overdue})
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 1 || overdue[0].Entity.ID != late.Entity.ID {
		t.Fatalf("overdue list %+v", overdue)
	}
	procs, err := env.Engine.List(env.Ctx, engine.ListFilter{Kind: domain.KindProcess})
	if err != nil || len(procs) != 1 {
		t.Fatalf("process list %d %v", len(procs), err)
	}
}

func TestApplyUnknownEntity(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Apply(env.Ctx, "missing", transition.ActionSubmit, clerk, domain.ActionPayload{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
