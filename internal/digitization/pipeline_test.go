package digitization_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"recordflow/internal/config"
	"recordflow/internal/db"
	"recordflow/internal/digitization"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/migrate"
	"recordflow/internal/transition"
)

var digitizer = domain.Actor{ID: "dig-1", Unit: "digitalizacao", Roles: []string{"digitizer"}}

type testEnv struct {
	Pipeline *digitization.Pipeline
	Engine   *engine.Engine
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, db.SQLite, config.Default("org-1"))
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return testEnv{Pipeline: digitization.New(eng), Engine: eng, Ctx: context.Background()}
}

func (env testEnv) apply(t *testing.T, id string, action domain.Action, p domain.ActionPayload) {
	t.Helper()
	if _, err := env.Engine.Apply(env.Ctx, id, action, digitizer, p); err != nil {
		t.Fatalf("apply %s: %v", action, err)
	}
}

func (env testEnv) batchStatus(t *testing.T, id string) (domain.Status, int64) {
	t.Helper()
	b, err := env.Engine.Get(env.Ctx, id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return b.Entity.Status, b.Entity.Version
}

func hocr(conf string) *strings.Reader {
	return strings.NewReader(`<div class="ocr_page" title="bbox 0 0 10 10"><span class="ocrx_word" title="bbox 0 0 1 1; x_wconf ` + conf + `">x</span></div>`)
}

func TestBatchFollowsMembers(t *testing.T) {
	env := newTestEnv(t)
	batch, err := env.Pipeline.CreateBatch(env.Ctx, "Caixa 14", digitizer)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batch.Entity.Sequence != "LOTE-2024/000001" || batch.Entity.Status != transition.BatchInProgress {
		t.Fatalf("unexpected batch %+v", batch.Entity)
	}
	bid := batch.Entity.ID
	d1, err := env.Pipeline.AddDocument(env.Ctx, bid, "Folha 1", digitizer)
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	d2, err := env.Pipeline.AddDocument(env.Ctx, bid, "Folha 2", digitizer)
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	_, v0 := env.batchStatus(t, bid)

	pages := 3
	env.apply(t, d1.Entity.ID, transition.ActionStartScan, domain.ActionPayload{})
	env.apply(t, d1.Entity.ID, transition.ActionScanComplete, domain.ActionPayload{PageCount: &pages})
	snap, res, err := env.Pipeline.IngestOCR(env.Ctx, d1.Entity.ID, hocr("91"), digitizer)
	if err != nil {
		t.Fatalf("ingest ocr: %v", err)
	}
	if snap.Entity.Status != transition.ScanQualityReview || res.Pages != 1 || snap.Entity.PageCount != 1 {
		t.Fatalf("after ocr: %+v %+v", snap.Entity, res)
	}
	env.apply(t, d1.Entity.ID, transition.ActionApproveQuality, domain.ActionPayload{})
	if s, v := env.batchStatus(t, bid); s != transition.BatchInProgress || v != v0+4 {
		t.Fatalf("batch %s v%d, want in_progress v%d", s, v, v0+4)
	}

	env.apply(t, d2.Entity.ID, transition.ActionStartScan, domain.ActionPayload{})
	env.apply(t, d2.Entity.ID, transition.ActionFail, domain.ActionPayload{Reason: "scanner jam"})
	if s, _ := env.batchStatus(t, bid); s != transition.BatchError {
		t.Fatalf("batch %s, want error", s)
	}
	env.apply(t, d2.Entity.ID, transition.ActionRetry, domain.ActionPayload{})
	if s, _ := env.batchStatus(t, bid); s != transition.BatchInProgress {
		t.Fatalf("batch %s after retry", s)
	}
	env.apply(t, d2.Entity.ID, transition.ActionScanComplete, domain.ActionPayload{PageCount: &pages})
	if _, _, err := env.Pipeline.IngestOCR(env.Ctx, d2.Entity.ID, hocr("40"), digitizer); err != nil {
		t.Fatalf("ingest ocr: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, d2.Entity.ID, transition.ActionApproveQuality, digitizer, domain.ActionPayload{}); !errors.Is(err, domain.ErrGuardFailed) {
		t.Fatalf("expected quality gate to refuse, got %v", err)
	}
	env.apply(t, d2.Entity.ID, transition.ActionRejectQuality, domain.ActionPayload{Reason: "illegible"})
	if s, _ := env.batchStatus(t, bid); s != transition.BatchCompleted {
		t.Fatalf("batch %s, want completed", s)
	}

	view, err := env.Pipeline.Batch(env.Ctx, bid)
	if err != nil {
		t.Fatalf("batch view: %v", err)
	}
	if len(view.Members) != 2 || view.Members[0].Entity.ID != d1.Entity.ID {
		t.Fatalf("members %+v", view.Members)
	}
	if view.Counts[transition.ScanCompleted] != 1 || view.Counts[transition.ScanRejected] != 1 {
		t.Fatalf("counts %+v", view.Counts)
	}

	if _, err := env.Pipeline.AddDocument(env.Ctx, bid, "Folha 3", digitizer); !errors.Is(err, domain.ErrGuardFailed) {
		t.Fatalf("completed batch accepted a document: %v", err)
	}
}

func TestBatchStatusCannotBeSetDirectly(t *testing.T) {
	env := newTestEnv(t)
	batch, err := env.Pipeline.CreateBatch(env.Ctx, "Caixa 2", digitizer)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Apply(env.Ctx, batch.Entity.ID, "complete", digitizer, domain.ActionPayload{})
	if !errors.Is(err, domain.ErrDerivedStatus) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected derived status error, got %v", err)
	}
}

func TestAddDocumentToUnknownBatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Pipeline.AddDocument(env.Ctx, "missing", "Folha", digitizer); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestRejectsBadMarkup(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Pipeline.IngestOCR(env.Ctx, "any", strings.NewReader("<p>no pages</p>"), digitizer); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
