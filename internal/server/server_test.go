package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recordflow/internal/config"
	"recordflow/internal/db"
	"recordflow/internal/digitization"
	"recordflow/internal/domain"
	"recordflow/internal/engine"
	"recordflow/internal/migrate"
	"recordflow/internal/notify"
	"recordflow/internal/obs"
	"recordflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.SQLite, config.Default("test-org"))
	bus := notify.NewBus()
	metrics := obs.NewMetrics()
	e.Publisher = bus
	e.Metrics = metrics
	ctx := context.Background()
	for _, a := range []domain.ActorRecord{
		{ID: "clerk", Unit: "protocolo", Roles: []string{"clerk"}},
		{ID: "val", Unit: "triagem", Roles: []string{"validator"}},
		{ID: "ana", Unit: "gabinete", Roles: []string{"approver"}},
		{ID: "bruno", Unit: "gabinete", Roles: []string{"approver"}},
		{ID: "scan", Unit: "digitalizacao", Roles: []string{"digitizer"}},
		{ID: "root", Roles: []string{"admin"}},
	} {
		a.CreatedAt = repo.FormatTime(time.Now())
		if err := e.Repo.UpsertActor(ctx, nil, a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	cfg := Config{
		Engine:   e,
		Pipeline: digitization.New(e),
		Bus:      bus,
		Metrics:  metrics,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			AllowDevLogin:          true,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, engine: e, client: srv.Client()}
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func (s *testServer) create(t *testing.T, actor string, body map[string]any) engine.Snapshot {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/entities", body, as(actor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	return decode[engine.Snapshot](t, data)
}

func (s *testServer) apply(t *testing.T, actor, id, action string, body any, want int) []byte {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/entities/"+id+"/actions/"+action, body, as(actor))
	if res.StatusCode != want {
		t.Fatalf("%s on %s: expected %d, got %d %s", action, id, want, res.StatusCode, string(data))
	}
	return data
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	doc := srv.create(t, "clerk", map[string]any{
		"kind":        "document",
		"title":       "Ofício 12",
		"attachments": []string{"blob-1"},
	})
	if doc.Entity.Status != "draft" || doc.Entity.CurrentUnit != "protocolo" {
		t.Fatalf("unexpected created entity: %+v", doc.Entity)
	}
	id := doc.Entity.ID

	srv.apply(t, "clerk", id, "submit", map[string]any{"to_unit": "triagem"}, http.StatusOK)

	data := srv.apply(t, "clerk", id, "validate", nil, http.StatusForbidden)
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	data = srv.apply(t, "val", id, "validate", nil, http.StatusOK)
	validated := decode[engine.Snapshot](t, data)
	if validated.Entity.Status != "validated" {
		t.Fatalf("expected validated, got %s", validated.Entity.Status)
	}

	data = srv.apply(t, "clerk", id, "archive", nil, http.StatusConflict)
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	data = srv.apply(t, "clerk", id, "dispatch", nil, http.StatusUnprocessableEntity)
	if code := errorCode(t, data); code != "guard_failed" {
		t.Fatalf("expected guard_failed, got %s", code)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entities/"+id+"/history", nil, as("clerk"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	history := decode[HistoryResponse](t, data)
	if len(history.Items) != 1 || history.Items[0].ToUnit != "triagem" {
		t.Fatalf("expected one route movement to triagem, got %+v", history.Items)
	}
	if len(history.Stages) != 2 {
		t.Fatalf("expected two custody stages, got %d", len(history.Stages))
	}
}

func TestUnknownEntityIs404(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entities/missing", nil, as("clerk"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestParallelDispatchSecondDecisionRefused(t *testing.T) {
	srv := newTestServer(t)
	d := srv.create(t, "clerk", map[string]any{"kind": "dispatch", "title": "Despacho 7"})
	data := srv.apply(t, "clerk", d.Entity.ID, "emit", map[string]any{
		"recipients": []string{"ana", "bruno"},
		"mode":       "parallel",
	}, http.StatusOK)
	emitted := decode[engine.Snapshot](t, data)
	if emitted.Round == nil {
		t.Fatalf("expected an open round after emit")
	}
	roundURL := srv.URL + "/v0/rounds/" + emitted.Round.ID + "/decisions"

	res, data := doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"value": "approved"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first decision status %d: %s", res.StatusCode, string(data))
	}
	first := decode[engine.DecisionResult](t, data)
	if !first.Resolved || first.Outcome != domain.OutcomeApproved {
		t.Fatalf("expected the round to resolve approved, got %+v", first)
	}
	if first.Entity == nil || first.Entity.Entity.Status != "effective" {
		t.Fatalf("expected the dispatch to become effective, got %+v", first.Entity)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"value": "rejected"}, as("bruno"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for the second decision, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "round_already_resolved" {
		t.Fatalf("expected round_already_resolved, got %s", code)
	}
}

func TestDecisionRules(t *testing.T) {
	srv := newTestServer(t)
	d := srv.create(t, "clerk", map[string]any{"kind": "dispatch", "title": "Despacho 8"})
	data := srv.apply(t, "clerk", d.Entity.ID, "emit", map[string]any{"recipients": []string{"ana"}}, http.StatusOK)
	roundURL := srv.URL + "/v0/rounds/" + decode[engine.Snapshot](t, data).Round.ID + "/decisions"

	res, data := doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"recipient": "bruno", "value": "approved"}, as("ana"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("deciding for another recipient: expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"value": "approved"}, as("bruno"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_recipient" {
		t.Fatalf("expected unknown_recipient, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"value": "approved"}, as("clerk"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("clerk lacks round.decide: expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnitHeadDecidesForOwnUnit(t *testing.T) {
	srv := newTestServer(t)
	d := srv.create(t, "clerk", map[string]any{"kind": "dispatch", "title": "Despacho 9"})
	data := srv.apply(t, "clerk", d.Entity.ID, "emit", map[string]any{
		"recipients": []string{"gabinete", "triagem"},
		"mode":       "sequential",
	}, http.StatusOK)
	roundURL := srv.URL + "/v0/rounds/" + decode[engine.Snapshot](t, data).Round.ID + "/decisions"

	res, data := doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"recipient": "triagem", "value": "approved"}, as("ana"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("deciding for a foreign unit: expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"recipient": "gabinete", "value": "approved"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("named unit decision status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[engine.DecisionResult](t, data); got.Resolved {
		t.Fatalf("sequential round resolved after one of two units: %+v", got)
	}

	d = srv.create(t, "clerk", map[string]any{"kind": "dispatch", "title": "Despacho 10"})
	data = srv.apply(t, "clerk", d.Entity.ID, "emit", map[string]any{"recipients": []string{"gabinete"}}, http.StatusOK)
	roundURL = srv.URL + "/v0/rounds/" + decode[engine.Snapshot](t, data).Round.ID + "/decisions"
	res, data = doJSON(t, srv.client, http.MethodPost, roundURL, map[string]any{"value": "approved"}, as("bruno"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("default unit decision status %d: %s", res.StatusCode, string(data))
	}
	got := decode[engine.DecisionResult](t, data)
	if !got.Resolved || len(got.Round.Decisions) != 1 || got.Round.Decisions[0].Recipient != "gabinete" {
		t.Fatalf("expected bruno to decide as gabinete, got %+v", got.Round)
	}
}

func TestActionWithoutBody(t *testing.T) {
	srv := newTestServer(t)
	p := srv.create(t, "clerk", map[string]any{"kind": "process", "title": "Processo 9"})
	url := srv.URL + "/v0/entities/" + p.Entity.ID + "/actions/start"
	res, data := doJSON(t, srv.client, http.MethodPost, url, nil, as("clerk"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bodyless start: %d %s", res.StatusCode, string(data))
	}
	if got := decode[engine.Snapshot](t, data); got.Entity.Status != "em_andamento" {
		t.Fatalf("expected em_andamento, got %s", got.Entity.Status)
	}
}

func TestIdempotencyKeyReplaysApply(t *testing.T) {
	srv := newTestServer(t)
	p := srv.create(t, "clerk", map[string]any{"kind": "process", "title": "Processo 1"})
	headers := as("clerk")
	headers["Idempotency-Key"] = "req-1"
	url := srv.URL + "/v0/entities/" + p.Entity.ID + "/actions/start"
	var versions []int64
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, url, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("start attempt %d: %d %s", i, res.StatusCode, string(data))
		}
		versions = append(versions, decode[engine.Snapshot](t, data).Entity.Version)
	}
	if versions[0] != 2 || versions[1] != 2 {
		t.Fatalf("expected a single transition, got versions %v", versions)
	}
}

func TestCommentsVisibility(t *testing.T) {
	srv := newTestServer(t)
	p := srv.create(t, "clerk", map[string]any{"kind": "process", "title": "Processo 2"})
	url := srv.URL + "/v0/entities/" + p.Entity.ID + "/comments"
	for _, c := range []map[string]any{
		{"body": "public note"},
		{"body": "internal note", "internal": true},
	} {
		res, data := doJSON(t, srv.client, http.MethodPost, url, c, as("clerk"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("add comment: %d %s", res.StatusCode, string(data))
		}
	}
	_, data := doJSON(t, srv.client, http.MethodGet, url, nil, as("clerk"))
	if n := len(decode[CommentsResponse](t, data).Items); n != 2 {
		t.Fatalf("staff view: expected 2 comments, got %d", n)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, url+"?originator_view=true", nil, as("clerk"))
	if n := len(decode[CommentsResponse](t, data).Items); n != 1 {
		t.Fatalf("originator view: expected 1 comment, got %d", n)
	}
	res, _ := doJSON(t, srv.client, http.MethodPost, url, map[string]any{"body": "x"}, as("scan"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("digitizer lacks entity.comment: expected 403, got %d", res.StatusCode)
	}
}

func TestBatchWithOCRIngest(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{"title": "Lote 1"}, as("scan"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create batch: %d %s", res.StatusCode, string(data))
	}
	batch := decode[engine.Snapshot](t, data)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/batches/"+batch.Entity.ID+"/documents", map[string]any{"title": "Folha 1"}, as("scan"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add document: %d %s", res.StatusCode, string(data))
	}
	doc := decode[engine.Snapshot](t, data)
	srv.apply(t, "scan", doc.Entity.ID, "start_scan", nil, http.StatusOK)
	srv.apply(t, "scan", doc.Entity.ID, "scan_complete", map[string]any{"page_count": 1}, http.StatusOK)

	hocr := `<html><body><div class="ocr_page"><span class="ocrx_word" title="bbox 0 0 1 1; x_wconf 90">Ofício</span></div></body></html>`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/entities/"+doc.Entity.ID+"/ocr", strings.NewReader(hocr))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "text/html")
	req.Header.Set("X-Actor-Id", "scan")
	ocrRes, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("ocr request: %v", err)
	}
	defer ocrRes.Body.Close()
	body, _ := io.ReadAll(ocrRes.Body)
	if ocrRes.StatusCode != http.StatusOK {
		t.Fatalf("ocr status %d: %s", ocrRes.StatusCode, string(body))
	}
	ocr := decode[OCRResponse](t, body)
	if ocr.Entity.Entity.Status != "quality_review" || ocr.OCR.Pages != 1 {
		t.Fatalf("unexpected ocr result: %+v", ocr)
	}

	srv.apply(t, "scan", doc.Entity.ID, "approve_quality", nil, http.StatusOK)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/batches/"+batch.Entity.ID, nil, as("scan"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get batch: %d %s", res.StatusCode, string(data))
	}
	view := decode[BatchResponse](t, data)
	if view.Batch.Entity.Status != "completed" || len(view.Members) != 1 {
		t.Fatalf("expected a completed batch with one member, got %+v", view)
	}

	data = srv.apply(t, "root", batch.Entity.ID, "start_scan", nil, http.StatusConflict)
	if code := errorCode(t, data); code != "derived_status" {
		t.Fatalf("expected derived_status, got %s", code)
	}
}

func TestDevLoginAndBearerToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "ana",
		"unit":     "gabinete",
		"roles":    []string{"approver"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != "ana" || me.Source != "jwt" || len(me.Roles) != 1 {
		t.Fatalf("unexpected principal: %+v", me)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyResolvesRegisteredRoles(t *testing.T) {
	srv := newTestServer(t)
	err := srv.engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "clerk",
		KeyHash: repo.HashAPIKey("s3cret"),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != "clerk" || me.Unit != "protocolo" || len(me.Roles) != 1 || me.Roles[0] != "clerk" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestLegacyHeaderDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = false })
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, as("clerk"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1} })
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", code)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	p := srv.create(t, "clerk", map[string]any{"kind": "process", "title": "Processo 3"})
	srv.apply(t, "clerk", p.Entity.ID, "start", nil, http.StatusOK)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?entity_id="+p.Entity.ID+"&limit=1", nil, as("clerk"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].Type != "entity.transition" || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?entity_id="+p.Entity.ID+"&cursor="+page.NextCursor, nil, as("clerk"))
	page = decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].Type != "entity.created" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	for _, name := range []string{"recordflow_transitions_total", "http_requests_total"} {
		if !strings.Contains(string(data), name) {
			t.Fatalf("metrics output lacks %s", name)
		}
	}
}

func TestStreamDeliversTransitions(t *testing.T) {
	srv := newTestServer(t)
	p := srv.create(t, "clerk", map[string]any{"kind": "process", "title": "Processo 4"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/events/stream?entity_id="+p.Entity.ID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "clerk")
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := bufio.NewScanner(res.Body)
	if !lines.Scan() || !strings.HasPrefix(lines.Text(), ": stream started") {
		t.Fatalf("expected stream preamble, got %q", lines.Text())
	}

	srv.apply(t, "clerk", p.Entity.ID, "start", nil, http.StatusOK)

	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev := decode[domain.TransitionEvent](t, []byte(strings.TrimPrefix(line, "data: ")))
		if ev.Action != "start" || ev.To != "em_andamento" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without a transition: %v", lines.Err())
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	doc := decode[map[string]any](t, data)
	components, _ := doc["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	if _, ok := schemes["bearerAuth"]; !ok {
		t.Fatalf("bearerAuth scheme missing: %v", components)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v0/entities/{id}/actions/{action}"]; !ok {
		t.Fatalf("apply operation missing from paths")
	}

	health := decode[map[string]any](t, func() []byte {
		_, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
		return body
	}())
	if health["storage"] != "ok" {
		t.Fatalf("unexpected health body %v", health)
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	se := handleError(errors.New("pq: password authentication failed for user \"rf\""))
	if se.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("status %d", se.GetStatus())
	}
	body, err := json.Marshal(se)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), "password") || strings.Contains(string(body), "details") {
		t.Fatalf("500 body leaks the cause: %s", body)
	}
	if code := errorCode(t, body); code != "internal_error" {
		t.Fatalf("expected internal_error, got %s", code)
	}
}
