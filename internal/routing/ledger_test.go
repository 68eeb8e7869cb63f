package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordflow/internal/db"
	"recordflow/internal/domain"
	"recordflow/internal/migrate"
	"recordflow/internal/repo"
)

func newLedger(t *testing.T, pageSize int) (Ledger, domain.Entity) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn, db.SQLite)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := domain.Entity{
		ID: "doc-1", Kind: domain.KindDocument, Sequence: "DOC-2026/000001", Title: "Ofício",
		Status: "draft", Priority: domain.PriorityNormal, OriginUnit: "protocolo", CurrentUnit: "protocolo",
		CreatedBy: "clerk", Version: 1, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, r.InsertEntity(context.Background(), nil, e))
	return Ledger{Repo: r, PageSize: pageSize}, e
}

func TestHistoryOrderedByOccurredAt(t *testing.T) {
	ctx := context.Background()
	l, e := newLedger(t, 2)
	t1 := e.CreatedAt.Add(time.Hour)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)
	// inserted out of order on purpose
	for _, m := range []domain.Movement{
		{ID: "c", EntityID: e.ID, EntityKind: e.Kind, Type: domain.MovementArchive, ToUnit: "arquivo", ActorID: "u", OccurredAt: t3},
		{ID: "a", EntityID: e.ID, EntityKind: e.Kind, Type: domain.MovementRoute, ToUnit: "juridico", ActorID: "u", OccurredAt: t1},
		{ID: "b", EntityID: e.ID, EntityKind: e.Kind, Type: domain.MovementForward, ToUnit: "gabinete", ActorID: "u", OccurredAt: t2},
	} {
		_, err := l.Record(ctx, nil, m)
		require.NoError(t, err)
	}

	got, err := Collect(l.History(ctx, e.ID))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// restartable
	again, err := Collect(l.History(ctx, e.ID))
	require.NoError(t, err)
	assert.Equal(t, got, again)

	// early stop
	n := 0
	for _, err := range l.History(ctx, e.ID) {
		require.NoError(t, err)
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, 1, n)
}

func TestHistorySameInstantFallsBackToID(t *testing.T) {
	ctx := context.Background()
	l, e := newLedger(t, 1)
	at := e.CreatedAt.Add(time.Minute)
	for _, id := range []string{"02", "01", "03"} {
		_, err := l.Record(ctx, nil, domain.Movement{ID: id, EntityID: e.ID, EntityKind: e.Kind, Type: domain.MovementRoute, ActorID: "u", OccurredAt: at})
		require.NoError(t, err)
	}
	got, err := Collect(l.History(ctx, e.ID))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "01", got[0].ID)
	assert.Equal(t, "03", got[2].ID)
}

func TestRecordValidates(t *testing.T) {
	l, e := newLedger(t, 0)
	_, err := l.Record(context.Background(), nil, domain.Movement{EntityID: e.ID, ActorID: "u"})
	assert.Error(t, err)
	m, err := l.Record(context.Background(), nil, domain.Movement{EntityID: e.ID, EntityKind: e.Kind, Type: domain.MovementRoute, ActorID: "u", OccurredAt: e.CreatedAt})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
}

func TestTimeInStage(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := domain.Entity{OriginUnit: "protocolo", CreatedAt: created}
	moves := []domain.Movement{
		{ToUnit: "juridico", OccurredAt: created.Add(2 * time.Hour)},
		{ToUnit: "gabinete", OccurredAt: created.Add(5 * time.Hour)},
		{ToUnit: "juridico", OccurredAt: created.Add(6 * time.Hour)},
	}
	stages := TimeInStage(e, moves, created.Add(10*time.Hour))
	require.Len(t, stages, 4)
	assert.Equal(t, "protocolo", stages[0].Unit)
	assert.Equal(t, 2*time.Hour, stages[0].Duration)
	assert.Nil(t, stages[3].Until)
	totals := TotalByUnit(stages)
	assert.Equal(t, 7*time.Hour, totals["juridico"])
	assert.Equal(t, time.Hour, totals["gabinete"])
}
