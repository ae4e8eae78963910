package db

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// stepClock returns a clock that advances one millisecond per reading.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

// setupTestDB creates a repository on a fresh store in a temp directory.
func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), engine.FileName)
	return openTestDB(t, path), path
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()

	quiet := log.New(io.Discard, "", 0)
	eng, err := engine.Open(path, engine.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	db := New(eng,
		WithLogger(quiet),
		WithClock(stepClock(time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC))),
	)
	require.NoError(t, db.EnsureSchema())
	return db
}

// breakPersistence replaces the store file with a non-empty directory so
// the rename at the end of every persist fails.
func breakPersistence(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644))
}

func restorePersistence(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(path))
}

func testElement(guid, project string) *schema.Element {
	return &schema.Element{
		GUID:      guid,
		ProjectID: project,
		Name:      "Колонна К-1",
		Position:  "A-1",
		Material:  "B25",
		Level:     "+3.000",
		Axes:      "1/А",
		Volume:    2.75,
	}
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureSchema())
	require.NoError(t, db.EnsureSchemaContext(ctx))

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestEnsureSchema_MigratesVersionOneStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), engine.FileName)

	quiet := log.New(io.Discard, "", 0)
	eng, err := engine.Open(path, engine.WithLogger(quiet))
	require.NoError(t, err)
	_, err = eng.Exec(ctx, `
		CREATE TABLE projects (id TEXT PRIMARY KEY, speckle_stream_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '', cached_at INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE elements (guid TEXT PRIMARY KEY, project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '', position TEXT NOT NULL DEFAULT '',
			material TEXT NOT NULL DEFAULT '', level TEXT NOT NULL DEFAULT '',
			axes TEXT NOT NULL DEFAULT '', volume REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'Не закрыт');
		INSERT INTO elements (guid, project_id) VALUES ('old-1', 'P1');
		PRAGMA user_version = 1;
	`)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	db := openTestDB(t, path)

	version, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	el, err := db.GetElement(ctx, "old-1")
	require.NoError(t, err)
	assert.True(t, el.PendingSync, "existing rows start out pending")
	assert.Nil(t, el.Properties)
}

func TestUpsertProject(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertProject(ctx, &schema.Project{ID: "P1", Name: "Old", CachedAt: 10}))
	require.NoError(t, db.UpsertProject(ctx, &schema.Project{ID: "P2", Name: "Second", CachedAt: 30}))
	require.NoError(t, db.UpsertProject(ctx, &schema.Project{
		ID:              "P1",
		SpeckleStreamID: "stream-1",
		Name:            "New",
		CachedAt:        20,
		Metadata:        json.RawMessage(`{"owner": "ГК"}`),
	}))

	projects, err := db.GetAllProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	assert.Equal(t, "P2", projects[0].ID)
	assert.Equal(t, "P1", projects[1].ID)
	assert.Equal(t, "New", projects[1].Name)
	assert.Equal(t, "stream-1", projects[1].SpeckleStreamID)
	assert.Equal(t, `{"owner": "ГК"}`, string(projects[1].Metadata))
}

func TestUpsertProject_Validation(t *testing.T) {
	db, _ := setupTestDB(t)

	err := db.UpsertProject(context.Background(), &schema.Project{Name: "no id"})
	assert.ErrorIs(t, err, store.ErrValidation)

	err = db.UpsertProject(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestUpsertElement_SameGUIDTwice(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	first := testElement("E1", "P1")
	_, err := db.UpsertElement(ctx, first)
	require.NoError(t, err)

	second := testElement("E1", "P1")
	second.Name = "Колонна К-2"
	second.Volume = 3.5
	second.Status = schema.StatusFullyClosed
	_, err = db.UpsertElement(ctx, second)
	require.NoError(t, err)

	elements, err := db.GetElementsByProject(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "Колонна К-2", elements[0].Name)
	assert.Equal(t, 3.5, elements[0].Volume)
	assert.Equal(t, schema.StatusFullyClosed, elements[0].Status)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Elements)
}

func TestUpsertElement_RoundTrip(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	in := testElement("3f2a-guid-Ω", "P1")
	in.Volume = 0.1 + 0.2
	in.Status = "custom status"
	in.Properties = json.RawMessage(`{"b":2, "a":[1,2.50,"x"]}`)

	stored, err := db.UpsertElement(ctx, in)
	require.NoError(t, err)
	assert.True(t, stored.PendingSync)
	assert.False(t, stored.ModifiedAt.IsZero())
	assert.False(t, in.PendingSync, "input is not modified")

	got, err := db.GetElement(ctx, in.GUID)
	require.NoError(t, err)

	assert.Equal(t, in.GUID, got.GUID)
	assert.Equal(t, in.ProjectID, got.ProjectID)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.Position, got.Position)
	assert.Equal(t, in.Material, got.Material)
	assert.Equal(t, in.Level, got.Level)
	assert.Equal(t, in.Axes, got.Axes)
	assert.Equal(t, in.Volume, got.Volume)
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, string(in.Properties), string(got.Properties))
	assert.True(t, got.PendingSync)
	assert.True(t, stored.ModifiedAt.Equal(got.ModifiedAt))
}

func TestUpsertElement_DefaultsAndValidation(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	stored, err := db.UpsertElement(ctx, &schema.Element{GUID: "E1", ProjectID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultElementStatus, stored.Status)

	tests := []struct {
		name string
		el   *schema.Element
	}{
		{"nil", nil},
		{"missing guid", &schema.Element{ProjectID: "P1"}},
		{"missing project", &schema.Element{GUID: "E2"}},
		{"invalid properties", &schema.Element{GUID: "E3", ProjectID: "P1", Properties: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.UpsertElement(ctx, tt.el)
			assert.ErrorIs(t, err, store.ErrValidation)
		})
	}

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Elements)
}

func TestUpdateElementStatus(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	before, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.NoError(t, err)

	require.NoError(t, db.UpdateElementStatus(ctx, "E1", schema.StatusPartlyClosed))

	got, err := db.GetElement(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPartlyClosed, got.Status)
	assert.True(t, got.PendingSync)
	assert.True(t, got.ModifiedAt.After(before.ModifiedAt))
	assert.Equal(t, before.Name, got.Name)
	assert.Equal(t, before.Volume, got.Volume)
}

func TestUpdateElementStatus_NotFound(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.NoError(t, err)
	statsBefore, err := db.GetStats(ctx)
	require.NoError(t, err)

	err = db.UpdateElementStatus(ctx, "missing", schema.StatusFullyClosed)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.KindNotFound, store.Kind(err))

	statsAfter, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, statsBefore, statsAfter)

	_, err = db.GetElement(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, db.UpdateElementStatus(ctx, "", "x"), store.ErrValidation)
	assert.ErrorIs(t, db.UpdateElementStatus(ctx, "E1", ""), store.ErrValidation)
}

func TestInsertAct_AppendOnly(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	act := &schema.Act{Number: "АОСР-12", WorkType: "Бетонирование", ActDate: "2024-03-01"}

	id1, err := db.InsertAct(ctx, act)
	require.NoError(t, err)
	id2, err := db.InsertAct(ctx, act)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Greater(t, id2, id1)

	acts, err := db.GetAllActs(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, id2, acts[0].ID)
	assert.Equal(t, id1, acts[1].ID)
	for _, a := range acts {
		assert.Equal(t, "АОСР-12", a.Number)
		assert.False(t, a.CreatedAt.IsZero())
	}
}

func TestGetAllActs_OrderedByDate(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	for _, date := range []string{"2024-01-10", "2024-03-05", "2023-12-31"} {
		_, err := db.InsertAct(ctx, &schema.Act{Number: "N-" + date, ActDate: date})
		require.NoError(t, err)
	}

	acts, err := db.GetAllActs(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, "2024-03-05", acts[0].ActDate)
	assert.Equal(t, "2024-01-10", acts[1].ActDate)
	assert.Equal(t, "2023-12-31", acts[2].ActDate)
}

func TestImportActs_SkipsKnownNumbers(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, err := db.InsertAct(ctx, &schema.Act{Number: "A-1", FilePath: "/old/A-1.pdf"})
	require.NoError(t, err)

	imported, err := db.ImportActs(ctx, []*schema.Act{
		{Number: "A-1", FilePath: "/new/A-1.pdf"},
		{Number: "A-2", FilePath: "/new/A-2.pdf"},
		{Number: "A-2", FilePath: "/new/dup/A-2.pdf"},
		nil,
	})
	require.NoError(t, err)
	require.Len(t, imported, 1)
	assert.Equal(t, "A-2", imported[0].Number)
	assert.Positive(t, imported[0].ID)

	acts, err := db.GetAllActs(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for _, a := range acts {
		if a.Number == "A-1" {
			assert.Equal(t, "/old/A-1.pdf", a.FilePath, "existing acts are never modified")
		}
	}

	imported, err = db.ImportActs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, imported)
}

func TestLinkActToElement(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.NoError(t, err)

	var actID int64
	for i := 0; i < 5; i++ {
		actID, err = db.InsertAct(ctx, &schema.Act{Number: "N"})
		require.NoError(t, err)
	}
	require.Equal(t, int64(5), actID)

	require.NoError(t, db.LinkActToElement(ctx, "E1", 5))
	require.NoError(t, db.LinkActToElement(ctx, "E1", 5))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Links)

	acts, err := db.GetActsByElement(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, int64(5), acts[0].ID)

	require.NoError(t, db.UnlinkActFromElement(ctx, "E1", 5))
	acts, err = db.GetActsByElement(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, acts)

	// Unlinking a pair that does not exist is not an error.
	require.NoError(t, db.UnlinkActFromElement(ctx, "E1", 5))
	require.NoError(t, db.UnlinkActFromElement(ctx, "nope", 99))
}

func TestLinkActToElement_MissingSide(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.NoError(t, err)
	actID, err := db.InsertAct(ctx, &schema.Act{Number: "N"})
	require.NoError(t, err)

	assert.ErrorIs(t, db.LinkActToElement(ctx, "missing", actID), store.ErrNotFound)
	assert.ErrorIs(t, db.LinkActToElement(ctx, "E1", actID+100), store.ErrNotFound)
	assert.ErrorIs(t, db.LinkActToElement(ctx, "E1", 0), store.ErrValidation)

	links, err := db.GetAllLinks(ctx)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestCachedModels(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	cached, err := db.IsModelCached(ctx, "s1", "o1")
	require.NoError(t, err)
	assert.False(t, cached)

	require.NoError(t, db.RecordCachedModel(ctx, &schema.CachedModel{StreamID: "s1", ObjectID: "o1", SizeBytes: 1024, CachedAt: 100}))
	require.NoError(t, db.RecordCachedModel(ctx, &schema.CachedModel{StreamID: "s1", ObjectID: "o1", SizeBytes: 2048, CachedAt: 200}))
	require.NoError(t, db.RecordCachedModel(ctx, &schema.CachedModel{StreamID: "s2", ObjectID: "o9", SizeBytes: 1}))

	m, err := db.GetCachedModel(ctx, "s1", "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), m.SizeBytes)
	assert.Equal(t, int64(200), m.CachedAt)

	all, err := db.GetAllCachedModels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].StreamID, "entries without an explicit time are stamped now")

	require.NoError(t, db.DeleteCachedModel(ctx, "s1", "o1"))
	require.NoError(t, db.DeleteCachedModel(ctx, "s1", "o1"))

	_, err = db.GetCachedModel(ctx, "s1", "o1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = db.RecordCachedModel(ctx, &schema.CachedModel{StreamID: "s1"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestMutationsAreDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), engine.FileName)

	func() {
		quiet := log.New(io.Discard, "", 0)
		eng, err := engine.Open(path, engine.WithLogger(quiet))
		require.NoError(t, err)
		db := New(eng, WithLogger(quiet))
		require.NoError(t, db.EnsureSchema())

		_, err = db.UpsertElement(ctx, testElement("E1", "P1"))
		require.NoError(t, err)
		actID, err := db.InsertAct(ctx, &schema.Act{Number: "A"})
		require.NoError(t, err)
		require.NoError(t, db.LinkActToElement(ctx, "E1", actID))

		// Every mutation has already persisted; nothing is left to flush.
		assert.False(t, eng.Dirty())
		require.NoError(t, eng.Close())
	}()

	db := openTestDB(t, path)
	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Elements: 1, Pending: 1, Acts: 1, Links: 1}, *stats)
}

func TestUpsertElement_PersistFailure(t *testing.T) {
	db, path := setupTestDB(t)
	ctx := context.Background()

	breakPersistence(t, path)

	_, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrPersistFailure)
	assert.True(t, store.IsRetryable(err))

	// The in-memory result is kept so persistence can be retried.
	_, err = db.GetElement(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, db.Engine().Dirty())

	restorePersistence(t, path)
	require.NoError(t, db.Engine().Persist(ctx))
	assert.False(t, db.Engine().Dirty())
}

func TestGetStats(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertProject(ctx, &schema.Project{ID: "P1"}))
	_, err := db.UpsertElement(ctx, testElement("E1", "P1"))
	require.NoError(t, err)
	_, err = db.UpsertElement(ctx, testElement("E2", "P1"))
	require.NoError(t, err)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Projects)
	assert.Equal(t, 2, stats.Elements)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Acts)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC)
	b := time.Date(2024, 1, 1, 0, 0, 0, 40, time.UTC)
	c := time.Date(2024, 1, 1, 0, 0, 1, 0, time.FixedZone("MSK", 3*3600))

	assert.Less(t, FormatTime(a), FormatTime(b))
	assert.Less(t, FormatTime(c), FormatTime(a), "converted to UTC before formatting")
	assert.Equal(t, "", FormatTime(time.Time{}))

	assert.True(t, ParseTime(FormatTime(b)).Equal(b))
	assert.True(t, ParseTime("2024-01-01T03:00:00+03:00").Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, ParseTime("garbage").IsZero())
}
