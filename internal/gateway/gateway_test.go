package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

type fakePicker struct {
	path string
	err  error
}

func (f *fakePicker) SelectDirectory(context.Context) (string, error) {
	return f.path, f.err
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (f *fakeOpener) OpenPath(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.opened = append(f.opened, path)
	return nil
}

type fakeProbe bool

func (f fakeProbe) IsOnline(context.Context) bool { return bool(f) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

type testEnv struct {
	gw     *Gateway
	repo   *db.DB
	picker *fakePicker
	opener *fakeOpener
	events *recordingPublisher
}

func setupTestGateway(t *testing.T) *testEnv {
	t.Helper()

	quiet := log.New(io.Discard, "", 0)
	eng, err := engine.Open(filepath.Join(t.TempDir(), engine.FileName), engine.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	repo := db.New(eng, db.WithLogger(quiet))
	require.NoError(t, repo.EnsureSchema())

	env := &testEnv{
		repo:   repo,
		picker: &fakePicker{},
		opener: &fakeOpener{},
		events: &recordingPublisher{},
	}
	env.gw, err = New(Config{
		Repo:      repo,
		Picker:    env.picker,
		Opener:    env.opener,
		Probe:     fakeProbe(true),
		Publisher: env.events,
		Logger:    quiet,
	})
	require.NoError(t, err)
	return env
}

// resultAs re-decodes a response result through JSON, as the UI sees it.
func resultAs(t *testing.T, resp Response, dst any) {
	t.Helper()
	require.True(t, resp.OK, "unexpected failure: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dst))
}

func requireKind(t *testing.T, resp Response, kind string) {
	t.Helper()
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, kind, resp.Error.Kind, resp.Error.Message)
	assert.Nil(t, resp.Result)
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestOperations_Registry(t *testing.T) {
	env := setupTestGateway(t)
	ops := env.gw.Operations()

	assert.Len(t, ops, 21)
	assert.IsIncreasing(t, ops)
	assert.Contains(t, ops, OpElementsUpdateStatus)
	assert.Contains(t, ops, OpModelCacheIsCached)
}

func TestHandle_UnknownOperation(t *testing.T) {
	env := setupTestGateway(t)

	resp := env.gw.Handle(context.Background(), Request{ID: "r1", Op: "elements:drop"})
	assert.Equal(t, "r1", resp.ID)
	requireKind(t, resp, store.KindValidation)
}

func TestHandle_MissingArguments(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	requireKind(t, env.gw.Call(ctx, OpElementsUpdateStatus, "G1"), store.KindValidation)
	requireKind(t, env.gw.Handle(ctx, Request{Op: OpElementsUpsert}), store.KindValidation)
	requireKind(t, env.gw.Handle(ctx, Request{
		Op:   OpElementActsLink,
		Args: []json.RawMessage{json.RawMessage(`"G1"`), json.RawMessage(`"five"`)},
	}), store.KindValidation)
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	env := setupTestGateway(t)
	env.gw.ops["test:panic"] = operation{
		fn: func(context.Context, []json.RawMessage) (any, error) {
			panic("boom")
		},
		exclusive: true,
	}

	resp := env.gw.Handle(context.Background(), Request{ID: "p", Op: "test:panic"})
	assert.Equal(t, "p", resp.ID)
	requireKind(t, resp, store.KindInternal)

	// The store lock was released.
	resp = env.gw.Call(context.Background(), OpProjectsGetAll)
	assert.True(t, resp.OK)
}

func TestHandle_RetryableErrors(t *testing.T) {
	env := setupTestGateway(t)
	env.gw.ops["test:persist"] = operation{
		fn: func(context.Context, []json.RawMessage) (any, error) {
			return nil, fmt.Errorf("%w: disk full", store.ErrPersistFailure)
		},
		exclusive: true,
	}

	resp := env.gw.Handle(context.Background(), Request{Op: "test:persist"})
	requireKind(t, resp, store.KindPersistFailure)
	assert.True(t, resp.Error.Retryable)

	resp = env.gw.Call(context.Background(), OpElementsUpdateStatus, "G404", "Закрыт полностью")
	requireKind(t, resp, store.KindNotFound)
	assert.False(t, resp.Error.Retryable)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "retryable")
}

func TestHandle_CancelledContext(t *testing.T) {
	env := setupTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	requireKind(t, env.gw.Call(ctx, OpProjectsGetAll), store.KindStorageUnavailable)
}

func TestProjects(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	var projects []schema.Project
	resultAs(t, env.gw.Call(ctx, OpProjectsGetAll), &projects)
	assert.Empty(t, projects)

	var ack Ack
	resultAs(t, env.gw.Call(ctx, OpProjectsUpsert, schema.Project{ID: "P1", Name: "Tower", CachedAt: 10}), &ack)
	assert.True(t, ack.Success)
	resultAs(t, env.gw.Call(ctx, OpProjectsUpsert, schema.Project{ID: "P2", Name: "Annex", CachedAt: 20}), &ack)

	resultAs(t, env.gw.Call(ctx, OpProjectsGetAll), &projects)
	require.Len(t, projects, 2)
	assert.Equal(t, "P2", projects[0].ID)
	assert.Equal(t, "P1", projects[1].ID)

	requireKind(t, env.gw.Call(ctx, OpProjectsUpsert, schema.Project{Name: "no id"}), store.KindValidation)
	assert.Equal(t, []EventType{EventProjectUpdate, EventProjectUpdate}, env.events.types())
}

func TestElements_UpsertAndStatus(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	resp := env.gw.Call(ctx, OpElementsUpsert, schema.Element{GUID: "G1", ProjectID: "P1", Name: "Column", Volume: 1.5})
	require.True(t, resp.OK)

	var elements []schema.Element
	resultAs(t, env.gw.Call(ctx, OpElementsGetByProject, "P1"), &elements)
	require.Len(t, elements, 1)
	assert.Equal(t, schema.DefaultElementStatus, elements[0].Status)
	assert.True(t, elements[0].PendingSync)

	resp = env.gw.Call(ctx, OpElementsUpdateStatus, "G1", schema.StatusFullyClosed)
	require.True(t, resp.OK)

	resultAs(t, env.gw.Call(ctx, OpElementsGetByProject, "P1"), &elements)
	require.Len(t, elements, 1)
	assert.Equal(t, schema.StatusFullyClosed, elements[0].Status)
	assert.Equal(t, "Column", elements[0].Name)

	resultAs(t, env.gw.Call(ctx, OpElementsGetByProject, "P404"), &elements)
	assert.Empty(t, elements)

	assert.Equal(t, []EventType{EventElementUpdate, EventElementUpdate}, env.events.types())
}

func TestElements_UpdateStatusNotFound(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	requireKind(t, env.gw.Call(ctx, OpElementsUpdateStatus, "missing", schema.StatusFullyClosed), store.KindNotFound)

	stats, err := env.repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Elements)
	assert.Empty(t, env.events.types())
}

func TestElements_UpsertValidation(t *testing.T) {
	env := setupTestGateway(t)

	requireKind(t, env.gw.Call(context.Background(), OpElementsUpsert, schema.Element{GUID: "G1"}), store.KindValidation)
	requireKind(t, env.gw.Call(context.Background(), OpElementsUpsert, map[string]any{"guid": 7}), store.KindValidation)
}

func TestActsAndLinks(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	require.True(t, env.gw.Call(ctx, OpElementsUpsert, schema.Element{GUID: "G1", ProjectID: "P1"}).OK)

	var first, second int64
	resultAs(t, env.gw.Call(ctx, OpActsInsert, schema.Act{Number: "A-1", ActDate: "2024-01-10"}), &first)
	resultAs(t, env.gw.Call(ctx, OpActsInsert, schema.Act{Number: "A-1", ActDate: "2024-02-10"}), &second)
	assert.Greater(t, second, first)

	var acts []schema.Act
	resultAs(t, env.gw.Call(ctx, OpActsGetAll), &acts)
	require.Len(t, acts, 2)
	assert.Equal(t, second, acts[0].ID)

	var ack Ack
	resultAs(t, env.gw.Call(ctx, OpElementActsLink, "G1", second), &ack)
	resultAs(t, env.gw.Call(ctx, OpElementActsLink, "G1", second), &ack)

	resultAs(t, env.gw.Call(ctx, OpElementActsGetByElement, "G1"), &acts)
	require.Len(t, acts, 1)
	assert.Equal(t, second, acts[0].ID)

	requireKind(t, env.gw.Call(ctx, OpElementActsLink, "G1", int64(999)), store.KindNotFound)
	requireKind(t, env.gw.Call(ctx, OpElementActsLink, "nope", first), store.KindNotFound)

	resultAs(t, env.gw.Call(ctx, OpElementActsUnlink, "G1", second), &ack)
	resultAs(t, env.gw.Call(ctx, OpElementActsUnlink, "G1", second), &ack)
	resultAs(t, env.gw.Call(ctx, OpElementActsGetByElement, "G1"), &acts)
	assert.Empty(t, acts)
}

func TestSync_PendingAndMarkSynced(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	for _, guid := range []string{"G1", "G2"} {
		require.True(t, env.gw.Call(ctx, OpElementsUpsert, schema.Element{GUID: guid, ProjectID: "P1"}).OK)
	}

	var pending []schema.Element
	resultAs(t, env.gw.Call(ctx, OpSyncGetPending), &pending)
	assert.Len(t, pending, 2)

	require.True(t, env.gw.Call(ctx, OpSyncMarkSynced, []string{"G1", "unknown"}).OK)

	resultAs(t, env.gw.Call(ctx, OpSyncGetPending), &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "G2", pending[0].GUID)

	require.True(t, env.gw.Call(ctx, OpSyncMarkSynced, []string{}).OK)

	env.events.mu.Lock()
	last := env.events.events[len(env.events.events)-1]
	env.events.mu.Unlock()
	var data SyncCompleteData
	require.NoError(t, json.Unmarshal(last.Data, &data))
	assert.Equal(t, EventSyncComplete, last.Type)
	assert.Equal(t, []string{}, data.GUIDs)
	assert.Equal(t, 1, data.Pending)
}

func TestModelCache(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	var cached bool
	resultAs(t, env.gw.Call(ctx, OpModelCacheIsCached, "S1", "O1"), &cached)
	assert.False(t, cached)

	resp := env.gw.Call(ctx, OpModelCacheGetInfo, "S1", "O1")
	require.True(t, resp.OK)
	assert.Nil(t, resp.Result)

	require.True(t, env.gw.Call(ctx, OpModelCacheRecord, schema.CachedModel{StreamID: "S1", ObjectID: "O1", SizeBytes: 2048, CachedAt: 5}).OK)

	resultAs(t, env.gw.Call(ctx, OpModelCacheIsCached, "S1", "O1"), &cached)
	assert.True(t, cached)

	var info schema.CachedModel
	resultAs(t, env.gw.Call(ctx, OpModelCacheGetInfo, "S1", "O1"), &info)
	assert.Equal(t, int64(2048), info.SizeBytes)

	var all []schema.CachedModel
	resultAs(t, env.gw.Call(ctx, OpModelCacheGetAll), &all)
	assert.Len(t, all, 1)

	require.True(t, env.gw.Call(ctx, OpModelCacheDelete, "S1", "O1").OK)
	require.True(t, env.gw.Call(ctx, OpModelCacheDelete, "S1", "O1").OK)
	resultAs(t, env.gw.Call(ctx, OpModelCacheGetAll), &all)
	assert.Empty(t, all)

	requireKind(t, env.gw.Call(ctx, OpModelCacheRecord, schema.CachedModel{ObjectID: "O1"}), store.KindValidation)
}

func TestDialogSelectDirectory(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	resp := env.gw.Call(ctx, OpDialogSelectDirectory)
	require.True(t, resp.OK)
	assert.Nil(t, resp.Result, "cancel yields null")

	env.picker.path = "/data/acts"
	var path string
	resultAs(t, env.gw.Call(ctx, OpDialogSelectDirectory), &path)
	assert.Equal(t, "/data/acts", path)

	env.picker.err = errors.New("no terminal")
	requireKind(t, env.gw.Call(ctx, OpDialogSelectDirectory), store.KindInternal)
}

func TestShellOpenPath(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	require.True(t, env.gw.Call(ctx, OpShellOpenPath, "/data/acts/A-1.pdf").OK)
	assert.Equal(t, []string{"/data/acts/A-1.pdf"}, env.opener.opened)

	env.opener.err = store.ErrNotFound
	requireKind(t, env.gw.Call(ctx, OpShellOpenPath, "/nope"), store.KindNotFound)
}

func TestNetworkIsOnline(t *testing.T) {
	env := setupTestGateway(t)

	var online bool
	resultAs(t, env.gw.Call(context.Background(), OpNetworkIsOnline), &online)
	assert.True(t, online)

	env.gw.probe = nil
	resultAs(t, env.gw.Call(context.Background(), OpNetworkIsOnline), &online)
	assert.False(t, online)
}

func TestFolderScanPDFs(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Бетонные работы"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Бетонные работы", "A-1.pdf"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "A-2.PDF"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), nil, 0o644))

	var res ScanResult
	resultAs(t, env.gw.Call(ctx, OpFolderScanPDFs, root), &res)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 2, res.Imported)

	byNumber := map[string]*schema.Act{}
	for _, a := range res.Acts {
		byNumber[a.Number] = a
	}
	require.Contains(t, byNumber, "A-1")
	require.Contains(t, byNumber, "A-2")
	assert.Equal(t, "Бетонные работы", byNumber["A-1"].WorkType)
	assert.Equal(t, schema.UnknownWorkType, byNumber["A-2"].WorkType)
	assert.Positive(t, byNumber["A-1"].ID)

	// Rescanning finds the same files but imports nothing.
	resultAs(t, env.gw.Call(ctx, OpFolderScanPDFs, root), &res)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 0, res.Imported)

	var acts []schema.Act
	resultAs(t, env.gw.Call(ctx, OpActsGetAll), &acts)
	assert.Len(t, acts, 2)

	assert.Equal(t, []EventType{EventActsScanned, EventActsScanned}, env.events.types())

	requireKind(t, env.gw.Call(ctx, OpFolderScanPDFs, filepath.Join(root, "missing")), store.KindNotFound)
	requireKind(t, env.gw.Call(ctx, OpFolderScanPDFs, ""), store.KindValidation)
}

func TestHandle_ConcurrentMutations(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				resp := env.gw.Call(ctx, OpActsInsert, schema.Act{Number: "A"})
				assert.True(t, resp.OK)
			}
		}(i)
	}
	wg.Wait()

	var acts []schema.Act
	resultAs(t, env.gw.Call(ctx, OpActsGetAll), &acts)
	assert.Len(t, acts, 40)
}
