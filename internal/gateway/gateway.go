// Package gateway is the only way the UI process reaches the store.
//
// The UI sends named operations with positional JSON arguments and receives
// a response envelope; it never holds a reference to the store itself.
// Failures come back as tagged results (validation, not_found,
// constraint_violation, storage_unavailable, persist_failure, internal),
// never as a crash. Successful mutations are broadcast as events to every
// connected UI.
//
//	UI ──Request{id, op, args}──► Gateway.Handle ──► db / syncq / platform
//	UI ◄──Response{id, ok, result | error}──┘
//	UI ◄──Event{type, data}── Publisher (Server)
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/structura-bim/structura/internal/actscan"
	"github.com/structura-bim/structura/internal/platform"
	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/schema"
	"github.com/structura-bim/structura/internal/store/syncq"
)

// Operation names. These are the wire contract with the UI.
const (
	OpProjectsGetAll = "projects:getAll"
	OpProjectsUpsert = "projects:upsert"

	OpElementsGetByProject = "elements:getByProject"
	OpElementsUpsert       = "elements:upsert"
	OpElementsUpdateStatus = "elements:updateStatus"

	OpActsGetAll = "acts:getAll"
	OpActsInsert = "acts:insert"

	OpElementActsGetByElement = "elementActs:getByElement"
	OpElementActsLink         = "elementActs:link"
	OpElementActsUnlink       = "elementActs:unlink"

	OpSyncGetPending = "sync:getPending"
	OpSyncMarkSynced = "sync:markSynced"

	OpDialogSelectDirectory = "dialog:selectDirectory"
	OpShellOpenPath         = "shell:openPath"
	OpNetworkIsOnline       = "network:isOnline"
	OpFolderScanPDFs        = "folder:scanPDFs"

	OpModelCacheGetAll   = "model-cache:get-all"
	OpModelCacheGetInfo  = "model-cache:get-info"
	OpModelCacheIsCached = "model-cache:is-cached"
	OpModelCacheRecord   = "model-cache:record"
	OpModelCacheDelete   = "model-cache:delete"
)

// Request is one call from the UI.
type Request struct {
	ID   string            `json:"id"`
	Op   string            `json:"op"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
	Error  *Error `json:"error,omitempty"`
}

// Error is a tagged failure result.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Retryable is set when the same call may succeed once the data
	// directory is writable again.
	Retryable bool `json:"retryable,omitempty"`
}

// Ack is the result of mutations that return nothing else.
type Ack struct {
	Success bool `json:"success"`
}

var ack = Ack{Success: true}

// ScanResult is the result of folder:scanPDFs.
type ScanResult struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Imported int           `json:"imported"`
	Acts     []*schema.Act `json:"acts"`
}

// Config wires the gateway to its collaborators. Repo is required; a nil
// Queue is built from Repo, nil platform collaborators make their
// operations fail with an internal error.
type Config struct {
	Repo      *db.DB
	Queue     syncq.Queue
	Picker    platform.DirectoryPicker
	Opener    platform.PathOpener
	Probe     platform.NetworkProbe
	Publisher Publisher
	Logger    *log.Logger
}

// handlerFunc runs one operation.
type handlerFunc func(ctx context.Context, args []json.RawMessage) (any, error)

type operation struct {
	fn handlerFunc
	// exclusive operations touch the store and run one at a time.
	exclusive bool
}

// Gateway dispatches named operations.
type Gateway struct {
	repo      *db.DB
	queue     syncq.Queue
	picker    platform.DirectoryPicker
	opener    platform.PathOpener
	probe     platform.NetworkProbe
	publisher Publisher
	logger    *log.Logger

	mu  sync.Mutex
	ops map[string]operation
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	if cfg.Queue == nil {
		cfg.Queue = syncq.New(cfg.Repo, cfg.Logger)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}

	g := &Gateway{
		repo:      cfg.Repo,
		queue:     cfg.Queue,
		picker:    cfg.Picker,
		opener:    cfg.Opener,
		probe:     cfg.Probe,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
	g.register()
	return g, nil
}

// SetPublisher replaces the event publisher. It must be called before the
// gateway handles requests.
func (g *Gateway) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	g.publisher = p
}

// Operations returns the supported operation names, sorted.
func (g *Gateway) Operations() []string {
	names := make([]string, 0, len(g.ops))
	for name := range g.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs one request and never panics. Store operations are serialized.
func (g *Gateway) Handle(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID

	defer func() {
		if r := recover(); r != nil {
			g.logger.Printf("PANIC in %s: %v\n%s", req.Op, r, debug.Stack())
			resp.OK = false
			resp.Result = nil
			resp.Error = &Error{Kind: store.KindInternal, Message: fmt.Sprintf("internal error in %s", req.Op)}
		}
	}()

	op, ok := g.ops[req.Op]
	if !ok {
		return failure(resp, fmt.Errorf("%w: unknown operation %q", store.ErrValidation, req.Op))
	}
	if err := ctx.Err(); err != nil {
		return failure(resp, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err))
	}

	if op.exclusive {
		g.mu.Lock()
		defer g.mu.Unlock()
	}

	result, err := op.fn(ctx, req.Args)
	if err != nil {
		if store.Kind(err) == store.KindInternal {
			g.logger.Printf("ERROR: %s failed: %v", req.Op, err)
		}
		return failure(resp, err)
	}

	resp.OK = true
	resp.Result = result
	return resp
}

// Call is a convenience wrapper around Handle for in-process callers. Each
// argument is marshalled to JSON.
func (g *Gateway) Call(ctx context.Context, op string, args ...any) Response {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return failure(Response{}, fmt.Errorf("%w: argument %d: %v", store.ErrValidation, i, err))
		}
		raw[i] = data
	}
	return g.Handle(ctx, Request{Op: op, Args: raw})
}

func failure(resp Response, err error) Response {
	resp.OK = false
	resp.Result = nil
	resp.Error = &Error{
		Kind:      store.Kind(err),
		Message:   err.Error(),
		Retryable: store.IsRetryable(err),
	}
	return resp
}

func (g *Gateway) register() {
	g.ops = map[string]operation{
		OpProjectsGetAll: {fn: g.projectsGetAll, exclusive: true},
		OpProjectsUpsert: {fn: g.projectsUpsert, exclusive: true},

		OpElementsGetByProject: {fn: g.elementsGetByProject, exclusive: true},
		OpElementsUpsert:       {fn: g.elementsUpsert, exclusive: true},
		OpElementsUpdateStatus: {fn: g.elementsUpdateStatus, exclusive: true},

		OpActsGetAll: {fn: g.actsGetAll, exclusive: true},
		OpActsInsert: {fn: g.actsInsert, exclusive: true},

		OpElementActsGetByElement: {fn: g.elementActsGetByElement, exclusive: true},
		OpElementActsLink:         {fn: g.elementActsLink, exclusive: true},
		OpElementActsUnlink:       {fn: g.elementActsUnlink, exclusive: true},

		OpSyncGetPending: {fn: g.syncGetPending, exclusive: true},
		OpSyncMarkSynced: {fn: g.syncMarkSynced, exclusive: true},

		// Platform operations wait on the user or the network; they do
		// not hold the store lock while doing so.
		OpDialogSelectDirectory: {fn: g.dialogSelectDirectory},
		OpShellOpenPath:         {fn: g.shellOpenPath},
		OpNetworkIsOnline:       {fn: g.networkIsOnline},
		OpFolderScanPDFs:        {fn: g.folderScanPDFs, exclusive: true},

		OpModelCacheGetAll:   {fn: g.modelCacheGetAll, exclusive: true},
		OpModelCacheGetInfo:  {fn: g.modelCacheGetInfo, exclusive: true},
		OpModelCacheIsCached: {fn: g.modelCacheIsCached, exclusive: true},
		OpModelCacheRecord:   {fn: g.modelCacheRecord, exclusive: true},
		OpModelCacheDelete:   {fn: g.modelCacheDelete, exclusive: true},
	}
}

// decodeArgs unmarshals positional arguments into dst. Missing arguments
// and arguments of the wrong shape are validation failures; extra
// arguments are ignored.
func decodeArgs(args []json.RawMessage, dst ...any) error {
	if len(args) < len(dst) {
		return fmt.Errorf("%w: expected %d argument(s), got %d", store.ErrValidation, len(dst), len(args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && typeErr.Field != "" {
				return fmt.Errorf("%w: argument %d: field %s must be %s", store.ErrValidation, i+1, typeErr.Field, typeErr.Type)
			}
			return fmt.Errorf("%w: argument %d: %v", store.ErrValidation, i+1, err)
		}
	}
	return nil
}

// publish broadcasts an event; marshal failures are logged and dropped.
func (g *Gateway) publish(typ EventType, data any) {
	ev, err := NewEvent(typ, data)
	if err != nil {
		g.logger.Printf("Failed to marshal %s event: %v", typ, err)
		return
	}
	g.publisher.Publish(ev)
}

// ===== Projects =====

func (g *Gateway) projectsGetAll(ctx context.Context, _ []json.RawMessage) (any, error) {
	return g.repo.GetAllProjects(ctx)
}

func (g *Gateway) projectsUpsert(ctx context.Context, args []json.RawMessage) (any, error) {
	var p schema.Project
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if err := g.repo.UpsertProject(ctx, &p); err != nil {
		return nil, err
	}
	g.publish(EventProjectUpdate, ProjectUpdateData{ID: p.ID, Name: p.Name})
	return ack, nil
}

// ===== Elements =====

func (g *Gateway) elementsGetByProject(ctx context.Context, args []json.RawMessage) (any, error) {
	var projectID string
	if err := decodeArgs(args, &projectID); err != nil {
		return nil, err
	}
	return g.repo.GetElementsByProject(ctx, projectID)
}

func (g *Gateway) elementsUpsert(ctx context.Context, args []json.RawMessage) (any, error) {
	var e schema.Element
	if err := decodeArgs(args, &e); err != nil {
		return nil, err
	}
	stored, err := g.repo.UpsertElement(ctx, &e)
	if err != nil {
		return nil, err
	}
	g.publish(EventElementUpdate, ElementUpdateData{
		GUID:      stored.GUID,
		ProjectID: stored.ProjectID,
		Action:    "upserted",
		Status:    stored.Status,
	})
	return ack, nil
}

func (g *Gateway) elementsUpdateStatus(ctx context.Context, args []json.RawMessage) (any, error) {
	var guid, status string
	if err := decodeArgs(args, &guid, &status); err != nil {
		return nil, err
	}
	if err := g.repo.UpdateElementStatus(ctx, guid, status); err != nil {
		return nil, err
	}
	g.publish(EventElementUpdate, ElementUpdateData{GUID: guid, Action: "status_changed", Status: status})
	return ack, nil
}

// ===== Acts =====

func (g *Gateway) actsGetAll(ctx context.Context, _ []json.RawMessage) (any, error) {
	return g.repo.GetAllActs(ctx)
}

func (g *Gateway) actsInsert(ctx context.Context, args []json.RawMessage) (any, error) {
	var a schema.Act
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := g.repo.InsertAct(ctx, &a)
	if err != nil {
		return nil, err
	}
	g.publish(EventActInsert, ActInsertData{ID: id, Number: a.Number, WorkType: a.WorkType})
	return id, nil
}

// ===== Element-act links =====

func (g *Gateway) elementActsGetByElement(ctx context.Context, args []json.RawMessage) (any, error) {
	var guid string
	if err := decodeArgs(args, &guid); err != nil {
		return nil, err
	}
	return g.repo.GetActsByElement(ctx, guid)
}

func (g *Gateway) elementActsLink(ctx context.Context, args []json.RawMessage) (any, error) {
	var (
		guid  string
		actID int64
	)
	if err := decodeArgs(args, &guid, &actID); err != nil {
		return nil, err
	}
	if err := g.repo.LinkActToElement(ctx, guid, actID); err != nil {
		return nil, err
	}
	g.publish(EventLinkUpdate, LinkUpdateData{ElementGUID: guid, ActID: actID, Action: "linked"})
	return ack, nil
}

func (g *Gateway) elementActsUnlink(ctx context.Context, args []json.RawMessage) (any, error) {
	var (
		guid  string
		actID int64
	)
	if err := decodeArgs(args, &guid, &actID); err != nil {
		return nil, err
	}
	if err := g.repo.UnlinkActFromElement(ctx, guid, actID); err != nil {
		return nil, err
	}
	g.publish(EventLinkUpdate, LinkUpdateData{ElementGUID: guid, ActID: actID, Action: "unlinked"})
	return ack, nil
}

// ===== Sync =====

func (g *Gateway) syncGetPending(ctx context.Context, _ []json.RawMessage) (any, error) {
	return g.queue.Pending(ctx)
}

func (g *Gateway) syncMarkSynced(ctx context.Context, args []json.RawMessage) (any, error) {
	var guids []string
	if err := decodeArgs(args, &guids); err != nil {
		return nil, err
	}
	if err := g.queue.MarkSynced(ctx, guids); err != nil {
		return nil, err
	}

	pending, err := g.queue.PendingCount(ctx)
	if err != nil {
		g.logger.Printf("Failed to count pending elements: %v", err)
	}
	if guids == nil {
		guids = []string{}
	}
	g.publish(EventSyncComplete, SyncCompleteData{GUIDs: guids, Pending: pending})
	return ack, nil
}

// ===== Platform =====

func (g *Gateway) dialogSelectDirectory(ctx context.Context, _ []json.RawMessage) (any, error) {
	if g.picker == nil {
		return nil, errors.New("no directory picker configured")
	}
	path, err := g.picker.SelectDirectory(ctx)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return path, nil
}

func (g *Gateway) shellOpenPath(ctx context.Context, args []json.RawMessage) (any, error) {
	var path string
	if err := decodeArgs(args, &path); err != nil {
		return nil, err
	}
	if g.opener == nil {
		return nil, errors.New("no path opener configured")
	}
	if err := g.opener.OpenPath(ctx, path); err != nil {
		return nil, err
	}
	return ack, nil
}

func (g *Gateway) networkIsOnline(ctx context.Context, _ []json.RawMessage) (any, error) {
	if g.probe == nil {
		return false, nil
	}
	return g.probe.IsOnline(ctx), nil
}

func (g *Gateway) folderScanPDFs(ctx context.Context, args []json.RawMessage) (any, error) {
	var folder string
	if err := decodeArgs(args, &folder); err != nil {
		return nil, err
	}
	if folder == "" {
		return nil, fmt.Errorf("%w: folder path is required", store.ErrValidation)
	}

	res, err := actscan.Scan(folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	for _, skipped := range res.Skipped {
		g.logger.Printf("Warning: skipped unreadable path %s", skipped)
	}

	imported, err := g.repo.ImportActs(ctx, res.Acts)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]int64, len(imported))
	for _, a := range imported {
		ids[a.FilePath] = a.ID
	}
	for _, a := range res.Acts {
		a.ID = ids[a.FilePath]
	}

	g.publish(EventActsScanned, ActsScannedData{Folder: folder, Found: len(res.Acts), Imported: imported})
	return ScanResult{
		Success:  true,
		Count:    len(res.Acts),
		Imported: len(imported),
		Acts:     res.Acts,
	}, nil
}

// ===== Model cache =====

func (g *Gateway) modelCacheGetAll(ctx context.Context, _ []json.RawMessage) (any, error) {
	return g.repo.GetAllCachedModels(ctx)
}

func (g *Gateway) modelCacheGetInfo(ctx context.Context, args []json.RawMessage) (any, error) {
	var streamID, objectID string
	if err := decodeArgs(args, &streamID, &objectID); err != nil {
		return nil, err
	}
	m, err := g.repo.GetCachedModel(ctx, streamID, objectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Gateway) modelCacheIsCached(ctx context.Context, args []json.RawMessage) (any, error) {
	var streamID, objectID string
	if err := decodeArgs(args, &streamID, &objectID); err != nil {
		return nil, err
	}
	return g.repo.IsModelCached(ctx, streamID, objectID)
}

func (g *Gateway) modelCacheRecord(ctx context.Context, args []json.RawMessage) (any, error) {
	var m schema.CachedModel
	if err := decodeArgs(args, &m); err != nil {
		return nil, err
	}
	if err := g.repo.RecordCachedModel(ctx, &m); err != nil {
		return nil, err
	}
	return ack, nil
}

func (g *Gateway) modelCacheDelete(ctx context.Context, args []json.RawMessage) (any, error) {
	var streamID, objectID string
	if err := decodeArgs(args, &streamID, &objectID); err != nil {
		return nil, err
	}
	if err := g.repo.DeleteCachedModel(ctx, streamID, objectID); err != nil {
		return nil, err
	}
	return ack, nil
}
