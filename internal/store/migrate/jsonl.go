// Package migrate exports the whole store to a JSONL snapshot and imports it
// back, e.g. to move a store to another machine or recover from a backup.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/structura-bim/structura/internal/store"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/schema"
)

// Record kinds, in the order Export writes them.
const (
	KindProject = "project"
	KindElement = "element"
	KindAct     = "act"
	KindLink    = "link"
	KindModel   = "model"
)

// maxLineSize bounds a single snapshot line; element properties can be large.
const maxLineSize = 16 << 20

// Record is one line of a snapshot.
type Record struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Result contains statistics about an export or import.
type Result struct {
	Projects int      `json:"projects"`
	Elements int      `json:"elements"`
	Acts     int      `json:"acts"`
	Links    int      `json:"links"`
	Models   int      `json:"models"`
	Errors   []string `json:"errors,omitempty"`
}

// Export writes every project, element, act, link and cached model to w,
// one JSON record per line.
func Export(ctx context.Context, repo *db.DB, w io.Writer) (*Result, error) {
	result := &Result{}
	enc := json.NewEncoder(w)

	write := func(kind string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", kind, err)
		}
		if err := enc.Encode(Record{Kind: kind, Data: data}); err != nil {
			return fmt.Errorf("failed to write %s: %w", kind, err)
		}
		return nil
	}

	projects, err := repo.GetAllProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if err := write(KindProject, p); err != nil {
			return nil, err
		}
		result.Projects++
	}

	elements, err := repo.GetAllElements(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range elements {
		if err := write(KindElement, e); err != nil {
			return nil, err
		}
		result.Elements++
	}

	acts, err := repo.GetAllActs(ctx)
	if err != nil {
		return nil, err
	}
	// Oldest first so ids are reassigned in their original order on import.
	for i := len(acts) - 1; i >= 0; i-- {
		if err := write(KindAct, acts[i]); err != nil {
			return nil, err
		}
		result.Acts++
	}

	links, err := repo.GetAllLinks(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if err := write(KindLink, l); err != nil {
			return nil, err
		}
		result.Links++
	}

	models, err := repo.GetAllCachedModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if err := write(KindModel, m); err != nil {
			return nil, err
		}
		result.Models++
	}

	return result, nil
}

// ExportFile writes a snapshot to path atomically via a temp file.
func ExportFile(ctx context.Context, repo *db.DB, path string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	result, err := Export(ctx, repo, bw)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Import reads a snapshot from r into repo.
//
// Projects, elements and cached models are upserted. Acts are appended and
// get new ids; links are recreated against the new ids. Imported elements
// are pending sync. Malformed lines abort the import with their line number;
// records that fail validation or reference a missing act are reported in
// Result.Errors and skipped.
func Import(ctx context.Context, repo *db.DB, r io.Reader) (*Result, error) {
	result := &Result{}
	actIDs := make(map[int64]int64)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return result, fmt.Errorf("%w: invalid JSON at line %d: %v", store.ErrValidation, lineNum, err)
		}

		err := importRecord(ctx, repo, rec, actIDs, result)
		if err == nil {
			continue
		}
		if store.IsCallerError(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		return result, fmt.Errorf("line %d: %w", lineNum, err)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read snapshot after line %d: %w", lineNum, err)
	}

	return result, nil
}

// ImportFile reads a snapshot file into repo.
func ImportFile(ctx context.Context, repo *db.DB, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	return Import(ctx, repo, f)
}

func importRecord(ctx context.Context, repo *db.DB, rec Record, actIDs map[int64]int64, result *Result) error {
	switch rec.Kind {
	case KindProject:
		var p schema.Project
		if err := decode(rec, &p); err != nil {
			return err
		}
		if err := repo.UpsertProject(ctx, &p); err != nil {
			return err
		}
		result.Projects++

	case KindElement:
		var e schema.Element
		if err := decode(rec, &e); err != nil {
			return err
		}
		if _, err := repo.UpsertElement(ctx, &e); err != nil {
			return err
		}
		result.Elements++

	case KindAct:
		var a schema.Act
		if err := decode(rec, &a); err != nil {
			return err
		}
		oldID := a.ID
		a.ID = 0
		newID, err := repo.InsertAct(ctx, &a)
		if err != nil {
			return err
		}
		if oldID > 0 {
			actIDs[oldID] = newID
		}
		result.Acts++

	case KindLink:
		var l schema.ElementActLink
		if err := decode(rec, &l); err != nil {
			return err
		}
		newID, ok := actIDs[l.ActID]
		if !ok {
			return fmt.Errorf("%w: link %s -> act %d: act not in snapshot", store.ErrNotFound, l.ElementGUID, l.ActID)
		}
		if err := repo.LinkActToElement(ctx, l.ElementGUID, newID); err != nil {
			return err
		}
		result.Links++

	case KindModel:
		var m schema.CachedModel
		if err := decode(rec, &m); err != nil {
			return err
		}
		if m.CachedAt == 0 {
			m.CachedAt = time.Now().UnixMilli()
		}
		if err := repo.RecordCachedModel(ctx, &m); err != nil {
			return err
		}
		result.Models++

	default:
		return fmt.Errorf("%w: unknown record kind %q", store.ErrValidation, rec.Kind)
	}
	return nil
}

func decode(rec Record, v any) error {
	if len(rec.Data) == 0 {
		return fmt.Errorf("%w: %s record has no data", store.ErrValidation, rec.Kind)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: %s.%s has the wrong type", store.ErrValidation, rec.Kind, typeErr.Field)
		}
		return fmt.Errorf("%w: %s: %v", store.ErrValidation, rec.Kind, err)
	}
	return nil
}
