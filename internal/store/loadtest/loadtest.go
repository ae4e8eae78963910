// Package loadtest exercises the access gateway the way several UI windows
// do at once: each simulated window reads elements and acts, changes
// statuses and links acts while the sync queue is drained underneath.
//
// It backs `structura bench` and the concurrency tests of the gateway.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/structura-bim/structura/internal/gateway"
	"github.com/structura-bim/structura/internal/store/db"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/schema"
)

// TestStore is a populated store behind a gateway.
type TestStore struct {
	Engine  *engine.Engine
	Repo    *db.DB
	Gateway *gateway.Gateway

	ProjectIDs   []string
	ElementGUIDs []string
	ActIDs       []int64
}

// LatencyStats captures per-call latency of a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalCalls int
	Errors     int
	Durations  []time.Duration
}

// CreateTestStore creates a store in dir with numProjects projects of
// elementsPerProject elements each and numActs acts.
func CreateTestStore(dir string, numProjects, elementsPerProject, numActs int) (*TestStore, error) {
	quiet := log.New(io.Discard, "", 0)

	eng, err := engine.Open(filepath.Join(dir, engine.FileName), engine.WithLogger(quiet))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	repo := db.New(eng, db.WithLogger(quiet))
	if err := repo.EnsureSchema(); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	gw, err := gateway.New(gateway.Config{Repo: repo, Logger: quiet})
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	ts := &TestStore{Engine: eng, Repo: repo, Gateway: gw}
	ctx := context.Background()

	for p := 0; p < numProjects; p++ {
		project := &schema.Project{
			ID:       fmt.Sprintf("project-%02d", p),
			Name:     fmt.Sprintf("Building %d", p),
			CachedAt: int64(p),
		}
		if err := repo.UpsertProject(ctx, project); err != nil {
			_ = ts.Close()
			return nil, fmt.Errorf("failed to insert project %s: %w", project.ID, err)
		}
		ts.ProjectIDs = append(ts.ProjectIDs, project.ID)

		for _, e := range generateElements(project.ID, elementsPerProject) {
			if _, err := repo.UpsertElement(ctx, e); err != nil {
				_ = ts.Close()
				return nil, fmt.Errorf("failed to insert element %s: %w", e.GUID, err)
			}
			ts.ElementGUIDs = append(ts.ElementGUIDs, e.GUID)
		}
	}

	imported, err := repo.ImportActs(ctx, generateActs(numActs))
	if err != nil {
		_ = ts.Close()
		return nil, fmt.Errorf("failed to insert acts: %w", err)
	}
	for _, a := range imported {
		ts.ActIDs = append(ts.ActIDs, a.ID)
	}

	return ts, nil
}

// Close closes the underlying engine.
func (ts *TestStore) Close() error {
	if ts.Engine != nil {
		return ts.Engine.Close()
	}
	return nil
}

// generateElements creates elements with a realistic status mix.
func generateElements(projectID string, count int) []*schema.Element {
	statuses := []string{
		schema.StatusNotClosed, schema.StatusNotClosed, schema.StatusNotClosed,
		schema.StatusPartlyClosed, schema.StatusFullyClosed,
	}
	materials := []string{"B25", "B30", "A500C"}

	elements := make([]*schema.Element, count)
	for i := 0; i < count; i++ {
		elements[i] = &schema.Element{
			GUID:      fmt.Sprintf("%s-el-%05d", projectID, i),
			ProjectID: projectID,
			Name:      fmt.Sprintf("Element %d", i),
			Material:  materials[i%len(materials)],
			Level:     fmt.Sprintf("L%d", i/20+1),
			Volume:    float64(i%7) + 0.5,
			Status:    statuses[i%len(statuses)],
		}
	}
	return elements
}

func generateActs(count int) []*schema.Act {
	workTypes := []string{"Бетонные работы", "Армирование", schema.UnknownWorkType}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	acts := make([]*schema.Act, count)
	for i := 0; i < count; i++ {
		acts[i] = &schema.Act{
			Number:   fmt.Sprintf("A-%04d", i),
			WorkType: workTypes[i%len(workTypes)],
			ActDate:  base.AddDate(0, 0, i).Format("2006-01-02"),
		}
	}
	return acts
}

// RunConcurrentWindows simulates numWindows UI windows, each making
// callsPerWindow gateway calls. About one call in four is a mutation.
func (ts *TestStore) RunConcurrentWindows(numWindows, callsPerWindow int) (*LatencyStats, error) {
	if len(ts.ElementGUIDs) == 0 || len(ts.ProjectIDs) == 0 {
		return nil, fmt.Errorf("test store is empty")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWindows)
	errorsChan := make(chan error, numWindows)

	for i := 0; i < numWindows; i++ {
		wg.Add(1)
		go func(windowID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(windowID) + 1))
			durations := make([]time.Duration, 0, callsPerWindow)
			ctx := context.Background()

			for j := 0; j < callsPerWindow; j++ {
				start := time.Now()
				resp := ts.randomCall(ctx, rng)
				durations = append(durations, time.Since(start))

				if !resp.OK {
					errorsChan <- fmt.Errorf("window %d call %d failed: %s: %s", windowID, j, resp.Error.Kind, resp.Error.Message)
					return
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no successful calls completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

func (ts *TestStore) randomCall(ctx context.Context, rng *rand.Rand) gateway.Response {
	guid := ts.ElementGUIDs[rng.Intn(len(ts.ElementGUIDs))]
	project := ts.ProjectIDs[rng.Intn(len(ts.ProjectIDs))]

	switch n := rng.Intn(8); {
	case n == 0:
		status := []string{schema.StatusNotClosed, schema.StatusPartlyClosed, schema.StatusFullyClosed}[rng.Intn(3)]
		return ts.Gateway.Call(ctx, gateway.OpElementsUpdateStatus, guid, status)
	case n == 1 && len(ts.ActIDs) > 0:
		return ts.Gateway.Call(ctx, gateway.OpElementActsLink, guid, ts.ActIDs[rng.Intn(len(ts.ActIDs))])
	case n == 2:
		return ts.Gateway.Call(ctx, gateway.OpSyncGetPending)
	case n == 3:
		return ts.Gateway.Call(ctx, gateway.OpElementActsGetByElement, guid)
	case n == 4:
		return ts.Gateway.Call(ctx, gateway.OpActsGetAll)
	default:
		return ts.Gateway.Call(ctx, gateway.OpElementsGetByProject, project)
	}
}

// VerifyConsistency runs readers against a writer that keeps changing
// statuses and clearing sync markers for duration. Readers check that every
// pending element is flagged and every element of a project belongs to it.
func (ts *TestStore) VerifyConsistency(numReaders int, duration time.Duration) error {
	if len(ts.ElementGUIDs) == 0 || len(ts.ProjectIDs) == 0 {
		return fmt.Errorf("test store is empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		for ctx.Err() == nil {
			guid := ts.ElementGUIDs[rng.Intn(len(ts.ElementGUIDs))]
			if err := ts.Repo.UpdateElementStatus(ctx, guid, schema.StatusPartlyClosed); err != nil && ctx.Err() == nil {
				errorsChan <- fmt.Errorf("writer update failed: %w", err)
				return
			}
			resp := ts.Gateway.Call(context.Background(), gateway.OpSyncMarkSynced, []string{guid})
			if !resp.OK {
				errorsChan <- fmt.Errorf("writer markSynced failed: %s", resp.Error.Message)
				return
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()
			for ctx.Err() == nil {
				all, err := ts.Repo.GetAllElements(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
					}
					return
				}
				for _, e := range all {
					if e.GUID == "" || e.Status == "" {
						errorsChan <- fmt.Errorf("reader %d found incomplete element %+v", readerID, e)
						return
					}
				}

				project := ts.ProjectIDs[readerID%len(ts.ProjectIDs)]
				elements, err := ts.Repo.GetElementsByProject(ctx, project)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
					}
					return
				}
				for _, e := range elements {
					if e.ProjectID != project {
						errorsChan <- fmt.Errorf("reader %d got element %s of project %s", readerID, e.GUID, e.ProjectID)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	return <-errorsChan
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalCalls: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Calls:   %d\n", s.TotalCalls)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
