// Package testutil provides fixtures for replex tests: throwaway workspaces
// and the parts of a simulation engine the coordinator depends on.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/replex/internal/snapshot"
	"github.com/Iron-Ham/replex/internal/workspace"
)

// WriteFiles writes files (relative path to content) below dir, creating
// directories as needed.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for path, content := range files {
		fullPath := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file %s: %v", path, err)
		}
	}
}

// Positions returns a two-particle configuration derived from v, so every
// replica of a ladder starts with a distinct, recognisable snapshot.
func Positions(v float64) [][3]float64 {
	return [][3]float64{{v, v, v}, {-v, -v, -v}}
}

// FinishSegment does what the simulation engine does at the end of a run
// segment: every job gets a snapshot (unless it already has one) and its
// done flag set. key is the exchange-parameter key.
func FinishSegment(t *testing.T, ws *workspace.Workspace, key string, store *snapshot.FileStore) {
	t.Helper()
	ctx := context.Background()

	jobs, err := ws.Jobs(ctx)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	for _, job := range jobs {
		if _, err := os.Stat(store.Path(job.Dir)); os.IsNotExist(err) {
			v, err := job.Statepoint.Float(key)
			if err != nil {
				t.Fatalf("job %s: %v", job.ID, err)
			}
			snap := (&snapshot.Snapshot{}).WithPositions(Positions(v))
			if err := store.Write(ctx, job.Dir, snap); err != nil {
				t.Fatalf("failed to write snapshot of %s: %v", job.ID, err)
			}
		}
		if err := ws.UpdateDocument(job.ID, func(doc *workspace.Document) error {
			doc.Done = true
			doc.CurrentRun++
			return nil
		}); err != nil {
			t.Fatalf("failed to finish %s: %v", job.ID, err)
		}
	}
}

// ReadPositions returns the snapshot positions of a job directory.
func ReadPositions(t *testing.T, store *snapshot.FileStore, dir string) [][3]float64 {
	t.Helper()
	snap, err := store.Read(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to read snapshot in %s: %v", dir, err)
	}
	return snap.Positions
}
