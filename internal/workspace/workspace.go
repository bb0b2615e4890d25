// Package workspace implements the on-disk job store shared by the replex
// coordinator and the simulation processes it drives.
//
// Every job lives in its own directory named after the job ID:
//
//	<root>/<job-id>/statepoint.json   immutable parameters
//	<root>/<job-id>/document.json     mutable flags (done, swap, ...)
//	<root>/<job-id>/snapshot.json     last configuration checkpoint
//
// Job IDs are UUIDv5 values derived from the canonical statepoint, so
// initializing the same ladder twice yields the same jobs.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/fsutil"
	"github.com/Iron-Ham/replex/internal/logging"
)

// jobNamespace scopes UUIDv5 job IDs to replex workspaces.
var jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/Iron-Ham/replex/job"))

// Workspace is a directory of job directories.
type Workspace struct {
	root   string
	logger *logging.Logger
}

// Open returns the workspace rooted at root, creating the directory if needed.
func Open(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: workspace root is empty", apperrors.ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs, logger: logging.NopLogger()}, nil
}

// SetLogger sets the logger used for background watch errors.
func (w *Workspace) SetLogger(logger *logging.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// JobDir returns the directory of job id.
func (w *Workspace) JobDir(id string) string {
	return filepath.Join(w.root, id)
}

// JobID derives the deterministic job ID for a statepoint.
func JobID(sp Statepoint) (string, error) {
	canonical, err := json.Marshal(sp)
	if err != nil {
		return "", fmt.Errorf("encode statepoint: %w", err)
	}
	return uuid.NewSHA1(jobNamespace, canonical).String(), nil
}

// JobIDs lists the IDs of all job directories, sorted.
func (w *Workspace) JobIDs() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(w.root, e.Name(), StatepointFileName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Jobs loads every job in the workspace. Documents are read concurrently;
// any malformed job fails the whole listing so corrupted state is noticed
// before the coordinator acts on a partial ladder.
func (w *Workspace) Jobs(ctx context.Context) ([]*Job, error) {
	ids, err := w.JobIDs()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return iter.MapErr(ids, func(id *string) (*Job, error) {
		return w.LoadJob(*id)
	})
}

// LoadJob reads the statepoint and document of job id.
func (w *Workspace) LoadJob(id string) (*Job, error) {
	dir := w.JobDir(id)

	var sp Statepoint
	if err := readJSON(filepath.Join(dir, StatepointFileName), &sp); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	doc, err := w.LoadDocument(id)
	if err != nil {
		return nil, err
	}
	return &Job{ID: id, Dir: dir, Statepoint: sp, Document: *doc}, nil
}

// LoadDocument reads the document of job id.
func (w *Workspace) LoadDocument(id string) (*Document, error) {
	var doc Document
	if err := readJSON(filepath.Join(w.JobDir(id), DocumentFileName), &doc); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &doc, nil
}

// UpdateDocument performs a locked read-modify-write of the document of job
// id. If fn returns an error the document is left unchanged.
func (w *Workspace) UpdateDocument(id string, fn func(doc *Document) error) error {
	dir := w.JobDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", apperrors.ErrJobNotFound, id)
		}
		return fmt.Errorf("stat job %s: %w", id, err)
	}

	return fsutil.WithLock(filepath.Join(dir, lockFileName), func() error {
		doc, err := w.LoadDocument(id)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(filepath.Join(dir, DocumentFileName), doc)
	})
}

// CreateJob creates the job for sp if it does not exist. An existing
// document keeps its values; defaults only fill keys it lacks.
// Returns the job and whether it was newly created.
func (w *Workspace) CreateJob(sp Statepoint, defaults Document) (*Job, bool, error) {
	id, err := JobID(sp)
	if err != nil {
		return nil, false, err
	}
	dir := w.JobDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, false, fmt.Errorf("create job dir: %w", err)
	}

	created := false
	err = fsutil.WithLock(filepath.Join(dir, lockFileName), func() error {
		spPath := filepath.Join(dir, StatepointFileName)
		if _, err := os.Stat(spPath); os.IsNotExist(err) {
			if err := fsutil.WriteJSONAtomic(spPath, sp); err != nil {
				return err
			}
			created = true
		}

		docPath := filepath.Join(dir, DocumentFileName)
		raw, err := os.ReadFile(docPath)
		switch {
		case os.IsNotExist(err):
			return fsutil.WriteJSONAtomic(docPath, defaults)
		case err != nil:
			return fmt.Errorf("read document: %w", err)
		}

		// defaults is shared by every job of a ladder
		merged := defaults
		merged.RunParams = maps.Clone(defaults.RunParams)
		merged.extra = maps.Clone(defaults.extra)
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("%w: %s: %v", apperrors.ErrDocumentCorrupted, id, err)
		}
		return fsutil.WriteJSONAtomic(docPath, merged)
	})
	if err != nil {
		return nil, false, err
	}

	job, err := w.LoadJob(id)
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", apperrors.ErrJobNotFound, filepath.Base(path))
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrDocumentCorrupted, filepath.Base(path), err)
	}
	return nil
}
