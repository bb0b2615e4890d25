// Package replica exposes the jobs of a workspace as an ordered ladder of
// replicas keyed by the exchange parameter.
package replica

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/logging"
	"github.com/Iron-Ham/replex/internal/workspace"
)

// Replica is one simulation job at a fixed exchange-parameter value.
type Replica struct {
	ID    string
	Param float64
	Dir   string
	// Done mirrors the document's done flag, owned by the simulation engine.
	Done bool
	// SwapPending mirrors the document's swap flag, owned by the coordinator.
	SwapPending bool
}

// Ladder is the set of replicas sorted ascending by parameter.
type Ladder []Replica

// IDs returns the replica IDs in ladder order.
func (l Ladder) IDs() []string {
	ids := make([]string, len(l))
	for i, r := range l {
		ids[i] = r.ID
	}
	return ids
}

// Params returns the exchange-parameter values in ladder order.
func (l Ladder) Params() []float64 {
	params := make([]float64, len(l))
	for i, r := range l {
		params[i] = r.Param
	}
	return params
}

// Store is the subset of the workspace the registry needs.
type Store interface {
	Jobs(ctx context.Context) ([]*workspace.Job, error)
	LoadDocument(id string) (*workspace.Document, error)
	UpdateDocument(id string, fn func(doc *workspace.Document) error) error
}

// Registry maps exchange-parameter values to replica jobs.
type Registry struct {
	store  Store
	key    string
	logger *logging.Logger
}

// NewRegistry creates a registry grouping jobs by the statepoint key.
func NewRegistry(store Store, key string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{store: store, key: key, logger: logger}
}

// Key returns the exchange-parameter key.
func (r *Registry) Key() string {
	return r.key
}

// ListReplicas builds the ladder from the live job store. Only simulation
// jobs take part; when several jobs share a value the lowest job ID wins.
func (r *Registry) ListReplicas(ctx context.Context) (Ladder, error) {
	jobs, err := r.store.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	byParam := make(map[float64]Replica)
	for _, job := range jobs {
		if job.Document.JobType != "" && job.Document.JobType != workspace.JobTypeSim {
			continue
		}
		param, err := job.Statepoint.Float(r.key)
		if err != nil {
			return nil, fmt.Errorf("%w: job %s: %v", apperrors.ErrDocumentCorrupted, job.ID, err)
		}
		if existing, ok := byParam[param]; ok && existing.ID < job.ID {
			r.logger.Debug("duplicate replica ignored", "replica_id", job.ID, r.key, param)
			continue
		}
		byParam[param] = Replica{
			ID:          job.ID,
			Param:       param,
			Dir:         job.Dir,
			Done:        job.Document.Done,
			SwapPending: job.Document.Swap,
		}
	}

	ladder := make(Ladder, 0, len(byParam))
	for _, rep := range byParam {
		ladder = append(ladder, rep)
	}
	sort.Slice(ladder, func(a, b int) bool { return ladder[a].Param < ladder[b].Param })

	if len(ladder) < 2 {
		return nil, fmt.Errorf("%w: found %d replicas for key %q", apperrors.ErrInsufficientReplicas, len(ladder), r.key)
	}
	return ladder, nil
}

// IsDone reads the live done flag of one replica.
func (r *Registry) IsDone(_ context.Context, rep Replica) (bool, error) {
	doc, err := r.store.LoadDocument(rep.ID)
	if err != nil {
		return false, err
	}
	return doc.Done, nil
}

// AllDone reports whether every replica has finished its current run.
func (r *Registry) AllDone(ctx context.Context, replicas []Replica) (bool, error) {
	for _, rep := range replicas {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		done, err := r.IsDone(ctx, rep)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// ResetForRerun clears the done flag of every replica so the queue picks
// them up for the next run segment. runParams, when non-empty, replaces the
// per-run overrides. Call it with the entire ladder.
func (r *Registry) ResetForRerun(ctx context.Context, replicas []Replica, runParams map[string]any) error {
	for _, rep := range replicas {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.store.UpdateDocument(rep.ID, func(doc *workspace.Document) error {
			doc.Done = false
			if len(runParams) > 0 {
				doc.RunParams = runParams
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reset replica %s: %w", rep.ID, err)
		}
	}
	return nil
}

// SetSwapPending sets the swap flag on the given replicas.
func (r *Registry) SetSwapPending(ctx context.Context, ids []string, pending bool) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.store.UpdateDocument(id, func(doc *workspace.Document) error {
			doc.Swap = pending
			return nil
		})
		if err != nil {
			return fmt.Errorf("set swap flag on %s: %w", id, err)
		}
	}
	return nil
}
