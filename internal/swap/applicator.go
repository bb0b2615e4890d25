package swap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/logging"
	"github.com/Iron-Ham/replex/internal/replica"
	"github.com/Iron-Ham/replex/internal/snapshot"
)

// Applicator exchanges the particle positions of two replicas.
type Applicator struct {
	store  snapshot.Store
	logger *logging.Logger
}

// NewApplicator creates an applicator over store.
func NewApplicator(store snapshot.Store, logger *logging.Logger) *Applicator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Applicator{store: store, logger: logger}
}

// Fingerprints reads both snapshots and returns their position
// fingerprints. Callers record them before a swap so that a restarted
// coordinator can tell whether the swap already happened.
func (a *Applicator) Fingerprints(ctx context.Context, ri, rj replica.Replica) (string, string, error) {
	si, sj, err := a.readPair(ctx, ri, rj)
	if err != nil {
		return "", "", err
	}
	return si.Fingerprint(), sj.Fingerprint(), nil
}

func (a *Applicator) readPair(ctx context.Context, ri, rj replica.Replica) (*snapshot.Snapshot, *snapshot.Snapshot, error) {
	var si, sj *snapshot.Snapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		si, err = a.store.Read(gctx, ri.Dir)
		return err
	})
	g.Go(func() error {
		var err error
		sj, err = a.store.Read(gctx, rj.Dir)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return si, sj, nil
}

// Apply swaps the positions of ri and rj. Both snapshots are read before
// either is written; a read failure or a particle-count mismatch aborts
// with nothing changed. If the second write fails the first replica is
// restored, so a swap is either fully applied or not at all.
func (a *Applicator) Apply(ctx context.Context, ri, rj replica.Replica) error {
	si, sj, err := a.readPair(ctx, ri, rj)
	if err != nil {
		return err
	}

	if si.Len() != sj.Len() {
		return fmt.Errorf("%w: %s has %d particles, %s has %d",
			apperrors.ErrSnapshotMismatch, ri.ID, si.Len(), rj.ID, sj.Len())
	}

	newI := si.WithPositions(sj.Positions)
	newJ := sj.WithPositions(si.Positions)

	if err := a.store.Write(ctx, ri.Dir, newI); err != nil {
		return err
	}
	if err := a.store.Write(ctx, rj.Dir, newJ); err != nil {
		// The context may already be done; the rollback must still run.
		if rbErr := a.store.Write(context.WithoutCancel(ctx), ri.Dir, si); rbErr != nil {
			a.logger.Error("swap rollback failed",
				"replica_id", ri.ID, "error", rbErr.Error())
			return apperrors.Join(err, fmt.Errorf("rollback %s: %w", ri.ID, rbErr))
		}
		a.logger.Warn("swap rolled back", "replica_id", ri.ID, "error", err.Error())
		return err
	}

	a.logger.Debug("snapshots exchanged",
		"replica_id_i", ri.ID, "replica_id_j", rj.ID, "particles", si.Len())
	return nil
}
