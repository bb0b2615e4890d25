package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/workspace"
)

func setup(t *testing.T, values ...float64) (*workspace.Workspace, *Registry) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	spec := &workspace.LadderSpec{
		ExchangeKey: "e_factor",
		Values:      values,
		Statepoint:  map[string]any{"kT": 1.0},
	}
	if len(values) >= 2 {
		_, err = ws.InitJobs(context.Background(), spec)
		require.NoError(t, err)
	}
	return ws, NewRegistry(ws, "e_factor", nil)
}

func TestListReplicas_SortedAscending(t *testing.T) {
	_, reg := setup(t, 1.0, 0.1, 0.8, 0.5)

	ladder, err := reg.ListReplicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.5, 0.8, 1.0}, ladder.Params())
	assert.Len(t, ladder.IDs(), 4)
}

func TestListReplicas_SkipsOtherJobTypes(t *testing.T) {
	ws, reg := setup(t, 0.1, 0.5, 0.8)

	_, _, err := ws.CreateJob(workspace.Statepoint{"e_factor": 0.3, "kT": 1.0}, workspace.Document{JobType: "analysis"})
	require.NoError(t, err)

	ladder, err := reg.ListReplicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.5, 0.8}, ladder.Params())
}

func TestListReplicas_DuplicateParamKeepsLowestID(t *testing.T) {
	ws, reg := setup(t, 0.1, 0.5)

	// Same parameter, different shared statepoint: a second job at 0.5.
	dup, _, err := ws.CreateJob(workspace.Statepoint{"e_factor": 0.5, "kT": 2.0}, workspace.Document{JobType: workspace.JobTypeSim})
	require.NoError(t, err)

	ladder, err := reg.ListReplicas(context.Background())
	require.NoError(t, err)
	require.Len(t, ladder, 2)

	orig, err := workspace.JobID(workspace.Statepoint{"e_factor": 0.5, "kT": 1.0})
	require.NoError(t, err)
	want := min(orig, dup.ID)
	assert.Equal(t, want, ladder[1].ID)
}

func TestListReplicas_Insufficient(t *testing.T) {
	ws, reg := setup(t)
	_, _, err := ws.CreateJob(workspace.Statepoint{"e_factor": 0.5}, workspace.Document{JobType: workspace.JobTypeSim})
	require.NoError(t, err)

	_, err = reg.ListReplicas(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrInsufficientReplicas)
}

func TestListReplicas_MissingKey(t *testing.T) {
	ws, _ := setup(t, 0.1, 0.5)
	reg := NewRegistry(ws, "temperature", nil)

	_, err := reg.ListReplicas(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDocumentCorrupted)
}

func TestAllDone(t *testing.T) {
	ws, reg := setup(t, 0.1, 0.5, 0.8)
	ctx := context.Background()
	ladder, err := reg.ListReplicas(ctx)
	require.NoError(t, err)

	done, err := reg.AllDone(ctx, ladder)
	require.NoError(t, err)
	assert.False(t, done)

	for _, id := range ladder.IDs()[:2] {
		require.NoError(t, ws.UpdateDocument(id, func(doc *workspace.Document) error {
			doc.Done = true
			return nil
		}))
	}
	done, err = reg.AllDone(ctx, ladder)
	require.NoError(t, err)
	assert.False(t, done, "one replica still running")

	require.NoError(t, ws.UpdateDocument(ladder[2].ID, func(doc *workspace.Document) error {
		doc.Done = true
		return nil
	}))
	done, err = reg.AllDone(ctx, ladder)
	require.NoError(t, err)
	assert.True(t, done)

	one, err := reg.IsDone(ctx, ladder[0])
	require.NoError(t, err)
	assert.True(t, one)
}

func TestResetForRerun(t *testing.T) {
	ws, reg := setup(t, 0.1, 0.5)
	ctx := context.Background()
	ladder, err := reg.ListReplicas(ctx)
	require.NoError(t, err)
	for _, id := range ladder.IDs() {
		require.NoError(t, ws.UpdateDocument(id, func(doc *workspace.Document) error {
			doc.Done = true
			return nil
		}))
	}

	params := map[string]any{"n_steps": 5000.0}
	require.NoError(t, reg.ResetForRerun(ctx, ladder, params))

	for _, id := range ladder.IDs() {
		doc, err := ws.LoadDocument(id)
		require.NoError(t, err)
		assert.False(t, doc.Done)
		assert.Equal(t, params, doc.RunParams)
	}
}

func TestSetSwapPending(t *testing.T) {
	ws, reg := setup(t, 0.1, 0.5, 0.8)
	ctx := context.Background()
	ladder, err := reg.ListReplicas(ctx)
	require.NoError(t, err)

	pair := []string{ladder[1].ID, ladder[2].ID}
	require.NoError(t, reg.SetSwapPending(ctx, pair, true))

	ladder, err = reg.ListReplicas(ctx)
	require.NoError(t, err)
	assert.False(t, ladder[0].SwapPending)
	assert.True(t, ladder[1].SwapPending)
	assert.True(t, ladder[2].SwapPending)

	require.NoError(t, reg.SetSwapPending(ctx, pair, false))
	doc, err := ws.LoadDocument(pair[0])
	require.NoError(t, err)
	assert.False(t, doc.Swap)
}

func TestSetSwapPending_UnknownReplica(t *testing.T) {
	_, reg := setup(t, 0.1, 0.5)
	err := reg.SetSwapPending(context.Background(), []string{"missing"}, true)
	assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
}
