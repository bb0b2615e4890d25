package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
)

const ladderYAML = `
exchange_key: e_factor
values: [0.1, 0.5, 0.8, 1.0]
statepoint:
  n_particles: 64
  kT: 1.5
document:
  mixed: false
  n_steps: 1000
`

func newLadder(t *testing.T) (*Workspace, *LadderSpec) {
	t.Helper()
	ws, err := Open(t.TempDir())
	require.NoError(t, err)
	spec, err := ParseLadderSpec([]byte(ladderYAML))
	require.NoError(t, err)
	return ws, spec
}

func TestOpen_EmptyRoot(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestJobID_Deterministic(t *testing.T) {
	a, err := JobID(Statepoint{"kT": 1.5, "e_factor": 0.1})
	require.NoError(t, err)
	b, err := JobID(Statepoint{"e_factor": 0.1, "kT": 1.5})
	require.NoError(t, err)
	c, err := JobID(Statepoint{"e_factor": 0.5, "kT": 1.5})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order must not change the ID")
	assert.NotEqual(t, a, c)
}

func TestParseLadderSpec_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"missing key", "values: [1, 2]", apperrors.ErrInvalidInput},
		{"one value", "exchange_key: t\nvalues: [1]", apperrors.ErrInsufficientReplicas},
		{"duplicates", "exchange_key: t\nvalues: [1, 2, 1]", apperrors.ErrInvalidInput},
		{"key in statepoint", "exchange_key: t\nvalues: [1, 2]\nstatepoint: {t: 3}", apperrors.ErrInvalidInput},
		{"bad yaml", "exchange_key: [", apperrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLadderSpec([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadLadderSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ladderYAML), 0644))

	spec, err := LoadLadderSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "e_factor", spec.ExchangeKey)
	assert.Equal(t, []float64{0.1, 0.5, 0.8, 1.0}, spec.Values)
}

func TestInitJobs_CreatesOneJobPerValue(t *testing.T) {
	ws, spec := newLadder(t)

	jobs, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	for i, job := range jobs {
		v, err := job.Statepoint.Float("e_factor")
		require.NoError(t, err)
		assert.Equal(t, spec.Values[i], v)
		assert.Equal(t, JobTypeSim, job.Document.JobType)
		assert.False(t, job.Document.Done)
		raw, ok := job.Document.Extra("n_steps")
		require.True(t, ok, "document defaults must be written")
		assert.JSONEq(t, "1000", string(raw))
	}

	ids, err := ws.JobIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 4)
}

func TestInitJobs_Idempotent(t *testing.T) {
	ws, spec := newLadder(t)
	ctx := context.Background()

	jobs, err := ws.InitJobs(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, ws.UpdateDocument(jobs[0].ID, func(doc *Document) error {
		doc.Done = true
		doc.CurrentRun = 3
		return nil
	}))

	again, err := ws.InitJobs(ctx, spec)
	require.NoError(t, err)
	require.Len(t, again, 4)
	assert.Equal(t, jobs[0].ID, again[0].ID)
	assert.True(t, again[0].Document.Done, "existing values must survive re-initialization")
	assert.Equal(t, 3, again[0].Document.CurrentRun)
}

func TestInitJobs_RunParamsStayPerJob(t *testing.T) {
	ws, err := Open(t.TempDir())
	require.NoError(t, err)
	spec, err := ParseLadderSpec([]byte(`
exchange_key: e_factor
values: [0.1, 0.5]
document:
  run_params:
    n_steps: 1
`))
	require.NoError(t, err)
	ctx := context.Background()

	jobs, err := ws.InitJobs(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, ws.UpdateDocument(jobs[0].ID, func(doc *Document) error {
		doc.RunParams = map[string]any{"n_steps": 1, "kT": 9}
		return nil
	}))
	require.NoError(t, ws.UpdateDocument(jobs[1].ID, func(doc *Document) error {
		doc.RunParams = nil
		return nil
	}))

	again, err := ws.InitJobs(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n_steps": float64(1), "kT": float64(9)}, again[0].Document.RunParams)
	assert.Equal(t, map[string]any{"n_steps": float64(1)}, again[1].Document.RunParams,
		"a missing run_params key gets the ladder default, not another job's values")
}

func TestDocument_UnmarshalReplacesRunParams(t *testing.T) {
	doc := Document{RunParams: map[string]any{"kT": 2.0, "n_steps": 10.0}}
	require.NoError(t, json.Unmarshal([]byte(`{"run_params": {"n_steps": 5}}`), &doc))
	assert.Equal(t, map[string]any{"n_steps": float64(5)}, doc.RunParams)

	require.NoError(t, json.Unmarshal([]byte(`{"done": true}`), &doc))
	assert.Equal(t, map[string]any{"n_steps": float64(5)}, doc.RunParams, "absent key keeps the current map")
}

func TestInitJobs_Canceled(t *testing.T) {
	ws, spec := newLadder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ws.InitJobs(ctx, spec)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobs_LoadsAll(t *testing.T) {
	ws, spec := newLadder(t)
	_, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)

	// Stray entries are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), ".cache"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "scratch"), 0755))

	jobs, err := ws.Jobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestJobs_CorruptedDocument(t *testing.T) {
	ws, spec := newLadder(t)
	jobs, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)

	path := filepath.Join(jobs[1].Dir, DocumentFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"done": "yes"}`), 0644))

	_, err = ws.Jobs(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDocumentCorrupted)
}

func TestUpdateDocument_PreservesUnknownKeys(t *testing.T) {
	ws, spec := newLadder(t)
	jobs, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)
	id := jobs[0].ID

	path := filepath.Join(ws.JobDir(id), DocumentFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"job_type":"sim","done":true,"energy":[-1.5,-2.25]}`), 0644))

	require.NoError(t, ws.UpdateDocument(id, func(doc *Document) error {
		doc.Done = false
		doc.Swap = true
		return nil
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, false, got["done"])
	assert.Equal(t, true, got["swap"])
	assert.Equal(t, []any{-1.5, -2.25}, got["energy"])
}

func TestUpdateDocument_FnErrorLeavesDocument(t *testing.T) {
	ws, spec := newLadder(t)
	jobs, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)

	boom := apperrors.New("boom")
	err = ws.UpdateDocument(jobs[0].ID, func(doc *Document) error {
		doc.Done = true
		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := ws.LoadDocument(jobs[0].ID)
	require.NoError(t, err)
	assert.False(t, doc.Done)
}

func TestUpdateDocument_MissingJob(t *testing.T) {
	ws, err := Open(t.TempDir())
	require.NoError(t, err)

	err = ws.UpdateDocument("nope", func(*Document) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
}

func TestStatepointFloat(t *testing.T) {
	sp := Statepoint{"a": 1.5, "b": 2, "c": json.Number("0.25"), "d": "x"}

	v, err := sp.Float("a")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = sp.Float("b")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = sp.Float("c")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	_, err = sp.Float("d")
	assert.Error(t, err)
	_, err = sp.Float("missing")
	assert.Error(t, err)
}

func TestWatch_SignalsDocumentWrites(t *testing.T) {
	ws, spec := newLadder(t)
	jobs, err := ws.InitJobs(context.Background(), spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := ws.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, ws.UpdateDocument(jobs[2].ID, func(doc *Document) error {
		doc.Done = true
		return nil
	}))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal after document write")
	}
}
