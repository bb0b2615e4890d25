package workspace

import (
	"encoding/json"
	"fmt"
	"maps"
)

// File names inside a job directory.
const (
	StatepointFileName = "statepoint.json"
	DocumentFileName   = "document.json"
	lockFileName       = "document.lock"
)

// JobTypeSim marks documents that belong to simulation replicas.
const JobTypeSim = "sim"

// Statepoint holds the immutable parameters of a job. It is the identity of
// the job: the job ID is derived from its canonical JSON encoding.
type Statepoint map[string]any

// Float returns the numeric value stored under key.
func (sp Statepoint) Float(key string) (float64, error) {
	v, ok := sp[key]
	if !ok {
		return 0, fmt.Errorf("statepoint has no %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("statepoint %q is %T, want a number", key, v)
	}
}

// Document is the mutable per-job record shared between the coordinator and
// the simulation process. Keys the simulation engine adds on its own
// (energies, timesteps, ...) are preserved verbatim across rewrites.
type Document struct {
	// JobType distinguishes simulation replicas ("sim") from other jobs.
	JobType string `json:"job_type"`
	// Done is set by the simulation engine when a run segment completes and
	// cleared by the coordinator on resubmission.
	Done bool `json:"done"`
	// Swap is owned by the coordinator: the configuration was rewritten by a
	// swap and the next trajectory is tagged accordingly.
	Swap bool `json:"swap"`
	// CurrentRun counts completed run segments; maintained by the engine.
	CurrentRun int `json:"current_run"`
	// Mixed records whether the warm-up (mixing) run has happened.
	Mixed bool `json:"mixed"`
	// RunParams overrides statepoint run parameters for the next segment.
	RunParams map[string]any `json:"run_params,omitempty"`

	extra map[string]json.RawMessage
}

var documentKeys = []string{"job_type", "done", "swap", "current_run", "mixed", "run_params"}

type plainDocument Document

// UnmarshalJSON decodes known keys with type checking and keeps the rest.
// Keys absent from data leave the receiver's current values untouched.
// A run_params key in data replaces the receiver's map instead of merging
// into it.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p := plainDocument(*d)
	if _, ok := raw["run_params"]; ok {
		p.RunParams = nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	for _, k := range documentKeys {
		delete(raw, k)
	}

	*d = Document(p)
	if len(raw) > 0 {
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage, len(raw))
		}
		maps.Copy(d.extra, raw)
	}
	return nil
}

// MarshalJSON encodes known keys plus every preserved key.
func (d Document) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(plainDocument(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.extra)+len(documentKeys))
	maps.Copy(merged, d.extra)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	maps.Copy(merged, fields)
	return json.Marshal(merged)
}

// Extra returns the raw value of a key the coordinator does not model.
func (d *Document) Extra(key string) (json.RawMessage, bool) {
	v, ok := d.extra[key]
	return v, ok
}

// Job is one job directory of the workspace.
type Job struct {
	ID         string
	Dir        string
	Statepoint Statepoint
	Document   Document
}
