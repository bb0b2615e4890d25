package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
)

// LadderSpec is the parameter-sweep definition a ladder is initialized from.
//
//	exchange_key: e_factor
//	values: [0.1, 0.5, 0.8, 1.0]
//	statepoint:
//	  n_particles: 100
//	  kT: 1.5
//	document:
//	  mixed: false
type LadderSpec struct {
	// ExchangeKey is the statepoint key that varies along the ladder.
	ExchangeKey string `yaml:"exchange_key"`
	// Values are the exchange-parameter values, one replica each.
	Values []float64 `yaml:"values"`
	// Statepoint holds parameters shared by every replica.
	Statepoint map[string]any `yaml:"statepoint"`
	// Document holds extra document defaults for new replicas.
	Document map[string]any `yaml:"document"`
}

// LoadLadderSpec reads and validates a YAML ladder spec.
func LoadLadderSpec(path string) (*LadderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder spec: %w", err)
	}
	return ParseLadderSpec(data)
}

// ParseLadderSpec decodes and validates a YAML ladder spec.
func ParseLadderSpec(data []byte) (*LadderSpec, error) {
	var spec LadderSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: ladder spec: %v", apperrors.ErrInvalidInput, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks that s describes a ladder that can be swapped.
func (s *LadderSpec) Validate() error {
	if s.ExchangeKey == "" {
		return fmt.Errorf("%w: ladder spec: exchange_key is required", apperrors.ErrInvalidInput)
	}
	if _, clash := s.Statepoint[s.ExchangeKey]; clash {
		return fmt.Errorf("%w: ladder spec: %q must not be set in statepoint", apperrors.ErrInvalidInput, s.ExchangeKey)
	}
	if len(s.Values) < 2 {
		return fmt.Errorf("%w: ladder spec has %d values", apperrors.ErrInsufficientReplicas, len(s.Values))
	}
	sorted := slices.Clone(s.Values)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return fmt.Errorf("%w: ladder spec: duplicate value %v", apperrors.ErrInvalidInput, sorted[i])
		}
	}
	return nil
}

// Statepoints expands s into one statepoint per value, in value order.
func (s *LadderSpec) Statepoints() []Statepoint {
	out := make([]Statepoint, 0, len(s.Values))
	for _, v := range s.Values {
		sp := make(Statepoint, len(s.Statepoint)+1)
		maps.Copy(sp, s.Statepoint)
		sp[s.ExchangeKey] = v
		out = append(out, sp)
	}
	return out
}

// DefaultDocument returns the document every new replica starts with.
func (s *LadderSpec) DefaultDocument() (Document, error) {
	doc := Document{JobType: JobTypeSim}
	if len(s.Document) == 0 {
		return doc, nil
	}
	data, err := json.Marshal(s.Document)
	if err != nil {
		return doc, fmt.Errorf("%w: ladder spec document: %v", apperrors.ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: ladder spec document: %v", apperrors.ErrInvalidInput, err)
	}
	return doc, nil
}

// InitJobs creates (or completes) one job per ladder value. It is
// idempotent: running it on an initialized workspace changes nothing.
func (w *Workspace) InitJobs(ctx context.Context, spec *LadderSpec) ([]*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	defaults, err := spec.DefaultDocument()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(spec.Values))
	for _, sp := range spec.Statepoints() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, created, err := w.CreateJob(sp, defaults)
		if err != nil {
			return nil, err
		}
		if created {
			w.logger.Info("job created", "job_id", job.ID, spec.ExchangeKey, sp[spec.ExchangeKey])
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
