package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/fsutil"
)

// StateFileName is the persisted coordinator state inside the state dir.
const StateFileName = "state.json"

// Status is the lifecycle state of the coordinator.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusTerminal      Status = "terminal"
)

// Phase marks how far an in-flight swap has progressed. It is written
// ahead of each side effect so a restart resumes at the right step.
type Phase string

const (
	// PhaseSelected: the pair is chosen; snapshots may or may not be exchanged.
	PhaseSelected Phase = "selected"
	// PhaseApplied: snapshots are exchanged (or the swap was rejected);
	// the ladder may not be resubmitted yet.
	PhaseApplied Phase = "applied"
	// PhaseSubmitted: the ladder was resubmitted for the post-swap run.
	PhaseSubmitted Phase = "submitted"
)

// SwapRecord is one entry of the swap history. Only Phase, Completed and
// CompletedAt change after the record is appended.
type SwapRecord struct {
	AttemptIndex int     `json:"attempt_index"`
	I            int     `json:"i"`
	J            int     `json:"j"`
	ParamI       float64 `json:"param_i"`
	ParamJ       float64 `json:"param_j"`
	ReplicaIDI   string  `json:"replica_id_i"`
	ReplicaIDJ   string  `json:"replica_id_j"`
	Accepted     bool    `json:"accepted"`
	Phase        Phase   `json:"phase"`
	Completed    bool    `json:"completed"`

	// Position fingerprints of both replicas before the exchange.
	FingerprintI string `json:"fingerprint_i,omitempty"`
	FingerprintJ string `json:"fingerprint_j,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// State is the persisted progress of one coordinator run. It is the only
// memory the coordinator has across restarts.
type State struct {
	RunID          string       `json:"run_id,omitempty"`
	Status         Status       `json:"status"`
	CurrentAttempt int          `json:"current_attempt"`
	MaxAttempts    int          `json:"max_attempts"`
	SwapHistory    []SwapRecord `json:"swap_history"`
	Terminal       bool         `json:"terminal"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewState returns the state of a coordinator that has not started.
func NewState(maxAttempts int) *State {
	return &State{
		Status:      StatusUninitialized,
		MaxAttempts: maxAttempts,
		SwapHistory: []SwapRecord{},
	}
}

// Last returns the most recent swap record, or nil.
func (s *State) Last() *SwapRecord {
	if len(s.SwapHistory) == 0 {
		return nil
	}
	return &s.SwapHistory[len(s.SwapHistory)-1]
}

// Pending returns the incomplete swap record, or nil.
func (s *State) Pending() *SwapRecord {
	if last := s.Last(); last != nil && !last.Completed {
		return last
	}
	return nil
}

// CompletedSwaps counts finalized records.
func (s *State) CompletedSwaps() int {
	n := 0
	for _, r := range s.SwapHistory {
		if r.Completed {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants of the state.
func (s *State) Validate() error {
	switch s.Status {
	case StatusUninitialized, StatusRunning, StatusTerminal:
	default:
		return corrupted("unknown status %q", s.Status)
	}
	if s.Terminal != (s.Status == StatusTerminal) {
		return corrupted("terminal=%t disagrees with status %q", s.Terminal, s.Status)
	}
	if s.MaxAttempts < 0 {
		return corrupted("max_attempts %d is negative", s.MaxAttempts)
	}
	if s.Status == StatusUninitialized && (s.CurrentAttempt != 0 || len(s.SwapHistory) != 0) {
		return corrupted("uninitialized state has attempt %d", s.CurrentAttempt)
	}
	if len(s.SwapHistory) != s.CurrentAttempt {
		return corrupted("%d swap records for attempt %d", len(s.SwapHistory), s.CurrentAttempt)
	}

	for k, r := range s.SwapHistory {
		if r.AttemptIndex != k {
			return corrupted("record %d has attempt_index %d", k, r.AttemptIndex)
		}
		if r.J < 0 || r.J != r.I-1 {
			return corrupted("record %d pairs %d with %d", k, r.I, r.J)
		}
		switch r.Phase {
		case PhaseSelected, PhaseApplied, PhaseSubmitted:
		default:
			return corrupted("record %d has unknown phase %q", k, r.Phase)
		}
		if r.Completed && r.Phase != PhaseSubmitted {
			return corrupted("record %d completed in phase %q", k, r.Phase)
		}
		if !r.Completed && k != len(s.SwapHistory)-1 {
			return corrupted("record %d is incomplete but not the last", k)
		}
	}
	if s.Terminal && s.Pending() != nil {
		return corrupted("terminal state has an incomplete swap")
	}
	return nil
}

func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrStateCorrupted, fmt.Sprintf(format, args...))
}

// StateStore persists the coordinator state.
type StateStore interface {
	// Load returns the persisted state, or a fresh one when none exists.
	Load() (*State, error)
	Save(s *State) error
}

// FileStateStore keeps the state as JSON in a single file.
type FileStateStore struct {
	path        string
	maxAttempts int
	now         func() time.Time
}

// NewFileStateStore stores state in <dir>/state.json. maxAttempts seeds a
// fresh state.
func NewFileStateStore(dir string, maxAttempts int) *FileStateStore {
	return &FileStateStore{
		path:        filepath.Join(dir, StateFileName),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Path returns the state file path.
func (f *FileStateStore) Path() string {
	return f.path
}

// Load implements StateStore.
func (f *FileStateStore) Load() (*State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return NewState(f.maxAttempts), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStateCorrupted, err)
	}
	if s.SwapHistory == nil {
		s.SwapHistory = []SwapRecord{}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save implements StateStore. Invalid states are refused.
func (f *FileStateStore) Save(s *State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	s.UpdatedAt = f.now().UTC()
	return fsutil.WriteJSONAtomic(f.path, s)
}
