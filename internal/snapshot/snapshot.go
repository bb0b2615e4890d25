// Package snapshot reads and writes the configuration checkpoint each
// replica leaves behind after a run segment.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/fsutil"
)

// DefaultFileName is the snapshot file inside a job directory.
const DefaultFileName = "snapshot.json"

// Snapshot is one configuration checkpoint. Only the particle positions
// are interpreted; every other key written by the engine (step, box,
// velocities, ...) is carried through unchanged.
type Snapshot struct {
	Positions [][3]float64

	other map[string]json.RawMessage
}

// Len returns the number of particles.
func (s *Snapshot) Len() int {
	return len(s.Positions)
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Positions: make([][3]float64, len(s.Positions)),
		other:     maps.Clone(s.other),
	}
	copy(c.Positions, s.Positions)
	return c
}

// WithPositions returns a copy of s carrying positions instead of its own.
func (s *Snapshot) WithPositions(positions [][3]float64) *Snapshot {
	c := s.Clone()
	c.Positions = make([][3]float64, len(positions))
	copy(c.Positions, positions)
	return c
}

// Fingerprint identifies the particle positions, ignoring every other key.
// Two snapshots with equal fingerprints hold the same configuration.
func (s *Snapshot) Fingerprint() string {
	data, _ := json.Marshal(s.Positions) // [][3]float64 always encodes
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// UnmarshalJSON decodes positions and keeps the remaining keys raw.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	posRaw, ok := raw["positions"]
	if !ok {
		return fmt.Errorf("snapshot has no positions")
	}
	var positions [][3]float64
	if err := json.Unmarshal(posRaw, &positions); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	delete(raw, "positions")
	s.Positions = positions
	s.other = raw
	return nil
}

// MarshalJSON encodes positions together with the preserved keys.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.other)+1)
	for k, v := range s.other {
		out[k] = v
	}
	positions := s.Positions
	if positions == nil {
		positions = [][3]float64{}
	}
	out["positions"] = positions
	return json.Marshal(out)
}

// Store gives access to replica checkpoints by job directory.
type Store interface {
	Read(ctx context.Context, dir string) (*Snapshot, error)
	Write(ctx context.Context, dir string, snap *Snapshot) error
}

// FileStore keeps one JSON snapshot file per job directory.
type FileStore struct {
	fileName string
}

// NewFileStore returns a store using fileName, or DefaultFileName if empty.
func NewFileStore(fileName string) *FileStore {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &FileStore{fileName: fileName}
}

// Path returns the snapshot path for a job directory.
func (f *FileStore) Path(dir string) string {
	return filepath.Join(dir, f.fileName)
}

// Read loads the snapshot of a job directory.
func (f *FileStore) Read(ctx context.Context, dir string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewSnapshotError(filepath.Base(dir), apperrors.ErrSnapshotUnavailable, err).WithPath(path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.NewSnapshotError(filepath.Base(dir), apperrors.ErrSnapshotUnavailable, err).WithPath(path)
	}
	return &snap, nil
}

// Write replaces the snapshot of a job directory. The new content is staged
// in a temporary file and renamed over the old one, so readers see either
// the previous or the new snapshot.
func (f *FileStore) Write(ctx context.Context, dir string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.Path(dir)
	if err := fsutil.WriteJSONAtomic(path, snap); err != nil {
		return apperrors.NewSnapshotError(filepath.Base(dir), apperrors.ErrSnapshotWrite, err).WithPath(path)
	}
	return nil
}
