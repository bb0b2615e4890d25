package coordinator

import (
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/fsutil"
)

// LockFileName guards a state directory against a second coordinator.
const LockFileName = "coordinator.lock"

// AcquireLock takes the coordinator lock of stateDir without blocking.
// It fails with ErrCoordinatorLocked when another process holds it.
func AcquireLock(stateDir string) (*fsutil.FileLock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	lock := fsutil.NewFileLock(filepath.Join(stateDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrCoordinatorLocked, lock.Path())
	}
	return lock, nil
}
