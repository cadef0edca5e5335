package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/openfroyo/deployer/pkg/ids"
)

const lockRetryDelay = 100 * time.Millisecond

// DeploymentLock is a cross-process advisory lock on one deployment.
type DeploymentLock struct {
	fl *flock.Flock
}

// LockPath returns the lock file of a deployment.
func LockPath(solutionDir string, deployment ids.DeploymentID) string {
	return filepath.Join(solutionDir, deployment.String(), ".lock")
}

// AcquireDeploymentLock takes the deployment lock. With wait <= 0 it fails immediately
// when another process holds it; otherwise it retries for up to wait.
func AcquireDeploymentLock(ctx context.Context, solutionDir string, deployment ids.DeploymentID, wait time.Duration) (*DeploymentLock, error) {
	path := LockPath(solutionDir, deployment)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(path)

	var (
		locked bool
		err    error
	)
	if wait <= 0 {
		locked, err = fl.TryLock()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		locked, err = fl.TryLockContext(waitCtx, lockRetryDelay)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring deployment lock: %w", err)
	}
	if !locked {
		return nil, NewConflictError("deployment is locked by another orchestration", nil).
			WithDeployment(deployment).
			WithCode(ErrCodeDeploymentLocked).
			WithDetail("lock", path)
	}
	return &DeploymentLock{fl: fl}, nil
}

// Release unlocks the deployment.
func (l *DeploymentLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
