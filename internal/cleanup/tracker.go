package cleanup

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/chaya2z/vyatta-cfg-system/internal/logger"
)

// Tracker records every mountpoint and temporary path acquired during a run
// and releases them on any exit path. Mounts are released in reverse order of
// registration, then temporary paths are deleted. ReleaseAll is idempotent
// and best-effort: individual release failures are logged and swallowed so
// one failure cannot block releasing the rest.
type Tracker struct {
	mu       sync.Mutex
	released bool
	mounts   []string
	temps    []string

	unmount func(string) error
	remove  func(string) error
}

// NewTracker returns a Tracker using the system umount binary and
// os.RemoveAll as release primitives.
func NewTracker() *Tracker {
	return &Tracker{
		unmount: func(mountpoint string) error {
			// Plain exec.Command: cleanup must not be killed by a canceled
			// run context.
			return exec.Command("umount", mountpoint).Run()
		},
		remove: os.RemoveAll,
	}
}

// RegisterMount records a mountpoint whose mount has just succeeded.
// Entries must only be registered after the mount is known to be active.
func (t *Tracker) RegisterMount(mountpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mounts = append(t.mounts, mountpoint)
}

// RegisterTemp records a temporary path for recursive deletion on release.
func (t *Tracker) RegisterTemp(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.temps = append(t.temps, path)
}

// Mounts returns the currently registered mountpoints in registration order.
func (t *Tracker) Mounts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.mounts...)
}

// ReleaseAll unmounts registered mountpoints in reverse order and deletes
// registered temporary paths. Invoking it more than once is a no-op.
func (t *Tracker) ReleaseAll(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}

	t.released = true

	for i := len(t.mounts) - 1; i >= 0; i-- {
		mountpoint := t.mounts[i]
		if err := t.unmount(mountpoint); err != nil {
			logger.WarnKV(ctx, "Unable to unmount", "mountpoint", mountpoint, "error", err)
			continue
		}

		logger.InfoKV(ctx, "Unmounted", "mountpoint", mountpoint)
	}

	t.mounts = nil

	for _, path := range t.temps {
		if err := t.remove(path); err != nil {
			logger.WarnKV(ctx, "Unable to remove temporary path", "path", path, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Removed temporary path", "path", path)
	}

	t.temps = nil
}
