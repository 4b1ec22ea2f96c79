package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

const (
	lockDirName   = ".checkpoint.lock"
	lockOwnerFile = "owner.json"
)

var ErrLocked = errors.New("checkpoint directory is locked")

// Lock guards a checkpoint directory against a second process driving the
// same run.
type Lock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	Hostname  string `json:"hostname,omitempty"`
	CreatedAt string `json:"created_at"`
}

// stale reports whether the owner was a process on this host that has since
// exited.
func (o lockOwner) stale() bool {
	if o.PID <= 0 || o.Hostname != hostnameOrUnknown() || runtime.GOOS == "windows" {
		return false
	}
	p, err := os.FindProcess(o.PID)
	if err != nil {
		return true
	}
	return errors.Is(p.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

// AcquireLock takes the lock for dir. A lock left behind by a dead process on
// the same host is reclaimed once.
func AcquireLock(dir string) (Lock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return Lock{}, fmt.Errorf("checkpoint directory is required")
	}
	if err := Mkdir(target); err != nil {
		return Lock{}, err
	}
	lockDir := filepath.Join(target, lockDirName)

	for reclaimed := false; ; reclaimed = true {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Lock{}, fmt.Errorf("acquire checkpoint lock for %s: %w", target, err)
		}

		var owner lockOwner
		if ReadJSON(filepath.Join(lockDir, lockOwnerFile), &owner) != nil {
			return Lock{}, fmt.Errorf("%w: %s", ErrLocked, target)
		}
		if reclaimed || !owner.stale() {
			return Lock{}, fmt.Errorf("%w: %s (pid=%d host=%s since %s)",
				ErrLocked, target, owner.PID, owner.Hostname, owner.CreatedAt)
		}
		if err := os.RemoveAll(lockDir); err != nil {
			return Lock{}, fmt.Errorf("remove stale checkpoint lock %s: %w", lockDir, err)
		}
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		Hostname:  hostnameOrUnknown(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := WriteJSON(filepath.Join(lockDir, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return Lock{}, fmt.Errorf("write checkpoint lock owner for %s: %w", target, err)
	}
	return Lock{lockDir: lockDir}, nil
}

func (l Lock) Release() error {
	if l.lockDir == "" {
		return nil
	}
	if err := os.RemoveAll(l.lockDir); err != nil {
		return fmt.Errorf("release checkpoint lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if host = strings.TrimSpace(host); err != nil || host == "" {
		return "unknown"
	}
	return host
}
