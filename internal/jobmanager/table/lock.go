package table

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const lockOwnerFile = "owner.json"

// Lock guards a snapshot path against concurrent runs from other processes.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock takes the lock for the snapshot at path by creating a sibling
// "<path>.lock" directory.
func AcquireLock(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}

	dir := path + ".lock"
	ownerPath := dir + string(os.PathSeparator) + lockOwnerFile

	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			var owner lockOwner
			if data, readErr := os.ReadFile(ownerPath); readErr == nil &&
				json.Unmarshal(data, &owner) == nil && owner.PID > 0 {
				return nil, fmt.Errorf(
					"job table is locked: %s (pid=%d created_at=%s host=%s)",
					path,
					owner.PID,
					owner.CreatedAt,
					owner.Hostname,
				)
			}

			return nil, fmt.Errorf("job table is locked: %s", path)
		}

		return nil, fmt.Errorf("acquire lock for %s: %w", path, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}

	data, err := json.Marshal(owner)
	if err == nil {
		err = writeFileAtomic(ownerPath, data)
	}

	if err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("write lock owner for %s: %w", path, err)
	}

	return &Lock{dir: dir}, nil
}

// Release removes the lock. Releasing a nil Lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}

	_ = os.Remove(l.dir + string(os.PathSeparator) + lockOwnerFile)

	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}

	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}

	return strings.TrimSpace(host)
}
