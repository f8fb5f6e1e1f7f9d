package platform

import (
	"errors"
	"strings"
)

// Two daemons sharing one radio corrupt each other's send queues and config
// sessions, so the daemon takes a per-user lock before touching anything.

// ErrAlreadyRunning indicates another daemon process already owns the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrLockUnsupported indicates the current platform has no lock backend.
var ErrLockUnsupported = errors.New("instance lock unsupported")

// Lock represents an acquired single-instance lock.
type Lock interface {
	Release() error
}

// AcquireLock takes the single-instance lock for the given daemon id.
func AcquireLock(daemonID string) (Lock, error) {
	return acquireLock(normalizeLockComponent(daemonID, "daemon"))
}

func normalizeLockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
