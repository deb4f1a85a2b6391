//go:build linux || darwin

package memory

import (
	"fmt"

	"github.com/awnumar/memcall"
	"golang.org/x/sys/unix"
)

// Limit is a soft/hard resource limit pair. Unlimited values are reported
// as ^uint64(0).
type Limit struct {
	Current uint64
	Max     uint64
}

// Unlimited reports whether the soft limit is infinite.
func (l Limit) Unlimited() bool {
	return l.Current == unix.RLIM_INFINITY
}

// LockLimit returns RLIMIT_MEMLOCK, the number of bytes this process may lock.
func LockLimit() (Limit, error) {
	return getrlimit(unix.RLIMIT_MEMLOCK)
}

// CoreLimit returns RLIMIT_CORE.
func CoreLimit() (Limit, error) {
	return getrlimit(unix.RLIMIT_CORE)
}

// DisableCoreDumps sets RLIMIT_CORE to zero for this process.
func DisableCoreDumps() error {
	if err := memcall.DisableCoreDumps(); err != nil {
		return fmt.Errorf("disable core dumps: %w", err)
	}
	return nil
}

func getrlimit(resource int) (Limit, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(resource, &rl); err != nil {
		return Limit{}, fmt.Errorf("getrlimit: %w", err)
	}
	return Limit{Current: uint64(rl.Cur), Max: uint64(rl.Max)}, nil
}
