//go:build !linux && !darwin

package memory

import (
	"errors"
	"fmt"

	"github.com/awnumar/memcall"
)

var errNoRlimit = errors.New("resource limits are not available on this platform")

// Limit is a soft/hard resource limit pair.
type Limit struct {
	Current uint64
	Max     uint64
}

func (l Limit) Unlimited() bool { return false }

func LockLimit() (Limit, error) { return Limit{}, errNoRlimit }

func CoreLimit() (Limit, error) { return Limit{}, errNoRlimit }

func DisableCoreDumps() error {
	if err := memcall.DisableCoreDumps(); err != nil {
		return fmt.Errorf("disable core dumps: %w", err)
	}
	return nil
}
