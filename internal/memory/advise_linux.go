//go:build linux

package memory

import "golang.org/x/sys/unix"

// adviseWipeOnFork makes the kernel hand forked children zeroed pages
// instead of a copy of the secret.
func adviseWipeOnFork(b []byte) error {
	return unix.Madvise(b, unix.MADV_WIPEONFORK)
}
