//go:build linux

package process

import "golang.org/x/sys/unix"

// applyMemoryCap hard-caps the agent's address space right after spawn.
// A zero cap means unlimited.
func applyMemoryCap(pid int, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	lim := unix.Rlimit{Cur: uint64(maxBytes), Max: uint64(maxBytes)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}
