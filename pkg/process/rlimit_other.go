//go:build !linux

package process

// applyMemoryCap is a no-op where the host offers no per-process cap; the
// limit still travels to the agent in the environment as a self-limit hint.
func applyMemoryCap(pid int, maxBytes int64) error {
	return nil
}
