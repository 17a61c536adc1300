//go:build linux || darwin || freebsd

package crypto

import "golang.org/x/sys/unix"

// LockMemory keeps b out of swap.
func LockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// UnlockMemory reverses LockMemory.
func UnlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
