//go:build !linux && !darwin && !freebsd

package keystore

import "context"

// lockFile is a no-op where flock is unavailable; Create still relies on
// link-without-replace to never overwrite an existing record.
func lockFile(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}
