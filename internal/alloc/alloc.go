// Package alloc serializes very large buffer allocations. Concurrent workers
// each staging a multi-hundred-megabyte block can transiently demand more
// address space than the host can back; holding the gate while allocating
// keeps the peak bounded.
package alloc

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LargeThreshold is the allocation size at which the gate engages.
const LargeThreshold = 64 << 20

var gate = semaphore.NewWeighted(1)

// Bytes allocates an n-byte slice, holding the module-wide gate for the
// duration of the allocation when n is at or above LargeThreshold.
func Bytes(ctx context.Context, n int) ([]byte, error) {
	if n < LargeThreshold {
		return make([]byte, n), nil
	}
	if err := gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer gate.Release(1)
	return make([]byte, n), nil
}
