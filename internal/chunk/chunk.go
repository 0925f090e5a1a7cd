// Package chunk drives sequential fixed-size chunked processing with
// progress reporting. Concurrency, if any, happens inside the chunk
// callback; chunk N+1 never starts before chunk N has fully resolved.
package chunk

import (
	"context"
	"fmt"
	"time"
)

// ProgressFunc receives progress updates. Percent is 0-100 and
// non-decreasing within one run; message is human readable.
type ProgressFunc func(percent int, message string)

// interChunkYield is the short pause between chunks so long batches do
// not starve other work on the scheduler.
const interChunkYield = 10 * time.Millisecond

// Count returns the number of chunks needed for n items at the given
// chunk size: ceil(n/size).
func Count(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Process iterates items in fixed-size chunks, awaiting fn for each chunk
// before starting the next, invoking progress after every chunk. A chunk
// error propagates immediately; continuation on partial failure is the
// caller's decision, made inside fn.
func Process[T, R any](ctx context.Context, items []T, size int, fn func(context.Context, []T) ([]R, error), progress ProgressFunc) ([]R, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}

	total := len(items)
	results := make([]R, 0, total)

	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		end := min(start+size, total)
		chunkResults, err := fn(ctx, items[start:end])
		if err != nil {
			return results, err
		}
		results = append(results, chunkResults...)

		if progress != nil {
			percent := end * 100 / total
			progress(percent, fmt.Sprintf("Processed %d of %d items", end, total))
		}

		if end < total {
			timer := time.NewTimer(interChunkYield)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return results, nil
}
