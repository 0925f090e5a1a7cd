// Package route decides whether a batch runs in-process or is delegated
// to the remote job backend.
package route

import "fmt"

// Strategy is the chosen execution path.
type Strategy string

const (
	Local  Strategy = "local"
	Remote Strategy = "remote"
)

const (
	// memoryFactor estimates peak memory as a multiple of the input
	// bytes: original + parsed model + working copy.
	memoryFactor = 2.5

	// localMemoryShare caps local execution at this fraction of the
	// memory known to be available.
	localMemoryShare = 0.7

	maxLocalInstructions = 10
	maxLocalBytes        = int64(50 * 1024 * 1024)

	// Fallback bounds when runtime memory introspection is unavailable.
	fallbackMaxFiles    = 10
	fallbackMaxEstimate = int64(100 * 1024 * 1024)
)

// Stats describes the validated batch.
type Stats struct {
	FileCount        int
	TotalBytes       int64
	InstructionCount int
}

// Plan is the routing outcome with a human-readable reason.
type Plan struct {
	Strategy Strategy
	Reason   string
}

// EstimateMemory returns the estimated peak memory for a batch.
func EstimateMemory(totalBytes int64) int64 {
	return int64(float64(totalBytes) * memoryFactor)
}

// Decide is a pure function of its inputs. Misrouting a small batch to
// Remote only costs latency; misrouting a large batch to Local risks an
// out-of-memory failure, so the thresholds are strict. Pass
// availableMemory of 0 when runtime introspection is unavailable.
func Decide(s Stats, availableMemory int64) Plan {
	estimated := EstimateMemory(s.TotalBytes)

	if availableMemory > 0 {
		budget := int64(float64(availableMemory) * localMemoryShare)
		if estimated >= budget {
			return Plan{Remote, fmt.Sprintf("estimated memory %d exceeds local budget %d", estimated, budget)}
		}
	} else {
		if s.FileCount > fallbackMaxFiles {
			return Plan{Remote, fmt.Sprintf("file count %d exceeds local limit %d", s.FileCount, fallbackMaxFiles)}
		}
		if estimated >= fallbackMaxEstimate {
			return Plan{Remote, fmt.Sprintf("estimated memory %d exceeds local limit %d", estimated, fallbackMaxEstimate)}
		}
	}

	if s.InstructionCount > maxLocalInstructions {
		return Plan{Remote, fmt.Sprintf("instruction count %d exceeds local limit %d", s.InstructionCount, maxLocalInstructions)}
	}
	if s.TotalBytes >= maxLocalBytes {
		return Plan{Remote, fmt.Sprintf("total size %d exceeds local limit %d", s.TotalBytes, maxLocalBytes)}
	}

	return Plan{Local, "batch fits local execution limits"}
}
