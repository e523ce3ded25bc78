// Package history fetches time-ordered gas observation series covering a
// requested window, sampling blocks in throttled concurrent batches.
package history

import (
	"errors"
	"fmt"
)

// Sampling constants for Base-like L2 chains.
const (
	// BlockTimeSeconds is the assumed network block time.
	BlockTimeSeconds = 2

	// BlocksPerHour follows from the assumed block time.
	BlocksPerHour = 3600 / BlockTimeSeconds

	// MaxSamples caps the number of sampled blocks regardless of the
	// requested window, bounding RPC fan-out.
	MaxSamples = 200

	// DefaultBatchSize is how many block fetches run concurrently.
	DefaultBatchSize = 10
)

// ErrInvalidWindow is returned when the requested window is not positive.
var ErrInvalidWindow = errors.New("hoursBack must be positive")

// Plan describes which blocks to sample for a requested window. Computed
// fresh per fetch; never persisted.
type Plan struct {
	LatestBlock    uint64
	SampleInterval uint64
	SampleCount    int
	BatchSize      int
}

// PlanRange derives a sampling plan for roughly the last hoursBack hours
// ending at latest. SampleCount is always clamped to MaxSamples and is at
// least 1, so even sub-minute windows yield a non-empty plan.
func PlanRange(latest uint64, hoursBack float64) (Plan, error) {
	if hoursBack <= 0 {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidWindow, hoursBack)
	}

	totalBlocks := uint64(hoursBack * BlocksPerHour)
	if totalBlocks < 1 {
		totalBlocks = 1
	}
	if totalBlocks > latest {
		totalBlocks = latest + 1
	}

	count := int(totalBlocks)
	if count > MaxSamples {
		count = MaxSamples
	}

	interval := totalBlocks / uint64(count)
	if interval < 1 {
		interval = 1
	}

	return Plan{
		LatestBlock:    latest,
		SampleInterval: interval,
		SampleCount:    count,
		BatchSize:      DefaultBatchSize,
	}, nil
}

// Blocks returns the sampled block numbers in ascending order, ending at the
// latest block.
func (p Plan) Blocks() []uint64 {
	blocks := make([]uint64, 0, p.SampleCount)
	span := uint64(p.SampleCount-1) * p.SampleInterval

	start := uint64(0)
	if p.LatestBlock > span {
		start = p.LatestBlock - span
	}

	for n := start; len(blocks) < p.SampleCount; n += p.SampleInterval {
		blocks = append(blocks, n)
		if n >= p.LatestBlock {
			break
		}
	}
	return blocks
}
