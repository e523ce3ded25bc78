package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gasline/gasline/internal/types"
	"github.com/gasline/gasline/pkg/chainrpc"
)

// DefaultBatchDelay is the pause between fetch batches, respecting upstream
// rate limits.
const DefaultBatchDelay = 500 * time.Millisecond

// Fetcher assembles historical gas observation series by sampling blocks.
type Fetcher struct {
	client     *chainrpc.Client
	batchDelay time.Duration
	log        *logrus.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBatchDelay overrides the inter-batch delay.
func WithBatchDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.batchDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(f *Fetcher) {
		f.log = log
	}
}

// NewFetcher creates a historical fetcher over the given client.
func NewFetcher(client *chainrpc.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     client,
		batchDelay: DefaultBatchDelay,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchRange returns gas observations covering roughly the last hoursBack
// hours, sorted ascending by timestamp with no duplicate block numbers.
//
// A single failed or fee-less block is skipped, never retried; only the
// initial latest-block lookup is fatal. Within a batch all fetches run
// concurrently; between batches the fetcher sleeps batchDelay.
func (f *Fetcher) FetchRange(ctx context.Context, hoursBack float64) ([]types.GasObservation, error) {
	latest, err := f.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}

	plan, err := PlanRange(latest, hoursBack)
	if err != nil {
		return nil, err
	}

	blocks := plan.Blocks()
	f.log.WithFields(logrus.Fields{
		"hours":    hoursBack,
		"latest":   plan.LatestBlock,
		"samples":  plan.SampleCount,
		"interval": plan.SampleInterval,
	}).Debug("Sampling plan computed")

	var (
		mu      sync.Mutex
		series  []types.GasObservation
		skipped int
	)

	for i := 0; i < len(blocks); i += plan.BatchSize {
		end := i + plan.BatchSize
		if end > len(blocks) {
			end = len(blocks)
		}

		var wg sync.WaitGroup
		for _, number := range blocks[i:end] {
			wg.Add(1)
			go func(number uint64) {
				defer wg.Done()

				block, err := f.client.BlockByNumber(ctx, number)
				if err != nil {
					mu.Lock()
					skipped++
					mu.Unlock()
					return
				}
				obs, err := block.Observation()
				if err != nil {
					mu.Lock()
					skipped++
					mu.Unlock()
					return
				}

				mu.Lock()
				series = append(series, obs)
				mu.Unlock()
			}(number)
		}
		wg.Wait()

		// Throttle between batches, but not after the last one.
		if end < len(blocks) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.batchDelay):
			}
		}
	}

	if skipped > 0 {
		f.log.WithField("skipped", skipped).Debug("Blocks skipped during historical fetch")
	}

	sort.Slice(series, func(i, j int) bool {
		return series[i].Timestamp < series[j].Timestamp
	})

	return dedupeByBlock(series), nil
}

// dedupeByBlock removes repeated block numbers from a sorted series, keeping
// the first occurrence.
func dedupeByBlock(series []types.GasObservation) []types.GasObservation {
	seen := make(map[uint64]struct{}, len(series))
	out := series[:0]
	for _, obs := range series {
		if _, dup := seen[obs.BlockNumber]; dup {
			continue
		}
		seen[obs.BlockNumber] = struct{}{}
		out = append(out, obs)
	}
	return out
}
