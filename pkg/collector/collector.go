// Package collector polls the chain for the latest base fee on a fixed
// interval, persists live observations, and publishes each reading to
// any subscribers.
//
// A poll attempt walks the endpoint rotation at most one full cycle.
// When every endpoint is down the collector substitutes a synthetic
// observation so downstream consumers keep receiving data. Synthetic
// readings are published but never persisted; the history store holds
// only what the chain actually reported.
package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gasline/gasline/internal/types"
	"github.com/gasline/gasline/pkg/chainrpc"
	"github.com/gasline/gasline/pkg/fallback"
)

// DefaultInterval matches the upstream polling cadence.
const DefaultInterval = 15 * time.Second

// ObservationStore persists live gas observations.
type ObservationStore interface {
	Put(obs types.GasObservation) error
}

// Broadcaster publishes observations to live subscribers.
type Broadcaster interface {
	Broadcast(v interface{})
}

type Collector struct {
	client   *chainrpc.Client
	store    ObservationStore
	feed     Broadcaster
	interval time.Duration
	log      *logrus.Logger

	collected atomic.Uint64
	failures  atomic.Uint64
}

type Option func(*Collector)

func WithInterval(d time.Duration) Option {
	return func(c *Collector) { c.interval = d }
}

// WithBroadcaster attaches a live feed. Nil disables publishing.
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Collector) { c.feed = b }
}

func New(client *chainrpc.Client, store ObservationStore, log *logrus.Logger, opts ...Option) *Collector {
	c := &Collector{
		client:   client,
		store:    store,
		interval: DefaultInterval,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect fetches one observation from the chain. On endpoint failure
// it advances the rotation and retries, giving every endpoint one
// chance before reporting the chain unreachable.
func (c *Collector) Collect(ctx context.Context) (types.GasObservation, error) {
	rotor := c.client.Rotor()

	var lastErr error
	for attempt := 0; attempt < rotor.Len(); attempt++ {
		block, err := c.client.LatestBlock(ctx)
		if err != nil {
			if !chainrpc.IsUnavailable(err) {
				return types.GasObservation{}, err
			}
			c.log.WithFields(logrus.Fields{
				"endpoint": rotor.Current(),
				"error":    err,
			}).Warn("Endpoint failed, rotating")
			rotor.Advance()
			lastErr = err
			continue
		}

		obs, err := block.Observation()
		if err != nil {
			return types.GasObservation{}, err
		}
		return obs, nil
	}

	return types.GasObservation{}, fmt.Errorf("all %d endpoints failed: %w", rotor.Len(), lastErr)
}

// Run polls on the configured interval until ctx is cancelled. The
// first poll happens immediately.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.WithField("interval", c.interval).Info("Collector started")

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.WithFields(logrus.Fields{
				"collected": c.collected.Load(),
				"failures":  c.failures.Load(),
			}).Info("Collector stopped")
			return ctx.Err()
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Collector) poll(ctx context.Context) {
	obs, err := c.Collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
		obs = fallback.Observation(time.Now())
		c.log.WithError(err).Warn("Collection failed, publishing synthetic observation")
		c.publish(obs)
		return
	}

	c.collected.Add(1)
	if err := c.store.Put(obs); err != nil {
		c.log.WithError(err).Error("Failed to persist observation")
	}
	c.log.WithFields(logrus.Fields{
		"block":    obs.BlockNumber,
		"gwei":     obs.BaseFeeGwei,
		"endpoint": c.client.Rotor().Current(),
	}).Debug("Collected observation")
	c.publish(obs)
}

func (c *Collector) publish(obs types.GasObservation) {
	if c.feed != nil {
		c.feed.Broadcast(obs)
	}
}

// Stats reports lifetime poll counters.
func (c *Collector) Stats() (collected, failures uint64) {
	return c.collected.Load(), c.failures.Load()
}
