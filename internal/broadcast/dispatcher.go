// Package broadcast drains buffered motion at a fixed cadence and fans each batch out to every subscriber.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/neuroplastio/mousetrail/internal/motion"
	"github.com/neuroplastio/mousetrail/internal/subsvc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Message is the only payload sent to subscribers.
type Message struct {
	Deltas [][2]int32 `json:"deltas"`
}

func NewMessage(batch []motion.Delta) Message {
	deltas := make([][2]int32, len(batch))
	for i, d := range batch {
		deltas[i] = [2]int32{d.DX, d.DY}
	}
	return Message{Deltas: deltas}
}

var defaultOptions = dispatcherOptions{
	tickInterval: time.Second / 60,
	sendTimeout:  time.Second,
}

type dispatcherOptions struct {
	tickInterval time.Duration
	sendTimeout  time.Duration
}

type Option func(*dispatcherOptions)

func WithTickInterval(d time.Duration) Option {
	return func(o *dispatcherOptions) {
		o.tickInterval = d
	}
}

// WithSendTimeout bounds how long one tick waits on a single subscriber.
func WithSendTimeout(d time.Duration) Option {
	return func(o *dispatcherOptions) {
		o.sendTimeout = d
	}
}

type Dispatcher struct {
	log      *zap.Logger
	options  dispatcherOptions
	deltas   *motion.Aggregator
	registry *subsvc.Registry

	ticks      atomic.Uint64
	batches    atomic.Uint64
	deliveries atomic.Uint64
	failures   atomic.Uint64
}

type Stats struct {
	Ticks      uint64
	Batches    uint64
	Deliveries uint64
	Failures   uint64
}

func New(log *zap.Logger, deltas *motion.Aggregator, registry *subsvc.Registry, opts ...Option) *Dispatcher {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Dispatcher{
		log:      log,
		options:  options,
		deltas:   deltas,
		registry: registry,
	}
}

// Start ticks until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.options.tickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", d.options.tickInterval)
	}
	ticker := time.NewTicker(d.options.tickInterval)
	defer ticker.Stop()
	d.log.Info("Broadcast started", zap.Duration("tickInterval", d.options.tickInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick sends everything buffered since the previous tick to the current subscribers
// and returns the number of successful deliveries. Subscribers whose send fails are
// unregistered and closed once every send of the tick has finished.
func (d *Dispatcher) Tick(ctx context.Context) int {
	d.ticks.Inc()
	subs := d.registry.Snapshot()
	if len(subs) == 0 || d.deltas.Len() == 0 {
		return 0
	}
	batch := d.deltas.DrainAll()
	if len(batch) == 0 {
		return 0
	}
	payload, err := json.Marshal(NewMessage(batch))
	if err != nil {
		d.log.Error("failed to encode batch", zap.Error(err))
		return 0
	}
	d.batches.Inc()

	var (
		mu     sync.Mutex
		failed []subsvc.Subscriber
	)
	var group errgroup.Group
	for _, sub := range subs {
		sub := sub
		group.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.options.sendTimeout)
			defer cancel()
			if err := sub.Send(sendCtx, payload); err != nil {
				d.log.Debug("failed to send batch", zap.Stringer("subscriber", sub.ID()), zap.Error(err))
				mu.Lock()
				failed = append(failed, sub)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, sub := range failed {
		d.registry.Unregister(sub)
		if err := sub.Close(); err != nil {
			d.log.Debug("failed to close subscriber", zap.Stringer("subscriber", sub.ID()), zap.Error(err))
		}
	}
	delivered := len(subs) - len(failed)
	d.deliveries.Add(uint64(delivered))
	d.failures.Add(uint64(len(failed)))
	return delivered
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Ticks:      d.ticks.Load(),
		Batches:    d.batches.Load(),
		Deliveries: d.deliveries.Load(),
		Failures:   d.failures.Load(),
	}
}
