// Package capturesvc turns raw device reports into motion deltas on a dedicated OS thread.
package capturesvc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/neuroplastio/mousetrail/internal/motion"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DeviceTypeMouse uint32 = 0

	// MouseMoveAbsolute is the RAWMOUSE usFlags bit marking absolute coordinates.
	MouseMoveAbsolute uint16 = 0x0001
)

// Report is one decoded device report.
type Report struct {
	DeviceType uint32
	Flags      uint16
	DX         int32
	DY         int32
}

// Backend owns the platform event target. All methods are called from the
// capture thread only.
type Backend interface {
	// Open creates the event target and registers for raw mouse input.
	Open() error
	// Pump drains every pending platform event, calling emit for each mouse report.
	Pump(emit func(Report)) error
	Close() error
}

var defaultOptions = engineOptions{
	pollInterval: time.Millisecond,
}

type engineOptions struct {
	pollInterval time.Duration
}

type Option func(*engineOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		o.pollInterval = d
	}
}

type Engine struct {
	log     *zap.Logger
	options engineOptions
	backend Backend
	deltas  *motion.Aggregator
	ready   chan struct{}

	stats engineStats
}

type engineStats struct {
	reports  atomic.Uint64
	accepted atomic.Uint64
	zero     atomic.Uint64
	rejected atomic.Uint64
}

// Stats counts the reports seen by the engine.
type Stats struct {
	Reports  uint64
	Accepted uint64
	Zero     uint64
	Rejected uint64
}

func New(log *zap.Logger, deltas *motion.Aggregator, backend Backend, opts ...Option) *Engine {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Engine{
		log:     log,
		options: options,
		backend: backend,
		deltas:  deltas,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the backend is registered and capture is running.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Start runs the capture loop on the calling goroutine, locked to its OS thread,
// until ctx is done. A backend that fails to open is returned as an error.
func (e *Engine) Start(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := e.backend.Open(); err != nil {
		return fmt.Errorf("failed to open raw input: %w", err)
	}
	defer func() {
		if err := e.backend.Close(); err != nil {
			e.log.Warn("failed to close raw input", zap.Error(err))
		}
	}()
	close(e.ready)
	e.log.Info("Raw input capture started", zap.Duration("pollInterval", e.options.pollInterval))

	// The platform queue has no blocking wait that respects ctx, so poll.
	ticker := time.NewTicker(e.options.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.backend.Pump(e.HandleReport); err != nil {
				e.log.Debug("failed to pump events", zap.Error(err))
			}
		}
	}
}

// HandleReport validates one report and buffers its motion. Reports from other
// devices, absolute-mode reports and zero motion are dropped.
func (e *Engine) HandleReport(r Report) {
	e.stats.reports.Inc()
	delta, err := e.validate(r)
	switch {
	case err != nil:
		e.stats.rejected.Inc()
	case delta.IsZero():
		e.stats.zero.Inc()
	default:
		e.deltas.Append(delta)
		e.stats.accepted.Inc()
	}
}

func (e *Engine) validate(r Report) (motion.Delta, error) {
	if r.DeviceType != DeviceTypeMouse {
		return motion.Delta{}, ErrNotMouse
	}
	if r.Flags&MouseMoveAbsolute != 0 {
		return motion.Delta{}, ErrAbsoluteMotion
	}
	return motion.Delta{DX: r.DX, DY: r.DY}, nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Reports:  e.stats.reports.Load(),
		Accepted: e.stats.accepted.Load(),
		Zero:     e.stats.zero.Load(),
		Rejected: e.stats.rejected.Load(),
	}
}

// IsUnsupported reports whether err means raw input does not exist on this platform.
func IsUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
