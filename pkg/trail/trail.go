package trail

import (
	"context"
	"fmt"

	"github.com/neuroplastio/mousetrail/internal/broadcast"
	"github.com/neuroplastio/mousetrail/internal/capturesvc"
	"github.com/neuroplastio/mousetrail/internal/capturesvc/rawinput"
	"github.com/neuroplastio/mousetrail/internal/motion"
	"github.com/neuroplastio/mousetrail/internal/streamsvc"
	"github.com/neuroplastio/mousetrail/internal/subsvc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Trail wires raw input capture to the WebSocket broadcaster.
type Trail struct {
	config Config
	log    *zap.Logger

	deltas     *motion.Aggregator
	registry   *subsvc.Registry
	capture    *capturesvc.Engine
	dispatcher *broadcast.Dispatcher
	stream     *streamsvc.Service
}

type trailOptions struct {
	log     *zap.Logger
	backend capturesvc.Backend
}

type Option func(*trailOptions)

// WithLogger replaces the console logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *trailOptions) {
		o.log = log
	}
}

// WithBackend replaces the platform raw input backend.
func WithBackend(backend capturesvc.Backend) Option {
	return func(o *trailOptions) {
		o.backend = backend
	}
}

func NewTrail(config Config, opts ...Option) (*Trail, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var options trailOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.log
	if logger == nil {
		loggerConfig := zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		var err error
		logger, err = loggerConfig.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	backend := options.backend
	if backend == nil {
		backend = rawinput.NewBackend(logger.Named("rawinput"))
	}

	deltas := motion.NewAggregator(config.BufferCapacity)
	registry := subsvc.NewRegistry(logger.Named("subscribers"))
	capture := capturesvc.New(logger.Named("capture"), deltas, backend,
		capturesvc.WithPollInterval(config.PollInterval))
	dispatcher := broadcast.New(logger.Named("broadcast"), deltas, registry,
		broadcast.WithTickInterval(config.TickInterval),
		broadcast.WithSendTimeout(config.SendTimeout))
	stream := streamsvc.New(logger.Named("stream"), registry,
		streamsvc.WithHost(config.Host),
		streamsvc.WithPort(config.Port))

	return &Trail{
		config:     config,
		log:        logger,
		deltas:     deltas,
		registry:   registry,
		capture:    capture,
		dispatcher: dispatcher,
		stream:     stream,
	}, nil
}

func (t *Trail) Close() error {
	_ = t.log.Sync()
	return nil
}

// Run serves subscribers and captures motion until ctx is cancelled.
// Failing to start raw input is reported but does not stop the server;
// failing to listen does.
func (t *Trail) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	// subscribe before the server accepts anyone so no connect is missed
	events := t.registry.Events(groupCtx)
	group.Go(func() error {
		return t.stream.Start(groupCtx)
	})
	group.Go(func() error {
		return t.dispatcher.Start(groupCtx)
	})
	group.Go(func() error {
		t.runCapture(groupCtx)
		return nil
	})
	group.Go(func() error {
		for msg := range events {
			t.log.Info("Client "+msg.Key.String(), zap.Int("total", msg.Message.Count))
		}
		return nil
	})

	err := group.Wait()
	t.logStats()
	if err != nil {
		return fmt.Errorf("mousetrail failed: %w", err)
	}
	return nil
}

func (t *Trail) runCapture(ctx context.Context) {
	err := t.capture.Start(ctx)
	switch {
	case err == nil:
	case capturesvc.IsUnsupported(err):
		t.log.Warn("Raw input is not available on this platform; serving without motion")
	default:
		t.log.Error("Raw input capture failed; serving without motion", zap.Error(err))
	}
}

func (t *Trail) logStats() {
	captured := t.capture.Stats()
	sent := t.dispatcher.Stats()
	t.log.Info("Stopped",
		zap.Uint64("reports", captured.Reports),
		zap.Uint64("accepted", captured.Accepted),
		zap.Uint64("zero", captured.Zero),
		zap.Uint64("rejected", captured.Rejected),
		zap.Uint64("evicted", t.deltas.Evicted()),
		zap.Uint64("batches", sent.Batches),
		zap.Uint64("deliveries", sent.Deliveries),
		zap.Uint64("failedDeliveries", sent.Failures),
	)
}

// Stream exposes the WebSocket service, mainly for its Ready channel and URL.
func (t *Trail) Stream() *streamsvc.Service {
	return t.stream
}

// Capture exposes the capture engine.
func (t *Trail) Capture() *capturesvc.Engine {
	return t.capture
}
