package trail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neuroplastio/mousetrail/internal/capturesvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedBackend struct {
	mu      sync.Mutex
	openErr error
	pending []capturesvc.Report
}

func (s *scriptedBackend) Open() error {
	return s.openErr
}

func (s *scriptedBackend) Pump(emit func(capturesvc.Report)) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range pending {
		emit(r)
	}
	return nil
}

func (s *scriptedBackend) Close() error {
	return nil
}

func (s *scriptedBackend) push(r ...capturesvc.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, r...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

func startTrail(t *testing.T, backend capturesvc.Backend, log *zap.Logger) (*Trail, context.CancelFunc, <-chan error) {
	t.Helper()
	tr, err := NewTrail(testConfig(), WithLogger(log), WithBackend(backend))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	select {
	case <-tr.Stream().Ready():
	case <-time.After(time.Second):
		t.Fatal("stream server did not start")
	}
	return tr, cancel, done
}

func dial(t *testing.T, tr *Trail) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tr.Stream().URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTrailDeliversToEverySubscriber(t *testing.T) {
	backend := &scriptedBackend{}
	tr, _, _ := startTrail(t, backend, zap.NewNop())
	<-tr.Capture().Ready()

	a, b := dial(t, tr), dial(t, tr)
	require.Eventually(t, func() bool {
		return tr.registry.Len() == 2
	}, time.Second, time.Millisecond)

	backend.push(
		capturesvc.Report{DeviceType: capturesvc.DeviceTypeMouse},
		capturesvc.Report{DeviceType: capturesvc.DeviceTypeMouse, Flags: capturesvc.MouseMoveAbsolute, DX: 100, DY: 100},
		capturesvc.Report{DeviceType: capturesvc.DeviceTypeMouse, DX: 3, DY: -2},
	)
	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"deltas":[[3,-2]]}`, string(msg))
	}
}

func TestTrailReportsClientsAndCaptureFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	backend := &scriptedBackend{openErr: &capturesvc.StepError{Step: "CreateWindowEx", Code: 1407}}
	tr, cancel, done := startTrail(t, backend, zap.New(core))

	conn := dial(t, tr)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Client connected").Len() == 1
	}, time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Client disconnected").Len() == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Raw input capture failed; serving without motion").Len() == 1
	}, time.Second, time.Millisecond)
	failures := logs.FilterMessage("Raw input capture failed; serving without motion").All()
	assert.Contains(t, fmt.Sprint(failures[0].ContextMap()["error"]), "CreateWindowEx failed: error code 1407")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("trail did not stop")
	}
	assert.Equal(t, 1, logs.FilterMessage("Stopped").Len())
}

func TestTrailUnsupportedPlatform(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	backend := &scriptedBackend{openErr: fmt.Errorf("raw input: %w", errors.ErrUnsupported)}
	startTrail(t, backend, zap.New(core))

	require.Eventually(t, func() bool {
		return logs.FilterLevelExact(zapcore.WarnLevel).Len() == 1
	}, time.Second, time.Millisecond)
}

func TestTrailListenFailureStopsRun(t *testing.T) {
	first, _, _ := startTrail(t, &scriptedBackend{}, zap.NewNop())

	cfg := testConfig()
	cfg.Port = first.Stream().Addr().(*net.TCPAddr).Port
	second, err := NewTrail(cfg, WithLogger(zap.NewNop()), WithBackend(&scriptedBackend{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- second.Run(context.Background())
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to listen")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not fail")
	}
}

func TestNewTrailValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 70000
	_, err := NewTrail(cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.BufferCapacity = 0
	_, err = NewTrail(cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
}
