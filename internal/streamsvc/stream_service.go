// Package streamsvc serves the WebSocket endpoint visualization clients connect to.
package streamsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neuroplastio/mousetrail/internal/subsvc"
	"go.uber.org/zap"
)

const DefaultPort = 8765

var defaultOptions = serviceOptions{
	host:            "localhost",
	port:            DefaultPort,
	shutdownTimeout: 2 * time.Second,
}

type serviceOptions struct {
	host            string
	port            int
	shutdownTimeout time.Duration
}

type Option func(*serviceOptions)

func WithHost(host string) Option {
	return func(o *serviceOptions) {
		o.host = host
	}
}

// WithPort sets the listening port. Port 0 picks a free port.
func WithPort(port int) Option {
	return func(o *serviceOptions) {
		o.port = port
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.shutdownTimeout = d
	}
}

type Service struct {
	log      *zap.Logger
	options  serviceOptions
	registry *subsvc.Registry
	upgrader websocket.Upgrader

	ready chan struct{}
	addr  net.Addr
}

func New(log *zap.Logger, registry *subsvc.Registry, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:      log,
		options:  options,
		registry: registry,
		upgrader: websocket.Upgrader{
			// Overlays are loaded from file:// or browser-source origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Only valid after Ready.
func (s *Service) Addr() net.Addr {
	return s.addr
}

// URL returns the address clients should dial. Only valid after Ready.
func (s *Service) URL() string {
	_, port, _ := net.SplitHostPort(s.addr.String())
	return fmt.Sprintf("ws://%s/", net.JoinHostPort(s.options.host, port))
}

func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.options.host, strconv.Itoa(s.options.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = listener.Addr()

	server := &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	close(s.ready)
	s.log.Info("Stream server listening", zap.String("url", s.URL()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("stream server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.shutdownTimeout)
	defer cancel()
	// Shutdown does not wait for hijacked connections; close them so their read loops exit.
	for _, sub := range s.registry.Snapshot() {
		sub.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down stream server: %w", err)
	}
	return nil
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("failed to upgrade connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	sub := newConnection(conn)
	defer s.disconnect(sub)

	if !sub.lifecycle.Transition(subsvc.StateActive) {
		return
	}
	count := s.registry.Register(sub)
	s.log.Debug("Client connected", zap.Stringer("id", sub.ID()), zap.String("remote", r.RemoteAddr), zap.Int("total", count))

	// Inbound messages are ignored; reading is how a close or a broken peer is noticed.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("connection read failed", zap.Stringer("id", sub.ID()), zap.Error(err))
			}
			return
		}
	}
}

func (s *Service) disconnect(sub *connection) {
	sub.Close()
	if !sub.lifecycle.Transition(subsvc.StateRemoved) {
		return
	}
	s.registry.Unregister(sub)
	s.log.Debug("Client disconnected", zap.Stringer("id", sub.ID()), zap.Int("total", s.registry.Len()))
}
