// Package subsvc tracks the recipients of motion batches.
package subsvc

import (
	"context"

	"github.com/google/uuid"
	"github.com/neuroplastio/mousetrail/pkg/bus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Subscriber is one connected recipient. Send may block on network I/O.
type Subscriber interface {
	ID() uuid.UUID
	Send(ctx context.Context, msg []byte) error
	Close() error
}

type (
	EventType uint8
	Event     struct {
		ID    uuid.UUID
		Count int
	}
	EventBus = bus.Bus[EventType, Event]
)

const (
	Connected EventType = iota
	Disconnected
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

type Registry struct {
	log     *zap.Logger
	members *xsync.MapOf[uuid.UUID, Subscriber]
	count   *atomic.Int64
	events  *EventBus
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		members: xsync.NewMapOf[uuid.UUID, Subscriber](),
		count:   atomic.NewInt64(0),
		events:  bus.NewBus[EventType, Event](log.Named("events")),
	}
}

// Register adds sub and returns the number of registered subscribers.
func (r *Registry) Register(sub Subscriber) int {
	if _, loaded := r.members.LoadOrStore(sub.ID(), sub); loaded {
		return int(r.count.Load())
	}
	n := int(r.count.Inc())
	r.events.Publish(Connected, Event{ID: sub.ID(), Count: n})
	return n
}

// Unregister removes sub. It reports false if sub was not registered.
func (r *Registry) Unregister(sub Subscriber) bool {
	if _, loaded := r.members.LoadAndDelete(sub.ID()); !loaded {
		return false
	}
	n := int(r.count.Dec())
	r.events.Publish(Disconnected, Event{ID: sub.ID(), Count: n})
	return true
}

// Snapshot returns the current members. No lock is held once it returns, so callers may
// block on delivery while others register or leave.
func (r *Registry) Snapshot() []Subscriber {
	subs := make([]Subscriber, 0, r.members.Size())
	r.members.Range(func(_ uuid.UUID, sub Subscriber) bool {
		subs = append(subs, sub)
		return true
	})
	return subs
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Events streams connect and disconnect notifications until ctx is done.
func (r *Registry) Events(ctx context.Context) <-chan bus.Message[EventType, Event] {
	return r.events.Subscribe(ctx)
}
