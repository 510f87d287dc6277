package bus

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Subscriber[K key, M message] func(ctx context.Context) <-chan Message[K, M]

const defaultBufferSize = 64

// Bus fans messages out to subscribers without blocking the publisher.
// A subscriber that does not keep up loses messages; the publisher never waits.
type Bus[K key, M message] struct {
	log        *zap.Logger
	bufferSize int

	// closing guards subscriber channels from being closed mid-publish
	closing sync.RWMutex

	keySubs    *xsync.MapOf[K, map[chan Message[K, M]]struct{}]
	globalSubs *xsync.MapOf[chan Message[K, M], struct{}]
}

func NewBus[K key, M message](logger *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:        logger,
		bufferSize: defaultBufferSize,
		keySubs:    xsync.NewMapOf[K, map[chan Message[K, M]]struct{}](),
		globalSubs: xsync.NewMapOf[chan Message[K, M], struct{}](),
	}
}

func (b *Bus[K, M]) Publish(key K, msg M) {
	m := Message[K, M]{key, msg}
	b.closing.RLock()
	defer b.closing.RUnlock()
	b.globalSubs.Range(func(sub chan Message[K, M], _ struct{}) bool {
		b.deliver(sub, m)
		return true
	})
	// Compute holds the bucket lock so the subscriber set can't change under us.
	b.keySubs.Compute(key, func(val map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
		for sub := range val {
			b.deliver(sub, m)
		}
		return val, !ok
	})
}

func (b *Bus[K, M]) deliver(sub chan Message[K, M], m Message[K, M]) {
	select {
	case sub <- m:
	default:
		b.log.Warn("Dropping bus message; subscriber is lagging", zap.Any("key", m.Key))
	}
}

func (b *Bus[K, M]) CreateSubscriber(key ...K) Subscriber[K, M] {
	return func(ctx context.Context) <-chan Message[K, M] {
		return b.Subscribe(ctx, key...)
	}
}

// Subscribe returns a channel receiving messages for the given keys, or all messages when no key is given.
// The channel is closed once ctx is done.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	ch := make(chan Message[K, M], b.bufferSize)
	if len(key) == 0 {
		b.globalSubs.Store(ch, struct{}{})
		go func() {
			<-ctx.Done()
			b.closing.Lock()
			defer b.closing.Unlock()
			b.globalSubs.Delete(ch)
			close(ch)
		}()
		return ch
	}
	for _, k := range key {
		b.keySubs.Compute(k, func(val map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
			if !ok {
				val = make(map[chan Message[K, M]]struct{}, 4)
			}
			val[ch] = struct{}{}
			return val, false
		})
	}
	go func() {
		<-ctx.Done()
		b.closing.Lock()
		defer b.closing.Unlock()
		for _, k := range key {
			b.keySubs.Compute(k, func(val map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
				delete(val, ch)
				return val, len(val) == 0
			})
		}
		close(ch)
	}()
	return ch
}
