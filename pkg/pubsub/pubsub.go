// Package pubsub is the in-process bus the committer publishes index
// notifications on.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 1024

// ErrShutdown is returned when subscribing to a bus that was shut down.
var ErrShutdown = errors.New("pubsub is shut down")

// Options configures a PubSub.
type Options struct {
	BufferSize int
	Logger     logging.Logger
}

type topicSubs = xsync.MapOf[*Subscription, struct{}]

// PubSub fans messages out to topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the message and it is counted as
// dropped.
type PubSub struct {
	topics     *xsync.MapOf[string, *topicSubs]
	bufferSize int
	logger     logging.Logger

	dropped    atomic.Uint64
	published  atomic.Uint64
	shutdown   chan struct{}
	isShutdown atomic.Bool
}

// Subscription represents a subscription to a topic
type Subscription struct {
	topic   string
	channel chan any
	ps      *PubSub
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPubSub creates a new PubSub instance
func NewPubSub(opts Options) *PubSub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &PubSub{
		topics:     xsync.NewMapOf[string, *topicSubs](),
		bufferSize: opts.BufferSize,
		logger:     logging.OrDefault(opts.Logger).With(logging.Component("pubsub")),
		shutdown:   make(chan struct{}),
	}
}

// Subscribe creates a subscription that ends when ctx is cancelled.
func (ps *PubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if ps.isShutdown.Load() {
		return nil, ErrShutdown
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		topic:   topic,
		channel: make(chan any, ps.bufferSize),
		ps:      ps,
		cancel:  cancel,
	}
	subs, _ := ps.topics.LoadOrCompute(topic, func() *topicSubs {
		return xsync.NewMapOf[*Subscription, struct{}]()
	})
	subs.Store(sub, struct{}{})

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-ps.shutdown:
			sub.close()
		}
	}()

	return sub, nil
}

// Publish sends message to every subscriber of topic.
func (ps *PubSub) Publish(topic string, message any) {
	if ps.isShutdown.Load() {
		return
	}
	subs, ok := ps.topics.Load(topic)
	if !ok {
		return
	}
	ps.published.Add(1)
	subs.Range(func(sub *Subscription, _ struct{}) bool {
		if sub.send(message) {
			return true
		}
		// log at powers of two so a stuck subscriber cannot flood the log
		if n := ps.dropped.Add(1); n&(n-1) == 0 {
			ps.logger.Warn("subscriber too slow, dropping messages",
				logging.String("topic", topic), logging.Uint64("dropped", n))
		}
		return true
	})
}

// SubscriberCount returns the number of subscribers for a topic
func (ps *PubSub) SubscriberCount(topic string) int {
	subs, ok := ps.topics.Load(topic)
	if !ok {
		return 0
	}
	return subs.Size()
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (ps *PubSub) Dropped() uint64 { return ps.dropped.Load() }

// Published returns how many messages reached at least a topic with
// subscribers.
func (ps *PubSub) Published() uint64 { return ps.published.Load() }

// Shutdown closes all subscriptions and shuts down the PubSub
func (ps *PubSub) Shutdown() {
	if !ps.isShutdown.CompareAndSwap(false, true) {
		return
	}
	close(ps.shutdown)
	ps.topics.Range(func(topic string, subs *topicSubs) bool {
		subs.Range(func(sub *Subscription, _ struct{}) bool {
			sub.close()
			return true
		})
		ps.topics.Delete(topic)
		return true
	})
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Channel returns the subscription's message channel
func (s *Subscription) Channel() <-chan any {
	return s.channel
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe() {
	s.cancel()
	if subs, ok := s.ps.topics.Load(s.topic); ok {
		subs.Delete(s)
	}
	s.close()
}

func (s *Subscription) send(message any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.channel <- message:
		return true
	default:
		return false
	}
}

// close closes the subscription channel safely (idempotent)
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.channel)
	}
}
