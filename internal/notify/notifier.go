package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"modelplane/internal/instance"
	"modelplane/internal/logger"
	"modelplane/internal/metrics"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the per-subscription event buffer.
// A subscription whose buffer is full when an event arrives is dropped.
const DefaultBufferSize = 64

var (
	// ErrSubscriberOverrun terminates a subscription that could not keep up
	ErrSubscriberOverrun = errors.New("subscriber too slow")

	// ErrHubClosed terminates subscriptions when the hub shuts down
	ErrHubClosed = errors.New("notifier closed")
)

// Event is one committed mutation. Instance is shared between
// subscribers and must be treated as read-only.
type Event struct {
	Kind     instance.ChangeKind     `json:"type"`
	Instance *instance.ModelInstance `json:"data"`
	Sequence uint64                  `json:"sequence"`
}

// Subscription is a filtered view of the event stream
type Subscription struct {
	id     uint64
	filter instance.Filter
	start  uint64
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	err    error
	hub    *Hub
}

// Events yields matching events in publish order. It is never closed;
// select on Done to observe termination.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed once the subscription is terminated for any reason
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription terminated: nil when cancelled by its
// owner, ErrSubscriberOverrun or ErrHubClosed otherwise. Only meaningful
// after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// StartSequence is the first sequence number this subscription can receive
func (s *Subscription) StartSequence() uint64 {
	return s.start
}

// Cancel removes the subscription. Safe to call more than once and
// concurrently with Publish.
func (s *Subscription) Cancel() {
	s.hub.remove(s, nil)
}

func (s *Subscription) terminate(err error) bool {
	first := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		first = true
	})
	return first
}

// Hub fans committed mutations out to subscriptions.
// Publish is serialized so every subscription sees events in sequence
// order; delivery never blocks on a subscriber.
type Hub struct {
	logger     *logger.Logger
	metrics    *metrics.Metrics
	bufferSize int

	// mu orders publishes and guards registration against Close
	mu     sync.Mutex
	seq    atomic.Uint64
	closed bool

	subscriptions *xsync.MapOf[uint64, *Subscription]
	nextID        atomic.Uint64
}

// NewHub creates a new change notification hub
func NewHub(bufferSize int, log *logger.Logger, m *metrics.Metrics) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:        log,
		metrics:       m,
		bufferSize:    bufferSize,
		subscriptions: xsync.NewMapOf[uint64, *Subscription](),
	}
}

// Publish assigns the next sequence number to the mutation and delivers it
// to every matching subscription.
func (h *Hub) Publish(kind instance.ChangeKind, m *instance.ModelInstance) {
	started := time.Now()
	ev := Event{Kind: kind, Instance: m.Clone()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	ev.Sequence = h.seq.Add(1)

	var overrun []*Subscription
	h.subscriptions.Range(func(_ uint64, sub *Subscription) bool {
		if !sub.filter.Match(ev.Instance) {
			return true
		}
		select {
		case sub.ch <- ev:
		default:
			// drop under the lock so no later event reaches it past the gap
			if h.remove(sub, ErrSubscriberOverrun) {
				overrun = append(overrun, sub)
			}
		}
		return true
	})
	h.mu.Unlock()

	for _, sub := range overrun {
		h.metrics.SubscriberOverruns.Inc()
		h.logger.WithFields(logrus.Fields{
			"subscription": sub.id,
			"filter":       sub.filter.String(),
			"sequence":     ev.Sequence,
		}).Warn("Subscriber too slow, dropping subscription")
	}

	h.metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	h.metrics.PublishDuration.Observe(time.Since(started).Seconds())
}

// Subscribe registers a new subscription and returns immediately
func (h *Hub) Subscribe(filter instance.Filter) *Subscription {
	sub := &Subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, h.bufferSize),
		done:   make(chan struct{}),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub.start = h.seq.Load() + 1
	if h.closed {
		sub.terminate(ErrHubClosed)
		return sub
	}

	h.subscriptions.Store(sub.id, sub)
	h.metrics.SubscriptionsActive.Inc()

	h.logger.WithFields(logrus.Fields{
		"subscription": sub.id,
		"filter":       filter.String(),
		"start_seq":    sub.start,
	}).Debug("Subscription registered")

	return sub
}

// OnChange calls fn for every matching event from a dedicated goroutine
// until the returned cancel function is called. A callback that falls
// behind is resubscribed after its buffered events are delivered; the
// events published in between are skipped and logged as a gap.
func (h *Hub) OnChange(filter instance.Filter, fn func(Event)) (cancel func()) {
	c := &changeHandler{hub: h, filter: filter, fn: fn}
	c.sub = h.Subscribe(filter)
	go c.run(c.sub)
	return c.cancel
}

type changeHandler struct {
	hub    *Hub
	filter instance.Filter
	fn     func(Event)

	mu      sync.Mutex
	sub     *Subscription
	stopped bool
}

func (c *changeHandler) run(sub *Subscription) {
	var last uint64
	for {
		select {
		case ev := <-sub.Events():
			c.fn(ev)
			last = ev.Sequence
			continue
		case <-sub.Done():
		}

		for n := len(sub.Events()); n > 0; n-- {
			ev := <-sub.Events()
			c.fn(ev)
			last = ev.Sequence
		}
		if !errors.Is(sub.Err(), ErrSubscriberOverrun) {
			return
		}

		if sub = c.resubscribe(); sub == nil {
			return
		}
		c.hub.logger.WithFields(logrus.Fields{
			"filter":        c.filter.String(),
			"last_sequence": last,
			"resume_seq":    sub.StartSequence(),
		}).Warn("Change callback fell behind, events skipped")
	}
}

func (c *changeHandler) resubscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.sub = c.hub.Subscribe(c.filter)
	return c.sub
}

func (c *changeHandler) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.sub.Cancel()
}

// Sequence returns the last assigned sequence number, 0 before any publish
func (h *Hub) Sequence() uint64 {
	return h.seq.Load()
}

// Len returns the number of live subscriptions
func (h *Hub) Len() int {
	return h.subscriptions.Size()
}

// Close terminates every subscription; later subscriptions are born closed
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.subscriptions.Range(func(_ uint64, sub *Subscription) bool {
		h.remove(sub, ErrHubClosed)
		return true
	})
	h.logger.Info("Change notifier closed")
}

// remove unregisters sub and terminates it with err. It reports whether
// this call was the one that terminated the subscription.
func (h *Hub) remove(sub *Subscription, err error) bool {
	if _, loaded := h.subscriptions.LoadAndDelete(sub.id); loaded {
		h.metrics.SubscriptionsActive.Dec()
	}
	return sub.terminate(err)
}
