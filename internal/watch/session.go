package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"modelplane/internal/instance"
	"modelplane/internal/logger"
	"modelplane/internal/metrics"
	"modelplane/internal/notify"

	"github.com/sirupsen/logrus"
)

// State 会话状态
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sink receives the session's events. A Send error ends the session.
type Sink interface {
	Send(ev notify.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev notify.Event) error

// Send implements Sink
func (f SinkFunc) Send(ev notify.Event) error {
	return f(ev)
}

// Session 一个客户端的监听会话: a snapshot followed by live changes
type Session struct {
	filter      instance.Filter
	snapshot    []*instance.ModelInstance
	snapshotSeq uint64
	sub         *notify.Subscription

	logger  *logrus.Entry
	metrics *metrics.Metrics

	state     atomic.Int32
	closeOnce sync.Once
}

// Open reads the snapshot and subscribes. A snapshot failure is returned
// before anything is emitted or registered.
func Open(ctx context.Context, finder instance.Finder, hub *notify.Hub, filter instance.Filter, log *logger.Logger, m *metrics.Metrics) (*Session, error) {
	s := &Session{
		filter:  filter,
		metrics: m,
	}
	s.state.Store(int32(StateOpening))

	s.snapshotSeq = hub.Sequence()
	items, err := finder.FindAll(ctx, filter)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	s.snapshot = items

	s.sub = hub.Subscribe(filter)
	s.logger = log.WithFields(logrus.Fields{
		"filter":       filter.String(),
		"snapshot":     len(items),
		"snapshot_seq": s.snapshotSeq,
		"start_seq":    s.sub.StartSequence(),
	})
	m.WatchSessionsActive.Inc()
	s.logger.Debug("Watch session opened")

	return s, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run streams the snapshot as ADDED events, then live events, into sink.
// It returns nil when ctx is cancelled or the hub shuts down,
// notify.ErrSubscriberOverrun when the session fell behind, or the sink's
// error. The subscription is released on every path.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	defer s.Close()

	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateStreaming)) {
		return fmt.Errorf("watch session already %s", s.State())
	}

	for _, m := range s.snapshot {
		if ctx.Err() != nil {
			return s.finish(nil)
		}
		ev := notify.Event{Kind: instance.Added, Instance: m, Sequence: s.snapshotSeq}
		if err := s.send(sink, ev); err != nil {
			return s.finish(err)
		}
	}
	s.snapshot = nil

	for {
		select {
		case <-ctx.Done():
			return s.finish(nil)

		case ev := <-s.sub.Events():
			if err := s.send(sink, ev); err != nil {
				return s.finish(err)
			}

		case <-s.sub.Done():
			s.state.Store(int32(StateDraining))
			if err := s.drain(ctx, sink); err != nil {
				return s.finish(err)
			}
			if errors.Is(s.sub.Err(), notify.ErrSubscriberOverrun) {
				return s.finish(notify.ErrSubscriberOverrun)
			}
			return s.finish(nil)
		}
	}
}

// drain delivers what was buffered before the subscription ended
func (s *Session) drain(ctx context.Context, sink Sink) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case ev := <-s.sub.Events():
			if err := s.send(sink, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) send(sink Sink, ev notify.Event) error {
	if !s.filter.Match(ev.Instance) {
		return nil
	}
	if err := sink.Send(ev); err != nil {
		return err
	}
	s.metrics.WatchEventsSent.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

func (s *Session) finish(err error) error {
	if err != nil {
		s.state.Store(int32(StateFailed))
		s.logger.WithError(err).Warn("Watch session terminated")
		return err
	}
	s.state.Store(int32(StateClosed))
	s.logger.Debug("Watch session closed")
	return nil
}

// Close releases the subscription. Safe to call more than once; a session
// that never ran ends up closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sub.Cancel()
		s.metrics.WatchSessionsActive.Dec()
		s.state.CompareAndSwap(int32(StateOpening), int32(StateClosed))
	})
}
