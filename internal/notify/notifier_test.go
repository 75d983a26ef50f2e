package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelplane/internal/instance"
	"modelplane/internal/logger"
	"modelplane/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(bufferSize int) *Hub {
	return NewHub(bufferSize, logger.Discard(), metrics.NewNoop())
}

func mi(id, model, worker string, state instance.State) *instance.ModelInstance {
	return &instance.ModelInstance{ID: id, ModelID: model, WorkerID: worker, State: state}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s seq=%d", ev.Kind, ev.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BasicSubscribePublish(t *testing.T) {
	hub := newTestHub(8)

	sub := hub.Subscribe(instance.Filter{})
	defer sub.Cancel()
	assert.Equal(t, uint64(1), sub.StartSequence())

	hub.Publish(instance.Added, mi("1", "m1", "", instance.StatePending))

	ev := recv(t, sub)
	assert.Equal(t, instance.Added, ev.Kind)
	assert.Equal(t, "1", ev.Instance.ID)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, uint64(1), hub.Sequence())
}

func TestHub_PublishCopiesInstance(t *testing.T) {
	hub := newTestHub(8)
	sub := hub.Subscribe(instance.Filter{})
	defer sub.Cancel()

	m := mi("1", "m1", "", instance.StatePending)
	hub.Publish(instance.Added, m)
	m.State = instance.StateRunning

	assert.Equal(t, instance.StatePending, recv(t, sub).Instance.State)
}

func TestHub_StartSequenceAfterPublishes(t *testing.T) {
	hub := newTestHub(8)
	hub.Publish(instance.Added, mi("1", "m1", "", instance.StatePending))
	hub.Publish(instance.Added, mi("2", "m1", "", instance.StatePending))

	sub := hub.Subscribe(instance.Filter{})
	defer sub.Cancel()
	assert.Equal(t, uint64(3), sub.StartSequence())

	hub.Publish(instance.Deleted, mi("1", "m1", "", instance.StatePending))
	assert.Equal(t, uint64(3), recv(t, sub).Sequence)
}

func TestHub_Filter(t *testing.T) {
	hub := newTestHub(8)

	sub := hub.Subscribe(filterOf(t, map[instance.Field]string{
		instance.FieldWorkerID: "w1",
	}))
	defer sub.Cancel()

	hub.Publish(instance.Added, mi("1", "m1", "w2", instance.StateRunning))
	hub.Publish(instance.Added, mi("2", "m1", "w1", instance.StateRunning))

	ev := recv(t, sub)
	assert.Equal(t, "2", ev.Instance.ID)
	assert.Equal(t, uint64(2), ev.Sequence)
	assertNoEvent(t, sub)
}

func TestHub_OrderUnderConcurrentPublishers(t *testing.T) {
	const publishers = 8
	const perPublisher = 50
	hub := newTestHub(publishers * perPublisher)

	subs := []*Subscription{
		hub.Subscribe(instance.Filter{}),
		hub.Subscribe(filterOf(t, map[instance.Field]string{instance.FieldModelID: "m0"})),
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				hub.Publish(instance.Modified, mi(fmt.Sprintf("%d-%d", p, i), fmt.Sprintf("m%d", p%2), "", instance.StateRunning))
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, publishers*perPublisher, len(subs[0].Events()))
	assert.Equal(t, publishers*perPublisher/2, len(subs[1].Events()))

	for _, sub := range subs {
		var last uint64
		n := len(sub.Events())
		for i := 0; i < n; i++ {
			ev := <-sub.Events()
			assert.Greater(t, ev.Sequence, last, "events must arrive in sequence order")
			last = ev.Sequence
		}
		sub.Cancel()
	}
}

func TestHub_SlowSubscriberIsolated(t *testing.T) {
	const bufferSize = 4
	const fastCount = 3
	const total = 100

	m := metrics.NewNoop()
	hub := NewHub(bufferSize, logger.Discard(), m)

	slow := hub.Subscribe(instance.Filter{})

	type fastReader struct {
		sub      *Subscription
		received atomic.Int64
		seqs     []uint64
	}
	readers := make([]*fastReader, fastCount)
	var wg sync.WaitGroup
	for i := range readers {
		r := &fastReader{sub: hub.Subscribe(instance.Filter{})}
		readers[i] = r
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case ev := <-r.sub.Events():
					r.seqs = append(r.seqs, ev.Sequence)
					r.received.Add(1)
				case <-r.sub.Done():
					return
				}
			}
		}()
	}

	var worst time.Duration
	for i := 1; i <= total; i++ {
		started := time.Now()
		hub.Publish(instance.Modified, mi("x", "m1", "", instance.StateRunning))
		if d := time.Since(started); d > worst {
			worst = d
		}

		// pace on the fast readers only
		require.Eventually(t, func() bool {
			for _, r := range readers {
				if r.received.Load() < int64(i) {
					return false
				}
			}
			return true
		}, time.Second, time.Millisecond)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscription should have been dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrSubscriberOverrun)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriberOverruns))
	assert.Less(t, worst, 100*time.Millisecond, "publish latency must stay bounded")

	for _, r := range readers {
		r.sub.Cancel()
	}
	wg.Wait()

	for _, r := range readers {
		require.Len(t, r.seqs, total)
		for i, seq := range r.seqs {
			assert.Equal(t, uint64(i+1), seq)
		}
		assert.NoError(t, r.sub.Err())
	}
	assert.Equal(t, 0, hub.Len())
}

func TestHub_OverrunDropsOnlyOnce(t *testing.T) {
	hub := newTestHub(1)
	sub := hub.Subscribe(instance.Filter{})

	hub.Publish(instance.Added, mi("1", "m", "", instance.StatePending))
	hub.Publish(instance.Added, mi("2", "m", "", instance.StatePending))

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSubscriberOverrun)

	// draining the buffer must not revive it
	assert.Equal(t, "1", recv(t, sub).Instance.ID)
	hub.Publish(instance.Added, mi("3", "m", "", instance.StatePending))
	assertNoEvent(t, sub)

	sub.Cancel()
	assert.ErrorIs(t, sub.Err(), ErrSubscriberOverrun)
}

func TestHub_CancelIdempotent(t *testing.T) {
	hub := newTestHub(8)
	sub := hub.Subscribe(instance.Filter{})
	assert.Equal(t, 1, hub.Len())

	sub.Cancel()
	sub.Cancel()

	assert.Equal(t, 0, hub.Len())
	assert.NoError(t, sub.Err())

	hub.Publish(instance.Added, mi("1", "m", "", instance.StatePending))
	assertNoEvent(t, sub)
}

func TestHub_CancelConcurrentWithPublish(t *testing.T) {
	hub := newTestHub(2)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Publish(instance.Modified, mi("1", "m", "", instance.StateRunning))
			}
		}
	}()

	for i := 0; i < 200; i++ {
		sub := hub.Subscribe(instance.Filter{})
		go sub.Cancel()
		sub.Cancel()
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, hub.Len())
}

func TestHub_Close(t *testing.T) {
	hub := newTestHub(8)
	sub := hub.Subscribe(instance.Filter{})

	hub.Close()
	hub.Close()

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrHubClosed)

	late := hub.Subscribe(instance.Filter{})
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrHubClosed)

	hub.Publish(instance.Added, mi("1", "m", "", instance.StatePending))
	assert.Equal(t, uint64(0), hub.Sequence())
}

func TestHub_OnChange(t *testing.T) {
	hub := newTestHub(8)

	got := make(chan Event, 4)
	cancel := hub.OnChange(instance.Filter{}, func(ev Event) { got <- ev })

	hub.Publish(instance.Deleted, mi("9", "m", "", instance.StateStopped))

	select {
	case ev := <-got:
		assert.Equal(t, instance.Deleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Len())
}

func TestHub_OnChangeResubscribesAfterOverrun(t *testing.T) {
	m := metrics.NewNoop()
	hub := NewHub(2, logger.Discard(), m)

	release := make(chan struct{})
	var mu sync.Mutex
	var seqs []uint64
	seen := func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), seqs...)
	}

	cancel := hub.OnChange(instance.Filter{}, func(ev Event) {
		if ev.Sequence == 1 {
			<-release
		}
		mu.Lock()
		seqs = append(seqs, ev.Sequence)
		mu.Unlock()
	})
	defer cancel()

	for i := 0; i < 20; i++ {
		hub.Publish(instance.Added, mi(fmt.Sprintf("%d", i), "m", "", instance.StatePending))
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriberOverruns))
	close(release)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 50; i++ {
		hub.Publish(instance.Modified, mi("late", "m", "", instance.StateRunning))
		require.Eventually(t, func() bool {
			got := seen()
			return got[len(got)-1] == hub.Sequence()
		}, time.Second, time.Millisecond)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriberOverruns))

	got := seen()
	assert.Equal(t, uint64(1), got[0])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}

	cancel()
	assert.Equal(t, 0, hub.Len())
}

func TestHub_OnChangeStopsOnClose(t *testing.T) {
	hub := newTestHub(8)
	calls := make(chan Event, 1)
	cancel := hub.OnChange(instance.Filter{}, func(ev Event) { calls <- ev })

	hub.Close()
	assert.Equal(t, 0, hub.Len())
	cancel()
	assert.Empty(t, calls)
}

func filterOf(t *testing.T, terms map[instance.Field]string) instance.Filter {
	t.Helper()
	f, err := instance.NewFilter(terms)
	require.NoError(t, err)
	return f
}
