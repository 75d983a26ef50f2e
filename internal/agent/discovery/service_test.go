package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"modelplane/internal/config"
	"modelplane/internal/logger"
	"modelplane/internal/register"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus register.Resources

func (f fixedStatus) Status() register.Resources { return register.Resources(f) }

// fakeControlPlane records calls and forgets the worker on demand
type fakeControlPlane struct {
	mu         sync.Mutex
	registers  []register.RegisterRequest
	heartbeats int
	deletes    int
	known      bool
	down       bool
}

func (f *fakeControlPlane) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeControlPlane) forget() {
	f.mu.Lock()
	f.known = false
	f.mu.Unlock()
}

func (f *fakeControlPlane) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers), f.heartbeats, f.deletes
}

func (f *fakeControlPlane) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/workers", func(w http.ResponseWriter, r *http.Request) {
		var req register.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		if f.down {
			f.mu.Unlock()
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		f.registers = append(f.registers, req)
		f.known = true
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(register.Worker{ID: req.ID, IP: req.IP, Port: req.Port})
	}).Methods("POST")
	r.HandleFunc("/v1/workers/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heartbeats++
		if !f.known {
			http.Error(w, "worker not found", http.StatusNotFound)
			return
		}
		w.Write([]byte("{}"))
	}).Methods("POST")
	r.HandleFunc("/v1/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")
	return r
}

func newService(t *testing.T, serverURL string) *Service {
	t.Helper()
	s, err := New(config.WorkerConfig{
		NodeID:    "w1",
		NodeName:  "node-1",
		IP:        "10.0.0.7",
		Port:      10150,
		ServerURL: serverURL + "/",
		Heartbeat: 10 * time.Millisecond,
	}, map[string]string{"zone": "a"}, fixedStatus{CPU: 8, GPU: 2}, logger.Discard())
	require.NoError(t, err)
	return s
}

func TestService_RegisterHeartbeatUnregister(t *testing.T) {
	cp := &fakeControlPlane{}
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	s := newService(t, srv.URL)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Registered())

	regs, _, _ := cp.counts()
	require.Equal(t, 1, regs)
	cp.mu.Lock()
	req := cp.registers[0]
	cp.mu.Unlock()
	assert.Equal(t, "w1", req.ID)
	assert.Equal(t, "10.0.0.7", req.IP)
	assert.Equal(t, 10150, req.Port)
	assert.Equal(t, 8, req.Status.CPU)
	assert.Equal(t, "a", req.Labels["zone"])

	require.Eventually(t, func() bool {
		_, hb, _ := cp.counts()
		return hb >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	_, _, deletes := cp.counts()
	assert.Equal(t, 1, deletes)
	assert.False(t, s.Registered())
}

func TestService_ReregistersWhenForgotten(t *testing.T) {
	cp := &fakeControlPlane{}
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	s := newService(t, srv.URL)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	cp.forget()
	require.Eventually(t, func() bool {
		regs, _, _ := cp.counts()
		return regs >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Registered())
}

func TestService_StartRetriesRegistration(t *testing.T) {
	cp := &fakeControlPlane{down: true}
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		cp.setDown(false)
	}()

	s := newService(t, srv.URL)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.True(t, s.Registered())
	regs, _, _ := cp.counts()
	assert.Equal(t, 1, regs)
}

func TestService_HeartbeatRegistersAfterFailedStart(t *testing.T) {
	cp := &fakeControlPlane{down: true}
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	s := newService(t, srv.URL)
	s.attempts = 1
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.False(t, s.Registered())

	cp.setDown(false)
	require.Eventually(t, s.Registered, 2*time.Second, 5*time.Millisecond)
}

func TestNew_RequiresServerURL(t *testing.T) {
	_, err := New(config.WorkerConfig{NodeID: "w1"}, nil, fixedStatus{}, logger.Discard())
	assert.Error(t, err)
}
