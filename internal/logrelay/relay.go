package logrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"modelplane/internal/config"
	"modelplane/internal/instance"
	mphttp "modelplane/internal/http"
	"modelplane/internal/logger"
	"modelplane/internal/metrics"
	"modelplane/internal/register"

	"github.com/sirupsen/logrus"
)

const (
	chunkSize      = 32 * 1024
	maxReasonBytes = 4 * 1024

	modeSnapshot = "snapshot"
	modeFollow   = "follow"
)

// State 日志转发操作状态
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

// Resolver maps a worker id to its current endpoint
type Resolver interface {
	Resolve(workerID string) (register.Endpoint, error)
}

// Relay proxies model instance logs from the owning worker
type Relay struct {
	finder   instance.Finder
	resolver Resolver
	client   *mphttp.Client
	cfg      config.LogsConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// New 创建日志转发器
func New(finder instance.Finder, resolver Resolver, cfg config.LogsConfig, log *logger.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		finder:   finder,
		resolver: resolver,
		client:   mphttp.NewStreamingClient(cfg.ConnectTimeout),
		cfg:      cfg,
		logger:   log,
		metrics:  m,
	}
}

// Snapshot is a fully read upstream log response
type Snapshot struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Snapshot reads the current log content in one bounded request
func (r *Relay) Snapshot(ctx context.Context, id string, opts Options) (*Snapshot, error) {
	log := r.logger.WithFields(logrus.Fields{"instance_id": id, "mode": modeSnapshot})

	snap, err := r.snapshot(ctx, id, opts, log)
	r.finish(modeSnapshot, err, log)
	if err != nil {
		return nil, err
	}

	r.metrics.LogRelayBytes.WithLabelValues(modeSnapshot).Add(float64(len(snap.Body)))
	return snap, nil
}

func (r *Relay) snapshot(ctx context.Context, id string, opts Options, log *logrus.Entry) (*Snapshot, error) {
	target, err := r.target(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	log.WithField("url", target).Debug("Fetching serving logs")

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.TotalTimeout)
	defer cancel()

	resp, err := r.open(opCtx, target)
	if err != nil {
		return nil, classify(ctx, opCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, opCtx, err)
	}

	return &Snapshot{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// Follow opens an unbounded log stream. The caller must Close it.
func (r *Relay) Follow(ctx context.Context, id string, opts Options) (*Stream, error) {
	log := r.logger.WithFields(logrus.Fields{"instance_id": id, "mode": modeFollow})

	target, err := r.target(ctx, id, opts)
	if err != nil {
		r.finish(modeFollow, err, log)
		return nil, err
	}
	log.WithField("url", target).Debug("Following serving logs")

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.FollowCeiling)
	resp, err := r.open(opCtx, target)
	if err != nil {
		cancel()
		err = classify(ctx, opCtx, err)
		r.finish(modeFollow, err, log)
		return nil, err
	}

	s := &Stream{
		relay:  r,
		parent: ctx,
		ctx:    opCtx,
		cancel: cancel,
		body:   resp.Body,
		logger: log,
	}
	s.state.Store(int32(StateStreaming))
	return s, nil
}

// target checks preconditions and builds the worker URL. Nothing is sent
// upstream when it fails.
func (r *Relay) target(ctx context.Context, id string, opts Options) (string, error) {
	m, err := r.finder.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return "", err
	}
	if m.WorkerID == "" {
		return "", fmt.Errorf("%w: %s", ErrWorkerNotAssigned, id)
	}

	ep, err := r.resolver.Resolve(m.WorkerID)
	if err != nil {
		if errors.Is(err, register.ErrWorkerNotFound) {
			return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, m.WorkerID)
		}
		return "", err
	}

	target := fmt.Sprintf("http://%s/serveLogs/%s", ep.HostPort(), m.ID)
	if q := opts.Encode(); q != "" {
		target += "?" + q
	}
	return target, nil
}

// open sends the request; a non-2xx reply becomes an UpstreamError
func (r *Relay) open(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
		return nil, statusError(resp.StatusCode, body)
	}
	return resp, nil
}

func (r *Relay) finish(mode string, err error, log *logrus.Entry) {
	result := outcome(err)
	r.metrics.LogRelayRequests.WithLabelValues(mode, result).Inc()

	switch result {
	case "ok":
		log.Debug("Log relay completed")
	case "cancelled":
		log.Debug("Log relay cancelled by client")
	case "not_found":
		log.WithError(err).Info("Log relay target not found")
	default:
		log.WithError(err).Error("Log relay failed")
	}
}

// classify turns a transport error into the relay taxonomy. parent is the
// caller's context, op the operation's bounded context.
func classify(parent, op context.Context, err error) error {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, parent.Err())
	}

	var netErr net.Error
	if op.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &UpstreamError{Kind: UpstreamTimeout, Reason: err.Error(), Err: err}
	}
	return &UpstreamError{Kind: UpstreamConnection, Reason: err.Error(), Err: err}
}

func trimReason(body []byte) []byte {
	body = bytes.TrimSpace(body)
	if len(body) > maxReasonBytes {
		body = body[:maxReasonBytes]
	}
	return body
}

// Stream is an open follow-mode relay
type Stream struct {
	relay  *Relay
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	logger *logrus.Entry

	state     atomic.Int32
	closeOnce sync.Once
}

// State returns the current lifecycle state
func (s *Stream) State() State {
	return State(s.state.Load())
}

// CopyTo relays chunks to w as they arrive, calling flush after every
// write. It returns nil when the upstream ends the stream or the follow
// ceiling is reached, ErrCancelled when the caller goes away, and an
// error for anything else. The stream is closed on return.
func (s *Stream) CopyTo(w io.Writer, flush func()) error {
	defer s.Close()

	err := s.copy(w, flush)
	if err != nil {
		s.state.Store(int32(StateFailed))
	} else {
		s.state.Store(int32(StateClosed))
	}
	s.relay.finish(modeFollow, err, s.logger)
	return err
}

func (s *Stream) copy(w io.Writer, flush func()) error {
	buf := make([]byte, chunkSize)
	bytesSent := s.relay.metrics.LogRelayBytes.WithLabelValues(modeFollow)

	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				if s.parent.Err() != nil {
					return fmt.Errorf("%w: %v", ErrCancelled, s.parent.Err())
				}
				return fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			if flush != nil {
				flush()
			}
			bytesSent.Add(float64(n))
		}

		if readErr == nil {
			continue
		}

		s.state.Store(int32(StateDraining))
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if s.parent.Err() == nil && errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
			s.logger.Info("Follow ceiling reached, closing log stream")
			return nil
		}
		return classify(s.parent, s.ctx, readErr)
	}
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
		if s.State() == StateStreaming {
			s.state.Store(int32(StateClosed))
		}
	})
	return err
}
