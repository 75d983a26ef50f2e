package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"modelplane/internal/instance"
	"modelplane/internal/logger"
	"modelplane/internal/logrelay"
	"modelplane/internal/metrics"
	"modelplane/internal/notify"
	"modelplane/internal/register"
	"modelplane/internal/storage"
	"modelplane/internal/watch"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	defaultPerPage = 100
	maxPerPage     = 1000

	wsWriteTimeout = 10 * time.Second
)

// 列表查询的保留参数, everything else is a filter term
var listParams = []string{"watch", "page", "perPage"}

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// API Manager的HTTP API
type API struct {
	manager  *Manager
	register *register.Register
	metrics  *metrics.Metrics
	logger   *logger.Logger
	router   *mux.Router
}

// NewAPI 创建API
func NewAPI(mgr *Manager, reg *register.Register, m *metrics.Metrics, log *logger.Logger) *API {
	api := &API{
		manager:  mgr,
		register: reg,
		metrics:  m,
		logger:   log,
		router:   mux.NewRouter(),
	}

	api.setupRoutes()
	return api
}

// GetRouter 获取路由器
func (a *API) GetRouter() *mux.Router {
	return a.router
}

// setupRoutes 设置路由
func (a *API) setupRoutes() {
	v1 := a.router.PathPrefix("/v1").Subrouter()

	// 模型实例
	v1.HandleFunc("/model-instances", a.handleListInstances).Methods("GET")
	v1.HandleFunc("/model-instances", a.handleCreateInstance).Methods("POST")
	v1.HandleFunc("/model-instances/{id}", a.handleGetInstance).Methods("GET")
	v1.HandleFunc("/model-instances/{id}", a.handleUpdateInstance).Methods("PUT")
	v1.HandleFunc("/model-instances/{id}", a.handleDeleteInstance).Methods("DELETE")
	v1.HandleFunc("/model-instances/{id}/logs", a.handleGetLogs).Methods("GET")

	// worker注册
	v1.HandleFunc("/workers", a.handleListWorkers).Methods("GET")
	v1.HandleFunc("/workers", a.handleRegisterWorker).Methods("POST")
	v1.HandleFunc("/workers/{id}", a.handleGetWorker).Methods("GET")
	v1.HandleFunc("/workers/{id}", a.handleUnregisterWorker).Methods("DELETE")
	v1.HandleFunc("/workers/{id}/heartbeat", a.handleHeartbeat).Methods("POST")

	// 健康检查与指标
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", a.metrics.Handler()).Methods("GET")
}

// handleListInstances 列出模型实例, or watch them when watch=true
func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter, err := instance.ParseFilter(query, listParams...)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	watching := false
	if v := query.Get("watch"); v != "" {
		if watching, err = strconv.ParseBool(v); err != nil {
			a.writeError(w, http.StatusBadRequest, "Invalid watch parameter", err)
			return
		}
	}
	if watching {
		a.handleWatch(w, r, filter)
		return
	}

	page, err := intParam(query.Get("page"), 1)
	if err != nil || page < 1 {
		a.writeError(w, http.StatusBadRequest, "Invalid page parameter", fmt.Errorf("page must be a positive integer"))
		return
	}
	perPage, err := intParam(query.Get("perPage"), defaultPerPage)
	if err != nil || perPage < 1 || perPage > maxPerPage {
		a.writeError(w, http.StatusBadRequest, "Invalid perPage parameter", fmt.Errorf("perPage must be between 1 and %d", maxPerPage))
		return
	}

	if page > math.MaxInt/perPage {
		a.writeError(w, http.StatusBadRequest, "Invalid page parameter", fmt.Errorf("page %d is out of range", page))
		return
	}

	result, err := a.manager.ListInstances(r.Context(), filter, page, perPage)
	if err != nil {
		a.writeDomainError(w, "Failed to list model instances", err)
		return
	}

	a.writeJSON(w, http.StatusOK, result)
}

// handleWatch streams the filtered collection as server-sent events, or as
// websocket messages when the client asks for an upgrade
func (a *API) handleWatch(w http.ResponseWriter, r *http.Request, filter instance.Filter) {
	session, err := a.manager.Watch(r.Context(), filter)
	if err != nil {
		a.writeDomainError(w, "Failed to watch model instances", err)
		return
	}
	defer session.Close()

	if websocket.IsWebSocketUpgrade(r) {
		a.serveWatchWebsocket(w, r, session)
		return
	}
	a.serveWatchSSE(w, r, session)
}

func (a *API) serveWatchSSE(w http.ResponseWriter, r *http.Request, session *watch.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, "Streaming unsupported", errors.New("response writer cannot flush"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := session.Run(r.Context(), &sseSink{w: w, flusher: flusher})
	if errors.Is(err, notify.ErrSubscriberOverrun) {
		writeSSE(w, "error", 0, map[string]string{"error": err.Error()})
		flusher.Flush()
	}
}

func (a *API) serveWatchWebsocket(w http.ResponseWriter, r *http.Request, session *watch.Session) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Error("Problem initiating websocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the client never sends data; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = session.Run(ctx, watch.SinkFunc(func(ev notify.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}))

	closeCode, reason := websocket.CloseNormalClosure, ""
	if errors.Is(err, notify.ErrSubscriberOverrun) {
		closeCode, reason = websocket.CloseTryAgainLater, err.Error()
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
}

// sseSink writes one server-sent event per change and flushes it
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev notify.Event) error {
	if err := writeSSE(s.w, string(ev.Kind), ev.Sequence, ev.Instance); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w http.ResponseWriter, event string, id uint64, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// handleCreateInstance 创建模型实例
func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instance.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	mi, err := a.manager.CreateInstance(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, "Failed to create model instance", err)
		return
	}

	a.writeJSON(w, http.StatusCreated, mi)
}

// handleGetInstance 获取模型实例
func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	mi, err := a.manager.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, "Model instance not found", err)
		return
	}

	a.writeJSON(w, http.StatusOK, mi)
}

// handleUpdateInstance 更新模型实例
func (a *API) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req instance.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	mi, err := a.manager.UpdateInstance(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		a.writeDomainError(w, "Failed to update model instance", err)
		return
	}

	a.writeJSON(w, http.StatusOK, mi)
}

// handleDeleteInstance 删除模型实例
func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if _, err := a.manager.DeleteInstance(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeDomainError(w, "Failed to delete model instance", err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Model instance deleted successfully",
	})
}

// handleGetLogs 获取模型实例日志
func (a *API) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	opts, err := logrelay.ParseOptions(r.URL.Query())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid log options", err)
		return
	}

	if !opts.Follow {
		snap, err := a.manager.SnapshotLogs(r.Context(), id, opts)
		if err != nil {
			a.writeDomainError(w, "Error fetching serving logs", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(snap.StatusCode)
		w.Write(snap.Body)
		return
	}

	stream, err := a.manager.FollowLogs(r.Context(), id, opts)
	if err != nil {
		a.writeDomainError(w, "Error fetching serving logs", err)
		return
	}
	defer stream.Close()

	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flush()

	if err := stream.CopyTo(w, flush); err != nil && !errors.Is(err, logrelay.ErrCancelled) {
		// the status line is gone; cut the connection so the client sees a broken stream
		panic(http.ErrAbortHandler)
	}
}

// handleListWorkers 列出worker
func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := a.register.List()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": workers,
		"count": len(workers),
	})
}

// handleRegisterWorker 注册worker
func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req register.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	worker, err := a.register.RegisterWorker(req)
	if err != nil {
		a.writeDomainError(w, "Failed to register worker", err)
		return
	}

	a.writeJSON(w, http.StatusOK, worker)
}

// handleGetWorker 获取worker
func (a *API) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := a.register.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, "Worker not found", err)
		return
	}

	a.writeJSON(w, http.StatusOK, worker)
}

// handleUnregisterWorker 注销worker
func (a *API) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := a.register.Unregister(mux.Vars(r)["id"]); err != nil {
		a.writeDomainError(w, "Failed to unregister worker", err)
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Worker unregistered successfully",
	})
}

// handleHeartbeat 处理worker心跳
func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req register.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	worker, err := a.register.Heartbeat(mux.Vars(r)["id"], req)
	if err != nil {
		a.writeDomainError(w, "Failed to process heartbeat", err)
		return
	}

	a.writeJSON(w, http.StatusOK, worker)
}

// handleHealth 健康检查
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"details": err.Error(),
			"stats":   a.manager.GetStats(),
		})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"stats":  a.manager.GetStats(),
	})
}

// 辅助方法

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// writeDomainError maps a domain error onto an HTTP status
func (a *API) writeDomainError(w http.ResponseWriter, message string, err error) {
	var upstream *logrelay.UpstreamError

	switch {
	case errors.As(err, &upstream):
		a.writeUpstreamError(w, message, upstream)
	case errors.Is(err, logrelay.ErrCancelled), errors.Is(err, context.Canceled):
		a.logger.WithError(err).Debug("Client went away")
	case errors.Is(err, instance.ErrNotFound),
		errors.Is(err, logrelay.ErrNotFound),
		errors.Is(err, register.ErrWorkerNotFound):
		a.writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, instance.ErrInvalid),
		errors.Is(err, instance.ErrInvalidFilter),
		errors.Is(err, logrelay.ErrInvalidOptions),
		errors.Is(err, register.ErrInvalidWorker):
		a.writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		a.writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, storage.ErrStoreClosed):
		a.writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		a.writeError(w, http.StatusInternalServerError, message, err)
	}
}

// writeUpstreamError keeps a worker's 5xx status, anything else becomes
// 502; timeouts become 504
func (a *API) writeUpstreamError(w http.ResponseWriter, message string, err *logrelay.UpstreamError) {
	status := http.StatusBadGateway
	body := map[string]interface{}{
		"error":   message,
		"details": err.Error(),
		"reason":  err.Reason,
	}

	switch err.Kind {
	case logrelay.UpstreamStatus:
		if err.StatusCode >= 500 && err.StatusCode <= 599 {
			status = err.StatusCode
		}
		body["upstream_status"] = err.StatusCode
	case logrelay.UpstreamTimeout:
		status = http.StatusGatewayTimeout
	}

	a.logger.WithError(err).WithField("status", status).Error(message)
	a.writeJSON(w, status, body)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (a *API) writeError(w http.ResponseWriter, status int, message string, err error) {
	entry := a.logger.WithError(err).WithField("status", status)
	if status >= 500 {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}
	a.writeJSON(w, status, map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}
