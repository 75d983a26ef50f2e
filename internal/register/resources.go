package register

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// WorkerState worker状态
type WorkerState string

const (
	WorkerReady       WorkerState = "ready"
	WorkerUnreachable WorkerState = "unreachable"
)

// Resources worker上报的主机资源
type Resources struct {
	CPU         int     `json:"cpu"`          // CPU核心数
	CPUPercent  float64 `json:"cpu_percent"`  // CPU使用率
	GPU         int     `json:"gpu"`          // GPU数量
	Memory      uint64  `json:"memory"`       // 内存（字节）
	MemoryUsed  uint64  `json:"memory_used"`  // 已用内存（字节）
	Storage     uint64  `json:"storage"`      // 存储空间（字节）
	StorageUsed uint64  `json:"storage_used"` // 已用存储（字节）
}

// Worker 已注册的worker节点
type Worker struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	State         WorkerState       `json:"state"`
	Status        Resources         `json:"status"`
	Labels        map[string]string `json:"labels,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// Clone 克隆worker
func (w *Worker) Clone() *Worker {
	c := *w
	if w.Labels != nil {
		c.Labels = make(map[string]string, len(w.Labels))
		for k, v := range w.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// Endpoint is where a worker serves its API
type Endpoint struct {
	Address string
	Port    int
}

// HostPort returns address:port, bracketing IPv6 addresses
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// RegisterRequest worker注册请求
type RegisterRequest struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	IP     string            `json:"ip"`
	Port   int               `json:"port"`
	Status Resources         `json:"status"`
	Labels map[string]string `json:"labels"`
}

// Validate 验证注册请求
func (req *RegisterRequest) Validate() error {
	if req.ID == "" {
		return fmt.Errorf("%w: worker id cannot be empty", ErrInvalidWorker)
	}
	if req.IP == "" {
		return fmt.Errorf("%w: worker ip cannot be empty", ErrInvalidWorker)
	}
	if req.Port < 0 || req.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidWorker, req.Port)
	}
	return nil
}

// HeartbeatRequest worker心跳请求
type HeartbeatRequest struct {
	Status Resources `json:"status"`
}

// String 资源字符串表示
func (r *Resources) String() string {
	return fmt.Sprintf("CPU: %d (%.1f%%), GPU: %d, Memory: %d/%dMB",
		r.CPU, r.CPUPercent, r.GPU, r.MemoryUsed/(1024*1024), r.Memory/(1024*1024))
}
