package resources

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"modelplane/internal/logger"
	"modelplane/internal/register"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUCountLabel lets an operator declare the GPU count, since vendor
// detection is out of scope for the worker
const GPUCountLabel = "gpu.count"

// Service represents the resources monitoring service
type Service struct {
	logger   *logger.Logger
	dataDir  string
	labels   map[string]string
	interval time.Duration

	mu         sync.RWMutex
	status     register.Resources
	lastUpdate time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new resources service. dataDir is the filesystem whose
// usage is reported as storage.
func New(dataDir string, labels map[string]string, interval time.Duration, log *logger.Logger) (*Service, error) {
	s := &Service{
		logger:   log,
		dataDir:  dataDir,
		labels:   labels,
		interval: interval,
		stop:     make(chan struct{}),
	}

	// Initialize resource information
	if err := s.update(); err != nil {
		return nil, fmt.Errorf("failed to initialize resource info: %w", err)
	}

	return s, nil
}

// Start starts the resources monitoring loop
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.monitorLoop(ctx)
	return nil
}

// Stop stops the resources monitoring loop
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return nil
}

// Status returns the latest host resource snapshot
func (s *Service) Status() register.Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastUpdate returns when Status was last refreshed
func (s *Service) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// monitorLoop runs the resource monitoring loop
func (s *Service) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.update(); err != nil {
				s.logger.Errorf("Failed to update usage: %v", err)
			}
		}
	}
}

// update refreshes the resource snapshot
func (s *Service) update() error {
	cpuCount, err := cpu.Counts(true)
	if err != nil {
		return fmt.Errorf("failed to get CPU info: %w", err)
	}

	// a zero interval compares against the previous call instead of sleeping
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}

	diskInfo, err := disk.Usage(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to get disk info: %w", err)
	}

	status := register.Resources{
		CPU:         cpuCount,
		GPU:         s.gpuCount(),
		Memory:      memInfo.Total,
		MemoryUsed:  memInfo.Used,
		Storage:     diskInfo.Total,
		StorageUsed: diskInfo.Used,
	}
	if len(cpuPercent) > 0 {
		status.CPUPercent = cpuPercent[0]
	}

	s.mu.Lock()
	s.status = status
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	return nil
}

func (s *Service) gpuCount() int {
	n, err := strconv.Atoi(s.labels[GPUCountLabel])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
