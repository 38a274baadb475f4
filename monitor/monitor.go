package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const probeTimeout = 5 * time.Second

// Pinger 可探活的外部协作方
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gate 准入控制的只读视图
type Gate interface {
	InFlight() int
	Capacity() int
}

type Status struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor 定时探测外部服务并记录准入使用情况，结果供 /health 读取
type Monitor struct {
	cron    *cron.Cron
	gate    Gate
	targets map[string]Pinger

	mu     sync.RWMutex
	status map[string]Status
}

func New(gate Gate, targets map[string]Pinger) *Monitor {
	return &Monitor{
		cron:    cron.New(),
		gate:    gate,
		targets: targets,
		status:  make(map[string]Status, len(targets)),
	}
}

// Start 按 cron 表达式（如 "@every 1m"）周期探测，启动时先探测一次
func (m *Monitor) Start(schedule string) error {
	if _, err := m.cron.AddFunc(schedule, m.Probe); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	go m.Probe()
	return nil
}

func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Monitor) Probe() {
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := m.targets[name].Ping(ctx)
		cancel()

		st := Status{OK: err == nil, CheckedAt: time.Now()}
		if err != nil {
			st.Error = err.Error()
			slog.Warn("collaborator unhealthy", "name", name, "error", err)
		}
		m.mu.Lock()
		m.status[name] = st
		m.mu.Unlock()
	}

	if m.gate != nil {
		slog.Info("admission", "in_flight", m.gate.InFlight(), "capacity", m.gate.Capacity())
	}
}

// Status 最近一次探测结果的副本
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}
