package engine

import (
	"sync"
	"time"
)

// Status is a point-in-time view of an experiment for readers outside
// the coordinating goroutine.
type Status struct {
	Experiment string      `json:"experiment"`
	Running    bool        `json:"running"`
	Runs       int         `json:"runs"`
	Run        int         `json:"run"`
	RunID      string      `json:"run_id,omitempty"`
	Step       uint64      `json:"step"`
	Population int         `json:"population"`
	StartedAt  time.Time   `json:"started_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Error      string      `json:"error,omitempty"`
	Completed  []RunResult `json:"completed"`
}

// Monitor publishes Status. A nil *Monitor ignores updates.
type Monitor struct {
	mu     sync.RWMutex
	status Status
}

// NewMonitor creates an idle monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	st.Completed = append([]RunResult(nil), m.status.Completed...)
	return st
}

func (m *Monitor) begin(name string, runs int) {
	if m == nil {
		return
	}
	now := time.Now().UTC()
	m.mu.Lock()
	m.status = Status{Experiment: name, Running: true, Runs: runs, StartedAt: now, UpdatedAt: now}
	m.mu.Unlock()
}

func (m *Monitor) observe(sim *Simulation, runs int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.status.Runs = runs
	m.status.Run = sim.Run
	m.status.RunID = sim.RunID
	m.status.Step = sim.Now()
	m.status.Population = sim.Population()
	m.status.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Monitor) finishRun(res RunResult) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.status.Completed = append(m.status.Completed, res)
	m.status.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Monitor) end(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.status.Running = false
	if err != nil {
		m.status.Error = err.Error()
	}
	m.status.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}
