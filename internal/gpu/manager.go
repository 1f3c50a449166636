// SPDX-License-Identifier: MIT

package gpu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/log"
)

var (
	// ErrUnknownDevice means the index is not managed.
	ErrUnknownDevice = errors.New("unknown gpu")

	// ErrNotAllocatable means the device is not in a state that permits
	// the requested ownership change.
	ErrNotAllocatable = errors.New("gpu not allocatable")
)

// Config shapes a Manager.
type Config struct {
	// Devices lists the managed indices.
	Devices []int
	// Reserved indices are tracked but never allocated.
	Reserved []int
	// MaxModelsPerGPU caps the per-device model cache.
	MaxModelsPerGPU int
	// SafetyMarginMB is subtracted from free memory before admission.
	SafetyMarginMB int
	// Prober supplies telemetry. Required.
	Prober Prober
}

type device struct {
	mu sync.Mutex
	st State
}

// Manager owns device state. Each device has its own mutex; operations
// spanning devices take locks in ascending index order.
type Manager struct {
	devices   []*device // ascending index
	byIndex   map[int]*device
	prober    Prober
	maxModels int
	marginMB  int
	logger    zerolog.Logger
}

// NewManager builds a Manager for the configured devices. Reserved
// indices are fixed at construction and never leave StatusReserved.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Prober == nil {
		return nil, errors.New("gpu: prober is required")
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("gpu: no devices configured")
	}
	if cfg.MaxModelsPerGPU <= 0 {
		cfg.MaxModelsPerGPU = 2
	}

	reserved := make(map[int]bool, len(cfg.Reserved))
	for _, i := range cfg.Reserved {
		reserved[i] = true
	}

	indices := append([]int(nil), cfg.Devices...)
	sort.Ints(indices)

	m := &Manager{
		byIndex:   make(map[int]*device, len(indices)),
		prober:    cfg.Prober,
		maxModels: cfg.MaxModelsPerGPU,
		marginMB:  cfg.SafetyMarginMB,
		logger:    log.WithComponent("gpu"),
	}
	for _, i := range indices {
		if _, dup := m.byIndex[i]; dup {
			return nil, fmt.Errorf("gpu: duplicate device index %d", i)
		}
		status := StatusFree
		if reserved[i] {
			status = StatusReserved
		}
		d := &device{st: State{Index: i, Status: status}}
		m.devices = append(m.devices, d)
		m.byIndex[i] = d
	}
	return m, nil
}

// RefreshStates pulls one telemetry sample and folds it into the managed
// devices. A failed probe keeps every last-known reading.
func (m *Manager) RefreshStates(ctx context.Context) error {
	samples, err := m.prober.Sample(ctx)
	if err != nil {
		probeFailures.Inc()
		m.logger.Warn().Err(err).Msg("telemetry probe failed, keeping last-known readings")
		return err
	}

	now := time.Now().UTC()
	for _, s := range samples {
		d, ok := m.byIndex[s.Index]
		if !ok {
			continue
		}
		d.mu.Lock()
		d.st.Name = s.Name
		d.st.MemoryTotalMB = s.MemoryTotalMB
		d.st.MemoryUsedMB = s.MemoryUsedMB
		d.st.MemoryFreeMB = s.MemoryFreeMB
		d.st.UtilizationPct = s.UtilizationPct
		d.st.TemperatureC = s.TemperatureC
		d.st.TelemetryAt = now
		d.mu.Unlock()

		gpu := strconv.Itoa(s.Index)
		memoryFree.WithLabelValues(gpu).Set(float64(s.MemoryFreeMB))
		temperature.WithLabelValues(gpu).Set(float64(s.TemperatureC))
		utilization.WithLabelValues(gpu).Set(float64(s.UtilizationPct))
	}
	return nil
}

func cloneState(st *State) State {
	c := *st
	c.LoadedModels = append([]string(nil), st.LoadedModels...)
	return c
}

// States snapshots every managed device in ascending index order.
func (m *Manager) States() []State {
	out := make([]State, 0, len(m.devices))
	for _, d := range m.devices {
		d.mu.Lock()
		out = append(out, cloneState(&d.st))
		d.mu.Unlock()
	}
	return out
}

// Get snapshots one device.
func (m *Manager) Get(index int) (State, error) {
	d, ok := m.byIndex[index]
	if !ok {
		return State{}, fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneState(&d.st), nil
}

// FreeGPUs snapshots every device currently free for allocation.
func (m *Manager) FreeGPUs() []State {
	var out []State
	for _, d := range m.devices {
		d.mu.Lock()
		if d.st.Status == StatusFree {
			out = append(out, cloneState(&d.st))
		}
		d.mu.Unlock()
	}
	return out
}

// GPUWithModel returns the indices holding the model, ascending.
func (m *Manager) GPUWithModel(model string) []int {
	var out []int
	for _, d := range m.devices {
		d.mu.Lock()
		if d.st.HasModel(model) {
			out = append(out, d.st.Index)
		}
		d.mu.Unlock()
	}
	return out
}

// Allocate hands the device to a task. Only a free device can be taken.
func (m *Manager) Allocate(index int, taskID string) error {
	d, ok := m.byIndex[index]
	if !ok {
		allocations.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Status != StatusFree {
		allocations.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: gpu %d is %s", ErrNotAllocatable, index, d.st.Status)
	}
	d.st.Status = StatusBusy
	d.st.CurrentTaskID = taskID
	allocations.WithLabelValues("ok").Inc()
	busyGauge.WithLabelValues(strconv.Itoa(index)).Set(1)

	m.logger.Debug().
		Int(log.FieldGPUID, index).
		Str(log.FieldTaskID, taskID).
		Msg("gpu allocated")
	return nil
}

// Release returns the device to the pool and stamps the idle clock. The
// releasing task must still own the device; stale releases are rejected.
func (m *Manager) Release(index int, taskID string) error {
	d, ok := m.byIndex[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Status != StatusBusy || d.st.CurrentTaskID != taskID {
		return fmt.Errorf("%w: gpu %d not held by task %s", ErrNotAllocatable, index, taskID)
	}
	d.st.Status = StatusFree
	d.st.CurrentTaskID = ""
	d.st.LastCompleted = time.Now().UTC()
	busyGauge.WithLabelValues(strconv.Itoa(index)).Set(0)

	m.logger.Debug().
		Int(log.FieldGPUID, index).
		Str(log.FieldTaskID, taskID).
		Msg("gpu released")
	return nil
}

// MarkError takes the device out of rotation. A busy device loses its
// task binding; the caller is responsible for failing that task.
func (m *Manager) MarkError(index int, reason string) error {
	d, ok := m.byIndex[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Status == StatusReserved {
		return fmt.Errorf("%w: gpu %d is reserved", ErrNotAllocatable, index)
	}
	d.st.Status = StatusError
	d.st.CurrentTaskID = ""
	d.st.LastError = reason
	busyGauge.WithLabelValues(strconv.Itoa(index)).Set(0)

	m.logger.Warn().
		Int(log.FieldGPUID, index).
		Str(log.FieldReason, reason).
		Msg("gpu marked error")
	return nil
}

// Recover returns an errored device to the free pool.
func (m *Manager) Recover(index int) error {
	d, ok := m.byIndex[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Status != StatusError {
		return fmt.Errorf("%w: gpu %d is %s, not error", ErrNotAllocatable, index, d.st.Status)
	}
	d.st.Status = StatusFree
	d.st.LastError = ""

	m.logger.Info().Int(log.FieldGPUID, index).Msg("gpu recovered")
	return nil
}

// AddLoadedModel records the model as resident, most recently used. When
// the cache is full the least recently used model is evicted and returned.
func (m *Manager) AddLoadedModel(index int, model string) (evicted string, didEvict bool, err error) {
	d, ok := m.byIndex[index]
	if !ok {
		return "", false, fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// Refresh position if already resident.
	for i, loaded := range d.st.LoadedModels {
		if loaded == model {
			d.st.LoadedModels = append(append(d.st.LoadedModels[:i:i], d.st.LoadedModels[i+1:]...), model)
			return "", false, nil
		}
	}

	if len(d.st.LoadedModels) >= m.maxModels {
		evicted = d.st.LoadedModels[0]
		d.st.LoadedModels = d.st.LoadedModels[1:]
		didEvict = true
		modelEvictions.Inc()
		m.logger.Info().
			Int(log.FieldGPUID, index).
			Str(log.FieldModel, evicted).
			Msg("model evicted from gpu cache")
	}
	d.st.LoadedModels = append(d.st.LoadedModels, model)
	return evicted, didEvict, nil
}

// RemoveLoadedModel drops a model from the cache, if present.
func (m *Manager) RemoveLoadedModel(index int, model string) error {
	d, ok := m.byIndex[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, loaded := range d.st.LoadedModels {
		if loaded == model {
			d.st.LoadedModels = append(d.st.LoadedModels[:i:i], d.st.LoadedModels[i+1:]...)
			return nil
		}
	}
	return nil
}

// CheckMemoryAvailable reports whether the device can take a workload of
// the given size after the safety margin.
func (m *Manager) CheckMemoryAvailable(index, requiredMB int) bool {
	d, ok := m.byIndex[index]
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.MemoryFreeMB-m.marginMB >= requiredMB
}

// Summary aggregates fleet state for health checks and alert collectors.
func (m *Manager) Summary() Summary {
	s := Summary{MinFreeMemoryMB: -1, MaxTemperatureC: -1}
	for _, d := range m.devices {
		d.mu.Lock()
		s.Total++
		switch d.st.Status {
		case StatusFree:
			s.Free++
		case StatusBusy:
			s.Busy++
		case StatusError:
			s.Error++
		case StatusReserved:
			s.Reserved++
		}
		if !d.st.TelemetryAt.IsZero() {
			if s.MinFreeMemoryMB < 0 || d.st.MemoryFreeMB < s.MinFreeMemoryMB {
				s.MinFreeMemoryMB = d.st.MemoryFreeMB
			}
			if d.st.TemperatureC > s.MaxTemperatureC {
				s.MaxTemperatureC = d.st.TemperatureC
			}
		}
		d.mu.Unlock()
	}
	return s
}
