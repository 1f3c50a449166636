// SPDX-License-Identifier: MIT

package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Prober samples device telemetry. Samples cover every device the prober
// can see; the manager ignores indices it does not manage.
type Prober interface {
	Sample(ctx context.Context) ([]Telemetry, error)
}

// MockProber serves fixed telemetry for tests and hosts without GPUs.
type MockProber struct {
	mu      sync.Mutex
	samples map[int]Telemetry
	err     error
}

// NewMockProber creates a prober reporting one idle 24 GiB device per
// index with 2000 MiB used and a 40 degree core.
func NewMockProber(indices ...int) *MockProber {
	p := &MockProber{samples: make(map[int]Telemetry, len(indices))}
	for _, i := range indices {
		p.samples[i] = Telemetry{
			Index:         i,
			Name:          fmt.Sprintf("Mock GPU %d", i),
			MemoryTotalMB: 24000,
			MemoryUsedMB:  2000,
			MemoryFreeMB:  22000,
			TemperatureC:  40,
		}
	}
	return p
}

// Set overrides the sample for one device.
func (p *MockProber) Set(t Telemetry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[t.Index] = t
}

// Fail makes subsequent samples return err; nil restores normal operation.
func (p *MockProber) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MockProber) Sample(_ context.Context) ([]Telemetry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Telemetry, 0, len(p.samples))
	for _, t := range p.samples {
		out = append(out, t)
	}
	return out, nil
}

// SMIProber shells out to nvidia-smi for telemetry. One process per
// sample keeps the dependency surface at the binary on PATH.
type SMIProber struct {
	binary string
}

// NewSMIProber returns a prober using the nvidia-smi binary on PATH.
func NewSMIProber() *SMIProber {
	return &SMIProber{binary: "nvidia-smi"}
}

const smiQuery = "index,name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu"

func (p *SMIProber) Sample(ctx context.Context) ([]Telemetry, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"--query-gpu="+smiQuery, "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(string(out))
}

func parseSMI(out string) ([]Telemetry, error) {
	var samples []Telemetry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			return nil, fmt.Errorf("nvidia-smi: unexpected row %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		nums := make([]int, 7)
		for _, i := range []int{0, 2, 3, 4, 5, 6} {
			n, err := strconv.Atoi(fields[i])
			if err != nil {
				return nil, fmt.Errorf("nvidia-smi: field %d in %q: %w", i, line, err)
			}
			nums[i] = n
		}
		samples = append(samples, Telemetry{
			Index:          nums[0],
			Name:           fields[1],
			MemoryTotalMB:  nums[2],
			MemoryUsedMB:   nums[3],
			MemoryFreeMB:   nums[4],
			UtilizationPct: nums[5],
			TemperatureC:   nums[6],
		})
	}
	return samples, nil
}
