// SPDX-License-Identifier: MIT

// Package model tracks the machine-learned potential catalog and loads
// calculators onto GPUs.
package model

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// Status of a catalog entry.
type Status string

const (
	StatusAvailable Status = "available"
	StatusLoading   Status = "loading"
	StatusLoaded    Status = "loaded"
	StatusError     Status = "error"
	StatusDisabled  Status = "disabled"
)

// Family groups potentials by architecture.
type Family string

const (
	FamilyMACE      Family = "mace"
	FamilyORB       Family = "orb"
	FamilyOMAT24    Family = "omat24"
	FamilyGRACE     Family = "grace"
	FamilySevenNet  Family = "sevennet"
	FamilyMatterSim Family = "mattersim"
)

// Record describes one potential in the catalog.
type Record struct {
	Name           string  `json:"name"`
	Family         Family  `json:"family"`
	DisplayName    string  `json:"display_name"`
	Description    string  `json:"description,omitempty"`
	ModelFile      string  `json:"model_file,omitempty"`
	CheckpointPath string  `json:"checkpoint_path,omitempty"`
	MemoryGB       float64 `json:"memory_gb"`
	Status         Status  `json:"status"`
	LoadedOnGPUs   []int   `json:"loaded_on_gpus"`
}

// MemoryMB returns the estimated resident size in MiB.
func (r *Record) MemoryMB() int {
	return int(r.MemoryGB * 1024)
}

type builtin struct {
	family         Family
	displayName    string
	description    string
	modelFile      string
	checkpointPath string
	memoryGB       float64
}

var builtinModels = map[string]builtin{
	"mace_prod":        {FamilyMACE, "MACE-MP-0 Medium", "MACE Materials Project foundation model", "mace-mpa-0-medium.model", "", 4.0},
	"mace_prod_b3":     {FamilyMACE, "MACE-MP-0b3 Medium", "MACE-MP-0b3 foundation model", "mace-mp-0b3-medium.model", "", 4.0},
	"mace_prod_omat":   {FamilyMACE, "MACE-OMAT-0 Medium", "MACE trained on OMAT dataset", "mace-omat-0-medium.model", "", 4.0},
	"mace_prod_mof":    {FamilyMACE, "MACE4MOF", "MACE fine-tuned for MOFs", "mofs_v1.model", "", 4.0},
	"mace_prod_matpes": {FamilyMACE, "MACE-MatPES", "MACE MatPES r2SCAN OMAT fine-tuned", "MACE-matpes-r2scan-omat-ft.model", "", 4.0},

	"orb_prod":       {FamilyORB, "ORB-D3-v2", "ORB with D3 dispersion correction", "", "", 6.0},
	"orb_prod_mp":    {FamilyORB, "ORB-MPTraj-v2", "ORB trained on MP trajectories", "", "", 6.0},
	"orb_prod_v3":    {FamilyORB, "ORB-v3 Conservative OMAT", "ORB v3 conservative inference on OMAT", "", "", 8.0},
	"orb_prod_v3_mp": {FamilyORB, "ORB-v3 Conservative MPA", "ORB v3 conservative inference on MPA", "", "", 8.0},
	"orb3":           {FamilyORB, "ORB-v3 Direct OMAT", "ORB v3 direct inference on OMAT", "", "", 6.0},

	"omat24_prod":         {FamilyOMAT24, "eqV2-86M OMAT+MP", "EquiformerV2 86M trained on OMAT+MP", "", "eqV2_86M_omat_mp_salex.pt", 8.0},
	"omat24_prod_mp":      {FamilyOMAT24, "eqV2-86M MP", "EquiformerV2 86M trained on MP", "", "eqV2_dens_86M_mp.pt", 8.0},
	"omat24_prod_esen":    {FamilyOMAT24, "eSEN-30M OAM", "eSEN 30M trained on OAM", "", "esen_30m_oam.pt", 4.0},
	"omat24_prod_esen_mp": {FamilyOMAT24, "eSEN-30M MPTraj", "eSEN 30M trained on MPTraj", "", "esen_30m_mptrj.pt", 4.0},

	"grace_prod":      {FamilyGRACE, "GRACE-2L-MP", "GRACE 2-layer trained on Materials Project", "", "", 4.0},
	"grace_prod_oam":  {FamilyGRACE, "GRACE-2L-OAM", "GRACE 2-layer trained on OAM", "", "", 4.0},
	"grace_prod_omat": {FamilyGRACE, "GRACE-2L-OMAT", "GRACE 2-layer trained on OMAT", "", "", 4.0},

	"sevennet_prod":           {FamilySevenNet, "7net-0", "SevenNet base model", "", "", 4.0},
	"sevennet_prod_l3i5":      {FamilySevenNet, "7net-L3I5", "SevenNet L3I5 variant", "", "", 4.0},
	"sevennet_prod_ompa":      {FamilySevenNet, "7net-MF-OMPA", "SevenNet multi-fidelity OMPA", "", "", 6.0},
	"sevennet_prod_ompa_omat": {FamilySevenNet, "7net-MF-OMPA-OMAT", "SevenNet multi-fidelity OMPA on OMAT", "", "", 6.0},

	"mattersim_prod": {FamilyMatterSim, "MatterSim-v1.0.0-5M", "MatterSim 5M parameters", "", "", 4.0},
}

// overrides mirrors the calculators.yaml schema.
type overrides map[string]struct {
	ModelFile      string  `yaml:"model_file"`
	CheckpointPath string  `yaml:"checkpoint_path"`
	MemoryGB       float64 `yaml:"memory_gb"`
	Disabled       bool    `yaml:"disabled"`
}

// Registry is the thread-safe model catalog.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Record
	logger zerolog.Logger
}

// NewRegistry builds the catalog from the builtin set, optionally
// overlaid with a calculators YAML file.
func NewRegistry(overridePath string) (*Registry, error) {
	r := &Registry{
		models: make(map[string]*Record, len(builtinModels)),
		logger: log.WithComponent("model.registry"),
	}

	var ov overrides
	if overridePath != "" {
		raw, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("model: read overrides: %w", err)
		}
		if err := yaml.Unmarshal(raw, &ov); err != nil {
			return nil, fmt.Errorf("model: parse overrides: %w", err)
		}
	}

	for name, b := range builtinModels {
		rec := &Record{
			Name:           name,
			Family:         b.family,
			DisplayName:    b.displayName,
			Description:    b.description,
			ModelFile:      b.modelFile,
			CheckpointPath: b.checkpointPath,
			MemoryGB:       b.memoryGB,
			Status:         StatusAvailable,
		}
		if o, ok := ov[name]; ok {
			if o.ModelFile != "" {
				rec.ModelFile = o.ModelFile
			}
			if o.CheckpointPath != "" {
				rec.CheckpointPath = o.CheckpointPath
			}
			if o.MemoryGB > 0 {
				rec.MemoryGB = o.MemoryGB
			}
			if o.Disabled {
				rec.Status = StatusDisabled
			}
		}
		r.models[name] = rec
	}

	r.logger.Info().
		Int("n_models", len(r.models)).
		Msg("model registry initialized")
	return r, nil
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	c.LoadedOnGPUs = append([]int(nil), rec.LoadedOnGPUs...)
	return &c
}

// Get returns a copy of the record or task.ErrNotFound.
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: model %q", task.ErrNotFound, name)
	}
	return cloneRecord(rec), nil
}

// Exists reports whether the model is registered and not disabled.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.models[name]
	return ok && rec.Status != StatusDisabled
}

// All returns every record sorted by name.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.models))
	for _, rec := range r.models {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByFamily returns the records of one family sorted by name.
func (r *Registry) ByFamily(f Family) []*Record {
	var out []*Record
	for _, rec := range r.All() {
		if rec.Family == f {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateStatus records a load-state change. For StatusLoaded the GPU is
// added to the resident set; for StatusAvailable it is removed.
func (r *Registry) UpdateStatus(name string, status Status, gpuID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.models[name]
	if !ok {
		return fmt.Errorf("%w: model %q", task.ErrNotFound, name)
	}

	old := rec.Status
	rec.Status = status

	switch status {
	case StatusLoaded:
		found := false
		for _, g := range rec.LoadedOnGPUs {
			if g == gpuID {
				found = true
			}
		}
		if !found {
			rec.LoadedOnGPUs = append(rec.LoadedOnGPUs, gpuID)
			sort.Ints(rec.LoadedOnGPUs)
		}
	case StatusAvailable:
		kept := rec.LoadedOnGPUs[:0]
		for _, g := range rec.LoadedOnGPUs {
			if g != gpuID {
				kept = append(kept, g)
			}
		}
		rec.LoadedOnGPUs = kept
	}

	r.logger.Info().
		Str(log.FieldModel, name).
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(status)).
		Int(log.FieldGPUID, gpuID).
		Msg("model status updated")
	return nil
}

// Summary aggregates the catalog for the admin surface.
func (r *Registry) Summary() map[string]any {
	byFamily := map[string]int{}
	byStatus := map[string]int{}
	var loaded []string
	all := r.All()
	for _, rec := range all {
		byFamily[string(rec.Family)]++
		byStatus[string(rec.Status)]++
		if rec.Status == StatusLoaded {
			loaded = append(loaded, rec.Name)
		}
	}
	return map[string]any{
		"total_models":  len(all),
		"by_family":     byFamily,
		"by_status":     byStatus,
		"loaded_models": loaded,
	}
}
