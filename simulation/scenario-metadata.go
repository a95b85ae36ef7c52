package simulation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"schelling-model/model"

	"gopkg.in/yaml.v3"
)

type ScenarioMetadata struct {
	UniqueName string `json:"unique_name" yaml:"unique_name"`

	model.SchellingModelParams `yaml:",inline"`

	MaxSimulationStep int `json:"max_simulation_step" yaml:"max_simulation_step"`
	// StopSteps ends the run after this many successive ticks without
	// a relocation.
	StopSteps       int `json:"stop_steps" yaml:"stop_steps"`
	MetricsInterval int `json:"metrics_interval" yaml:"metrics_interval"`
	// SaveInterval is in seconds.
	SaveInterval     int  `json:"save_interval" yaml:"save_interval"`
	MaxSnapshotCount int  `json:"max_snapshot_count" yaml:"max_snapshot_count"`
	VerifyInvariants bool `json:"verify_invariants" yaml:"verify_invariants"`
	ShowProgress     bool `json:"show_progress" yaml:"show_progress"`
}

const defaultGridSide = 50

func DefaultScenarioMetadata() *ScenarioMetadata {
	params := model.DefaultSchellingModelParams()
	params.Width = defaultGridSide
	params.Height = defaultGridSide
	params.AgentCount = int(0.75 * defaultGridSide * defaultGridSide)

	return &ScenarioMetadata{
		SchellingModelParams: *params,
		MaxSimulationStep:    1000,
		StopSteps:            1,
		MetricsInterval:      10,
		SaveInterval:         300,
		MaxSnapshotCount:     1,
		ShowProgress:         true,
	}
}

// Validate checks the run settings and the model parameters.
func (m *ScenarioMetadata) Validate() error {
	if err := m.SchellingModelParams.Validate(); err != nil {
		return err
	}
	if m.MaxSimulationStep <= 0 {
		return fmt.Errorf("max_simulation_step must be positive, got %d", m.MaxSimulationStep)
	}
	if m.StopSteps < 0 || m.MetricsInterval < 0 || m.SaveInterval < 0 || m.MaxSnapshotCount < 0 {
		return fmt.Errorf("stop_steps, metrics_interval, save_interval and max_snapshot_count must not be negative")
	}
	if strings.ContainsAny(m.UniqueName, `/\`) {
		return fmt.Errorf("unique_name %q must not contain path separators", m.UniqueName)
	}
	return nil
}

// ReadMetadataFile loads metadata from a .json, .yaml or .yml file on top
// of the defaults.
func ReadMetadataFile(path string) (*ScenarioMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	metadata := DefaultScenarioMetadata()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, metadata)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, metadata)
	default:
		return nil, fmt.Errorf("unsupported metadata format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	return metadata, nil
}

// sameModelParams reports whether requested describes the model stored. A
// nil requested seed matches any stored seed.
func sameModelParams(stored, requested *model.SchellingModelParams) bool {
	if requested.Seed != nil && (stored.Seed == nil || *stored.Seed != *requested.Seed) {
		return false
	}
	return stored.Width == requested.Width &&
		stored.Height == requested.Height &&
		stored.AgentCount == requested.AgentCount &&
		stored.Threshold == requested.Threshold &&
		stored.Types() == requested.Types() &&
		slices.Equal(stored.TypeThresholds, requested.TypeThresholds)
}

// ResumeWith returns the settings for continuing the scenario stored as m:
// run settings come from next, model parameters stay m's. Asking for other
// model parameters is a configuration error, since the snapshot fixes them.
func (m *ScenarioMetadata) ResumeWith(next *ScenarioMetadata) (*ScenarioMetadata, error) {
	if !sameModelParams(&m.SchellingModelParams, &next.SchellingModelParams) {
		return nil, &model.ConfigurationError{
			Field:  "params",
			Reason: fmt.Sprintf("scenario %s was created with %v, got %v", m.UniqueName, m.ToMap(), next.ToMap()),
		}
	}
	ret := *next
	ret.UniqueName = m.UniqueName
	ret.SchellingModelParams = m.SchellingModelParams
	return &ret, nil
}
