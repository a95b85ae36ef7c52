package model

import (
	"fmt"
	"slices"
)

// SchellingModelDumpData is the complete current state of a model,
// sufficient to resume it bit-for-bit.
type SchellingModelDumpData struct {
	CurStep    int
	Params     SchellingModelParams
	Seed       int64
	Agents     []AgentState
	Thresholds []float64
	// EmptyCells is the sampling order of the occupancy index.
	EmptyCells []int
	RNGState   []byte
}

func (m *SchellingModel) Dump() (*SchellingModelDumpData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// a failed tick leaves grid, index and rng out of step
	if m.failed != nil {
		return nil, m.failed
	}

	rngState, err := m.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng state: %w", err)
	}

	thresholds := make([]float64, len(m.agents))
	for i, agent := range m.agents {
		thresholds[i] = agent.Threshold
	}

	return &SchellingModelDumpData{
		CurStep:    m.CurStep,
		Params:     m.Params,
		Seed:       m.Seed,
		Agents:     m.collectAgents(),
		Thresholds: thresholds,
		EmptyCells: m.Index.EmptyOrder(),
		RNGState:   rngState,
	}, nil
}

func (d *SchellingModelDumpData) Load(eventLogger func(*EventRecord)) (*SchellingModel, error) {
	params := d.Params
	params.Seed = &d.Seed
	if len(d.Agents) != params.AgentCount {
		return nil, &ConfigurationError{"agent_count", fmt.Sprintf("dump holds %d agents, params say %d", len(d.Agents), params.AgentCount)}
	}
	if len(d.Thresholds) != len(d.Agents) {
		return nil, fmt.Errorf("dump holds %d thresholds for %d agents", len(d.Thresholds), len(d.Agents))
	}

	model, err := newEmptyModel(&params, eventLogger)
	if err != nil {
		return nil, err
	}

	counts := make([]int, params.Types())

	// recover agents in id order
	for i, state := range d.Agents {
		if state.ID != AgentID(i) {
			return nil, fmt.Errorf("dump agent %d has id %d", i, state.ID)
		}
		if int(state.Type) >= params.Types() {
			return nil, fmt.Errorf("dump agent %d has unknown type %v", i, state.Type)
		}
		if !model.Grid.Contains(state.Cell) {
			return nil, fmt.Errorf("dump agent %d at %v is outside the grid", i, state.Cell)
		}
		if !validThreshold(d.Thresholds[i]) {
			return nil, &ConfigurationError{"thresholds", fmt.Sprintf("agent %d threshold must be in (0,1], got %v", i, d.Thresholds[i])}
		}
		counts[state.Type]++
		agent := model.addAgent(state.Type, d.Thresholds[i])
		if err := model.place(agent, state.Cell); err != nil {
			return nil, err
		}
	}

	if want := params.TypeCounts(); !slices.Equal(counts, want) {
		return nil, &ConfigurationError{"agents", fmt.Sprintf("dump holds type counts %v, params say %v", counts, want)}
	}
	if err := model.Index.RestoreOrder(d.EmptyCells); err != nil {
		return nil, err
	}

	// recover rng and step
	if err := model.pcg.UnmarshalBinary(d.RNGState); err != nil {
		return nil, fmt.Errorf("unmarshal rng state: %w", err)
	}
	model.CurStep = d.CurStep

	return model, nil
}
