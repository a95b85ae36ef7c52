package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
)

// SchellingModelParams contains configuration parameters for the model
type SchellingModelParams struct {
	Width      int     `json:"width" yaml:"width" msgpack:"width"`
	Height     int     `json:"height" yaml:"height" msgpack:"height"`
	AgentCount int     `json:"agent_count" yaml:"agent_count" msgpack:"agent_count"`
	Threshold  float64 `json:"threshold" yaml:"threshold" msgpack:"threshold"`

	// TypeCount is the number of populations; 0 means 2.
	TypeCount int `json:"type_count,omitempty" yaml:"type_count,omitempty" msgpack:"type_count"`
	// TypeThresholds overrides Threshold per type when non-empty.
	TypeThresholds []float64 `json:"type_thresholds,omitempty" yaml:"type_thresholds,omitempty" msgpack:"type_thresholds"`

	// Seed fixes the random stream. A nil seed is drawn at construction.
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty" msgpack:"seed"`
}

// DefaultSchellingModelParams creates a new parameters struct with default values
func DefaultSchellingModelParams() *SchellingModelParams {
	return &SchellingModelParams{
		Width:      20,
		Height:     20,
		AgentCount: 50,
		Threshold:  0.2,
		TypeCount:  2,
	}
}

// ToMap converts the parameters to a map
func (p *SchellingModelParams) ToMap() map[string]any {
	ret := map[string]any{
		"width":       p.Width,
		"height":      p.Height,
		"agent_count": p.AgentCount,
		"threshold":   p.Threshold,
		"type_count":  p.Types(),
	}
	if len(p.TypeThresholds) > 0 {
		ret["type_thresholds"] = p.TypeThresholds
	}
	if p.Seed != nil {
		ret["seed"] = *p.Seed
	}
	return ret
}

// Types returns the effective number of populations.
func (p *SchellingModelParams) Types() int {
	if p.TypeCount == 0 {
		return 2
	}
	return p.TypeCount
}

// ThresholdFor returns the satisfaction threshold for agents of type t.
func (p *SchellingModelParams) ThresholdFor(t AgentType) float64 {
	if int(t) < len(p.TypeThresholds) {
		return p.TypeThresholds[t]
	}
	return p.Threshold
}

func validThreshold(t float64) bool {
	return !math.IsNaN(t) && t > 0 && t <= 1
}

// Validate checks the parameters without building anything.
func (p *SchellingModelParams) Validate() error {
	if p.Width < MinGridSide {
		return &ConfigurationError{"width", fmt.Sprintf("must be at least %d, got %d", MinGridSide, p.Width)}
	}
	if p.Height < MinGridSide {
		return &ConfigurationError{"height", fmt.Sprintf("must be at least %d, got %d", MinGridSide, p.Height)}
	}
	if p.AgentCount <= 0 {
		return &ConfigurationError{"agent_count", fmt.Sprintf("must be positive, got %d", p.AgentCount)}
	}
	if capacity := p.Width * p.Height; p.AgentCount >= capacity {
		return &ConfigurationError{"agent_count", fmt.Sprintf("must be below grid capacity %d, got %d", capacity, p.AgentCount)}
	}
	if !validThreshold(p.Threshold) {
		return &ConfigurationError{"threshold", fmt.Sprintf("must be in (0,1], got %v", p.Threshold)}
	}
	if k := p.Types(); k < 2 || k > math.MaxUint8+1 {
		return &ConfigurationError{"type_count", fmt.Sprintf("must be in [2,%d], got %d", math.MaxUint8+1, k)}
	}
	if n := len(p.TypeThresholds); n > 0 {
		if n != p.Types() {
			return &ConfigurationError{"type_thresholds", fmt.Sprintf("need %d values, got %d", p.Types(), n)}
		}
		for i, t := range p.TypeThresholds {
			if !validThreshold(t) {
				return &ConfigurationError{"type_thresholds", fmt.Sprintf("value %d must be in (0,1], got %v", i, t)}
			}
		}
	}
	return nil
}

// TypeCounts splits AgentCount evenly across types; the remainder goes to
// the last type.
func (p *SchellingModelParams) TypeCounts() []int {
	k := p.Types()
	counts := make([]int, k)
	for i := range counts {
		counts[i] = p.AgentCount / k
	}
	counts[k-1] += p.AgentCount % k
	return counts
}

// AgentState is the externally visible state of one agent.
type AgentState struct {
	ID   AgentID   `json:"id" msgpack:"id"`
	Type AgentType `json:"type" msgpack:"type"`
	Cell Cell      `json:"cell" msgpack:"cell"`
}

// SchellingModel represents Schelling's segregation model
type SchellingModel struct {
	Params      SchellingModelParams
	Seed        int64
	EventLogger func(*EventRecord)
	CurStep     int
	Grid        *Grid
	Index       *OccupancyIndex
	Schedule    *RandomActivation

	// agents is indexed by AgentID.
	agents []*SchellingAgent
	pcg    *rand.PCG
	rng    *rand.Rand
	failed error
	// moves records the relocations of the running tick; frozen is the
	// state as of the last completed tick once failed is set.
	moves  []relocation
	frozen []AgentState
	mu     sync.RWMutex
}

type relocation struct {
	id   AgentID
	from Cell
}

func newRNG(seed int64) (*rand.PCG, *rand.Rand) {
	pcg := rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
	return pcg, rand.New(pcg)
}

// newEmptyModel validates params and allocates an unpopulated model.
func newEmptyModel(params *SchellingModelParams, eventLogger func(*EventRecord)) (*SchellingModel, error) {
	if params == nil {
		params = DefaultSchellingModelParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p := *params
	p.TypeThresholds = slices.Clone(params.TypeThresholds)

	var seed int64
	if p.Seed != nil {
		seed = *p.Seed
	} else {
		seed = rand.Int64()
	}
	p.Seed = &seed

	model := &SchellingModel{
		Params:      p,
		Seed:        seed,
		EventLogger: eventLogger,
		agents:      make([]*SchellingAgent, 0, p.AgentCount),
	}
	model.pcg, model.rng = newRNG(seed)

	// Initialize grid and scheduler
	model.Grid = NewGrid(p.Width, p.Height)
	model.Index = NewOccupancyIndex(model.Grid)
	model.Schedule = NewRandomActivation(model)

	return model, nil
}

// NewSchellingModel validates params, then creates and randomly places
// the populations on distinct cells.
func NewSchellingModel(params *SchellingModelParams, eventLogger func(*EventRecord)) (*SchellingModel, error) {
	model, err := newEmptyModel(params, eventLogger)
	if err != nil {
		return nil, err
	}

	cells := model.sampleCells(model.Params.AgentCount)
	i := 0
	for t, count := range model.Params.TypeCounts() {
		agentType := AgentType(t)
		for range count {
			agent := model.addAgent(agentType, model.Params.ThresholdFor(agentType))
			if err := model.place(agent, cells[i]); err != nil {
				return nil, err
			}
			i++
		}
	}

	return model, nil
}

// sampleCells draws n distinct cells uniformly without replacement using a
// partial Fisher-Yates shuffle over all cell indices.
func (m *SchellingModel) sampleCells(n int) []Cell {
	capacity := m.Grid.Capacity()
	indices := make([]int, capacity)
	for i := range indices {
		indices[i] = i
	}
	cells := make([]Cell, n)
	for i := range n {
		j := i + m.rng.IntN(capacity-i)
		indices[i], indices[j] = indices[j], indices[i]
		cells[i] = m.Grid.CellAt(indices[i])
	}
	return cells
}

func (m *SchellingModel) addAgent(agentType AgentType, threshold float64) *SchellingAgent {
	agent := NewSchellingAgent(AgentID(len(m.agents)), m, agentType, threshold)
	m.agents = append(m.agents, agent)
	m.Schedule.AddAgent(agent)
	return agent
}

// place puts an unplaced agent on an empty cell.
func (m *SchellingModel) place(agent *SchellingAgent, c Cell) error {
	if err := m.Grid.Place(agent.ID, c); err != nil {
		return err
	}
	m.Index.MarkOccupied(c)
	agent.cell = c
	agent.placed = true
	return nil
}

// relocate moves agent to a random empty cell, updating grid, index and
// the agent's back-reference as one step. The target is drawn while the
// agent still holds its old cell, so it always changes cell.
func (m *SchellingModel) relocate(agent *SchellingAgent) error {
	to, err := m.Index.RandomEmptyCell(m.rng)
	if err != nil {
		return err
	}
	from := agent.cell
	if err := m.Grid.Remove(from); err != nil {
		return err
	}
	m.Index.MarkEmpty(from)
	if err := m.Grid.Place(agent.ID, to); err != nil {
		return err
	}
	m.Index.MarkOccupied(to)
	agent.cell = to
	m.moves = append(m.moves, relocation{agent.ID, from})

	m.logEvent(EventRelocation, agent, RelocationEventBody{
		AgentType: agent.Type,
		From:      from,
		To:        to,
	})
	return nil
}

// Step advances the model by one tick and returns the number of
// relocations. Any error is fatal: the model keeps returning it and never
// mutates again. The event logger runs while the model is locked and must
// not call back into it.
func (m *SchellingModel) Step() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed != nil {
		return 0, m.failed
	}

	m.moves = m.moves[:0]
	moved, err := m.Schedule.Step(m.rng)
	if err != nil {
		m.failed = fmt.Errorf("step %d: %w", m.CurStep, err)
		m.frozen = m.rollbackView()
		return moved, m.failed
	}

	m.CurStep++
	return moved, nil
}

// Err returns the fatal error that stopped the model, if any.
func (m *SchellingModel) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

// Steps returns the number of completed ticks.
func (m *SchellingModel) Steps() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CurStep
}

// AgentCount returns the fixed population size.
func (m *SchellingModel) AgentCount() int {
	return len(m.agents)
}

// Agent returns the agent with the given id.
func (m *SchellingModel) Agent(id AgentID) (*SchellingAgent, bool) {
	if id < 0 || int(id) >= len(m.agents) {
		return nil, false
	}
	return m.agents[id], true
}

// Snapshot returns every agent's state ordered by id, as of the last
// completed tick. After a fatal error it still shows the state before the
// failed tick; Err reports the error.
func (m *SchellingModel) Snapshot() []AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.frozen != nil {
		return slices.Clone(m.frozen)
	}
	return m.collectAgents()
}

// rollbackView undoes the moves of the aborted tick on a copy of the agent
// states. The grid itself is left as the failure found it.
func (m *SchellingModel) rollbackView() []AgentState {
	states := m.collectAgents()
	for i := len(m.moves) - 1; i >= 0; i-- {
		states[m.moves[i].id].Cell = m.moves[i].from
	}
	return states
}

func (m *SchellingModel) collectAgents() []AgentState {
	states := make([]AgentState, len(m.agents))
	for i, agent := range m.agents {
		states[i] = AgentState{
			ID:   agent.ID,
			Type: agent.Type,
			Cell: agent.cell,
		}
	}
	return states
}

// CollectSatisfaction reports, per agent id, whether the agent is
// currently satisfied.
func (m *SchellingModel) CollectSatisfaction() []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]bool, len(m.agents))
	for i, agent := range m.agents {
		ret[i] = agent.IsSatisfied()
	}
	return ret
}

// Verify checks that grid, index and agent back-references agree.
func (m *SchellingModel) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n := m.Grid.OccupiedCount(); n != len(m.agents) {
		return fmt.Errorf("%w: %d occupied cells for %d agents", ErrOccupancy, n, len(m.agents))
	}
	if e := m.Index.EmptyCount(); e != m.Grid.Capacity()-len(m.agents) {
		return fmt.Errorf("%w: index holds %d empty cells, want %d", ErrOccupancy, e, m.Grid.Capacity()-len(m.agents))
	}
	for _, agent := range m.agents {
		if !agent.placed {
			return fmt.Errorf("%w: agent %d is not placed", ErrOccupancy, agent.ID)
		}
		id, ok := m.Grid.Occupant(agent.cell)
		if !ok || id != agent.ID {
			return fmt.Errorf("%w: agent %d not found at %v", ErrOccupancy, agent.ID, agent.cell)
		}
		if m.Index.IsEmpty(agent.cell) {
			return fmt.Errorf("%w: index lists occupied cell %v as empty", ErrOccupancy, agent.cell)
		}
	}
	return nil
}
