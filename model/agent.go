package model

import "strconv"

// AgentType labels the population an agent belongs to. The satisfaction
// rule only compares labels for equality, so any number of types works.
type AgentType uint8

const (
	TypeA AgentType = iota
	TypeB
)

func (t AgentType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeB:
		return "B"
	default:
		return "T" + strconv.Itoa(int(t))
	}
}

// SchellingAgent is a single resident of the grid.
type SchellingAgent struct {
	ID        AgentID
	Type      AgentType
	Threshold float64
	Model     *SchellingModel

	// cell is written only by SchellingModel.place and relocate.
	cell   Cell
	placed bool
}

// NewSchellingAgent creates an unplaced agent.
func NewSchellingAgent(id AgentID, model *SchellingModel, agentType AgentType, threshold float64) *SchellingAgent {
	return &SchellingAgent{
		ID:        id,
		Type:      agentType,
		Threshold: threshold,
		Model:     model,
	}
}

// Cell returns the agent's current cell and whether it has been placed.
func (a *SchellingAgent) Cell() (Cell, bool) {
	return a.cell, a.placed
}

// CountNeighbors counts how many of the occupied neighbor types equal own.
func CountNeighbors(own AgentType, neighbors []AgentType) (same int, total int) {
	for _, t := range neighbors {
		if t == own {
			same++
		}
	}
	return same, len(neighbors)
}

// SatisfactionRule decides whether an agent stays. neighbors holds the
// types of the occupied neighbor cells only. An agent with no occupied
// neighbors is satisfied; otherwise it needs same/total >= threshold.
func SatisfactionRule(agent *SchellingAgent, neighbors []AgentType) bool {
	same, total := CountNeighbors(agent.Type, neighbors)
	if total == 0 {
		return true
	}
	return float64(same)/float64(total) >= agent.Threshold
}

// neighborTypes collects the types of the agents around the agent's cell.
// The returned slice aliases buf.
func (a *SchellingAgent) neighborTypes(buf []AgentType) []AgentType {
	buf = buf[:0]
	m := a.Model
	for _, c := range m.Grid.Neighborhood(a.cell) {
		if id, ok := m.Grid.Occupant(c); ok {
			buf = append(buf, m.agents[id].Type)
		}
	}
	return buf
}

// NeighborProportion returns the share of occupied neighbors with the same
// type. ok is false if the agent is unplaced or has no occupied neighbors.
func (a *SchellingAgent) NeighborProportion() (proportion float64, ok bool) {
	if !a.placed {
		return 0, false
	}
	var buf [8]AgentType
	same, total := CountNeighbors(a.Type, a.neighborTypes(buf[:0]))
	if total == 0 {
		return 0, false
	}
	return float64(same) / float64(total), true
}

// IsSatisfied evaluates the satisfaction rule at the agent's current cell.
func (a *SchellingAgent) IsSatisfied() bool {
	var buf [8]AgentType
	return SatisfactionRule(a, a.neighborTypes(buf[:0]))
}

// Step evaluates the agent against the current grid and relocates it to a
// random empty cell if it is dissatisfied.
func (a *SchellingAgent) Step() (moved bool, err error) {
	if a.IsSatisfied() {
		return false, nil
	}
	if err := a.Model.relocate(a); err != nil {
		return false, err
	}
	return true, nil
}
