package utils

import (
	"fmt"

	"schelling-model/model"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/stat"
)

// SegregationStats summarizes how segregated a snapshot is.
type SegregationStats struct {
	// Similarity is the mean same-type share over agents with at least one
	// occupied neighbor.
	Similarity float64
	// SatisfiedShare is the fraction of agents that would stay.
	SatisfiedShare float64
	// Clusters is the number of connected same-type components.
	Clusters int
	// Isolated counts agents with no occupied neighbor.
	Isolated int
}

// snapshotView rebuilds a grid from a snapshot for neighbor lookups.
type snapshotView struct {
	grid  *model.Grid
	types map[model.AgentID]model.AgentType
}

func newSnapshotView(states []model.AgentState, width, height int) (*snapshotView, error) {
	v := &snapshotView{
		grid:  model.NewGrid(width, height),
		types: make(map[model.AgentID]model.AgentType, len(states)),
	}
	for _, s := range states {
		if !v.grid.Contains(s.Cell) {
			return nil, fmt.Errorf("agent %d at %v is outside %dx%d grid", s.ID, s.Cell, width, height)
		}
		if err := v.grid.Place(s.ID, s.Cell); err != nil {
			return nil, err
		}
		v.types[s.ID] = s.Type
	}
	return v, nil
}

func (v *snapshotView) neighborTypes(c model.Cell) []model.AgentType {
	ret := make([]model.AgentType, 0, 8)
	for _, n := range v.grid.Neighborhood(c) {
		if id, ok := v.grid.Occupant(n); ok {
			ret = append(ret, v.types[id])
		}
	}
	return ret
}

// SameTypeGraph links every pair of Moore-adjacent agents sharing a type.
func SameTypeGraph(states []model.AgentState, width, height int) (*simple.UndirectedGraph, error) {
	v, err := newSnapshotView(states, width, height)
	if err != nil {
		return nil, err
	}

	g := simple.NewUndirectedGraph()
	for _, s := range states {
		g.AddNode(simple.Node(s.ID))
	}
	for _, s := range states {
		for _, n := range v.grid.Neighborhood(s.Cell) {
			id, ok := v.grid.Occupant(n)
			if !ok || v.types[id] != s.Type || g.HasEdgeBetween(int64(s.ID), int64(id)) {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(s.ID), simple.Node(id)))
		}
	}
	return g, nil
}

// ClusterCount returns the number of connected same-type components.
func ClusterCount(states []model.AgentState, width, height int) (int, error) {
	g, err := SameTypeGraph(states, width, height)
	if err != nil {
		return 0, err
	}
	return len(topo.ConnectedComponents(g)), nil
}

// Similarity returns the mean same-type share of occupied neighbors,
// skipping isolated agents, and the number of isolated agents.
func Similarity(states []model.AgentState, width, height int) (float64, int, error) {
	v, err := newSnapshotView(states, width, height)
	if err != nil {
		return 0, 0, err
	}

	shares := make([]float64, 0, len(states))
	isolated := 0
	for _, s := range states {
		same, total := model.CountNeighbors(s.Type, v.neighborTypes(s.Cell))
		if total == 0 {
			isolated++
			continue
		}
		shares = append(shares, float64(same)/float64(total))
	}
	if len(shares) == 0 {
		return 0, isolated, nil
	}
	return stat.Mean(shares, nil), isolated, nil
}

// SatisfiedShare returns the fraction of agents satisfied under the
// per-type thresholds of params.
func SatisfiedShare(states []model.AgentState, params *model.SchellingModelParams) (float64, error) {
	v, err := newSnapshotView(states, params.Width, params.Height)
	if err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 1, nil
	}

	satisfied := make([]float64, len(states))
	for i, s := range states {
		agent := &model.SchellingAgent{ID: s.ID, Type: s.Type, Threshold: params.ThresholdFor(s.Type)}
		if model.SatisfactionRule(agent, v.neighborTypes(s.Cell)) {
			satisfied[i] = 1
		}
	}
	return stat.Mean(satisfied, nil), nil
}

// ComputeSegregationStats gathers every metric for one snapshot.
func ComputeSegregationStats(states []model.AgentState, params *model.SchellingModelParams) (*SegregationStats, error) {
	similarity, isolated, err := Similarity(states, params.Width, params.Height)
	if err != nil {
		return nil, err
	}
	satisfied, err := SatisfiedShare(states, params)
	if err != nil {
		return nil, err
	}
	clusters, err := ClusterCount(states, params.Width, params.Height)
	if err != nil {
		return nil, err
	}
	return &SegregationStats{
		Similarity:     similarity,
		SatisfiedShare: satisfied,
		Clusters:       clusters,
		Isolated:       isolated,
	}, nil
}
