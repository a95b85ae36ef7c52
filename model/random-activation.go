package model

import "math/rand/v2"

// RandomActivation activates every agent once per tick in a fresh
// random order.
type RandomActivation struct {
	Model  *SchellingModel
	Agents []*SchellingAgent
}

// NewRandomActivation creates a new random activation scheduler
func NewRandomActivation(model *SchellingModel) *RandomActivation {
	return &RandomActivation{
		Model:  model,
		Agents: make([]*SchellingAgent, 0),
	}
}

// AddAgent adds an agent to the scheduler
func (ra *RandomActivation) AddAgent(agent *SchellingAgent) {
	ra.Agents = append(ra.Agents, agent)
}

// Order returns a uniformly random permutation of agent indices.
func (ra *RandomActivation) Order(rng *rand.Rand) []int {
	indices := make([]int, len(ra.Agents))
	for i := range indices {
		indices[i] = i
	}

	// Fisher-Yates shuffle
	for i := len(indices) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices
}

// Step visits every agent exactly once, sequentially, so later agents see
// the moves of earlier ones. The first error aborts the tick.
func (ra *RandomActivation) Step(rng *rand.Rand) (moved int, err error) {
	for _, i := range ra.Order(rng) {
		ok, err := ra.Agents[i].Step()
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}
