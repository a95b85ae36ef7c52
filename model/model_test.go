package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func seedPtr(s int64) *int64 {
	return &s
}

// newPlacedModel builds a model with agents at fixed cells.
func newPlacedModel(t *testing.T, width, height int, threshold float64, states []AgentState) *SchellingModel {
	t.Helper()
	params := &SchellingModelParams{
		Width:      width,
		Height:     height,
		AgentCount: len(states),
		Threshold:  threshold,
		Seed:       seedPtr(1),
	}
	m, err := newEmptyModel(params, nil)
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	for _, s := range states {
		agent := m.addAgent(s.Type, threshold)
		if agent.ID != s.ID {
			t.Fatalf("expected agent id %d, got %d", s.ID, agent.ID)
		}
		if err := m.place(agent, s.Cell); err != nil {
			t.Fatalf("Failed to place agent %d: %v", s.ID, err)
		}
	}
	return m
}

func checkOccupancy(t *testing.T, m *SchellingModel, agentCount int) {
	t.Helper()
	if err := m.Verify(); err != nil {
		t.Fatalf("invariant violated at step %d: %v", m.CurStep, err)
	}
	snap := m.Snapshot()
	if len(snap) != agentCount {
		t.Fatalf("expected %d agents, got %d", agentCount, len(snap))
	}
	cells := make(map[Cell]bool, len(snap))
	for _, s := range snap {
		if cells[s.Cell] {
			t.Fatalf("cell %v holds more than one agent", s.Cell)
		}
		cells[s.Cell] = true
	}
}

func TestNewSchellingModelRejectsBadConfig(t *testing.T) {
	base := SchellingModelParams{Width: 5, Height: 4, AgentCount: 10, Threshold: 0.3}

	tests := []struct {
		name  string
		edit  func(p *SchellingModelParams)
		field string
	}{
		{"full grid", func(p *SchellingModelParams) { p.AgentCount = 20 }, "agent_count"},
		{"over capacity", func(p *SchellingModelParams) { p.AgentCount = 21 }, "agent_count"},
		{"no agents", func(p *SchellingModelParams) { p.AgentCount = 0 }, "agent_count"},
		{"narrow", func(p *SchellingModelParams) { p.Width = 2 }, "width"},
		{"flat", func(p *SchellingModelParams) { p.Height = 1 }, "height"},
		{"zero threshold", func(p *SchellingModelParams) { p.Threshold = 0 }, "threshold"},
		{"threshold above one", func(p *SchellingModelParams) { p.Threshold = 1.01 }, "threshold"},
		{"single type", func(p *SchellingModelParams) { p.TypeCount = 1 }, "type_count"},
		{"threshold count mismatch", func(p *SchellingModelParams) { p.TypeThresholds = []float64{0.5} }, "type_thresholds"},
		{"bad type threshold", func(p *SchellingModelParams) { p.TypeThresholds = []float64{0.5, -1} }, "type_thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.edit(&p)
			m, err := NewSchellingModel(&p, nil)
			if m != nil {
				t.Errorf("expected no model on configuration error")
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cfgErr.Field)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected errors.Is ErrConfiguration")
			}
		})
	}
}

func TestNewSchellingModelPopulations(t *testing.T) {
	m, err := NewSchellingModel(&SchellingModelParams{
		Width: 6, Height: 6, AgentCount: 7, Threshold: 0.4, Seed: seedPtr(3),
	}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	checkOccupancy(t, m, 7)

	counts := map[AgentType]int{}
	for _, s := range m.Snapshot() {
		counts[s.Type]++
	}
	if counts[TypeA] != 3 || counts[TypeB] != 4 {
		t.Errorf("expected 3 A and 4 B, got %v", counts)
	}
	for id := range AgentID(7) {
		a, ok := m.Agent(id)
		if !ok || a.Threshold != 0.4 {
			t.Errorf("agent %d: expected threshold 0.4", id)
		}
	}
}

func TestNewSchellingModelManyTypes(t *testing.T) {
	m, err := NewSchellingModel(&SchellingModelParams{
		Width: 5, Height: 5, AgentCount: 8, Threshold: 0.5,
		TypeCount: 3, TypeThresholds: []float64{0.2, 0.5, 0.9}, Seed: seedPtr(5),
	}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}

	counts := map[AgentType]int{}
	for _, s := range m.Snapshot() {
		counts[s.Type]++
		a, _ := m.Agent(s.ID)
		if want := m.Params.TypeThresholds[s.Type]; a.Threshold != want {
			t.Errorf("agent %d of type %v: expected threshold %v, got %v", s.ID, s.Type, want, a.Threshold)
		}
	}
	if counts[0] != 2 || counts[1] != 2 || counts[2] != 4 {
		t.Errorf("expected split 2/2/4, got %v", counts)
	}

	for range 10 {
		if _, err := m.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		checkOccupancy(t, m, 8)
	}
}

func TestStepKeepsOccupancyAndPopulation(t *testing.T) {
	m, err := NewSchellingModel(&SchellingModelParams{
		Width: 12, Height: 9, AgentCount: 80, Threshold: 0.6, Seed: seedPtr(7),
	}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	types := func() []AgentType {
		ret := []AgentType{}
		for _, s := range m.Snapshot() {
			ret = append(ret, s.Type)
		}
		return ret
	}
	initialTypes := types()

	for step := 1; step <= 30; step++ {
		if _, err := m.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		checkOccupancy(t, m, 80)
		if m.Steps() != step {
			t.Fatalf("expected step %d, got %d", step, m.Steps())
		}
	}
	if !slices.Equal(initialTypes, types()) {
		t.Errorf("agent types changed across ticks")
	}
}

func TestDeterminism(t *testing.T) {
	params := &SchellingModelParams{Width: 10, Height: 10, AgentCount: 70, Threshold: 0.5, Seed: seedPtr(42)}
	m1, err := NewSchellingModel(params, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	m2, err := NewSchellingModel(params, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}

	if !slices.Equal(m1.Snapshot(), m2.Snapshot()) {
		t.Fatalf("initial snapshots differ")
	}
	for i := range 25 {
		n1, err1 := m1.Step()
		n2, err2 := m2.Step()
		if err1 != nil || err2 != nil {
			t.Fatalf("Step failed: %v %v", err1, err2)
		}
		if n1 != n2 {
			t.Fatalf("step %d: relocation counts differ: %d vs %d", i, n1, n2)
		}
		if !slices.Equal(m1.Snapshot(), m2.Snapshot()) {
			t.Fatalf("step %d: snapshots differ", i)
		}
	}
}

func TestRandomSeedIsRecorded(t *testing.T) {
	m1, err := NewSchellingModel(&SchellingModelParams{Width: 8, Height: 8, AgentCount: 30, Threshold: 0.5}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	if m1.Params.Seed == nil || *m1.Params.Seed != m1.Seed {
		t.Fatalf("expected drawn seed to be recorded in params")
	}
	m2, err := NewSchellingModel(&SchellingModelParams{Width: 8, Height: 8, AgentCount: 30, Threshold: 0.5, Seed: seedPtr(m1.Seed)}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	if !slices.Equal(m1.Snapshot(), m2.Snapshot()) {
		t.Errorf("replaying the recorded seed gave a different placement")
	}
}

func TestBothDissatisfiedAgentsRelocate(t *testing.T) {
	m := newPlacedModel(t, 3, 3, 1.0, []AgentState{
		{ID: 0, Type: TypeA, Cell: Cell{0, 0}},
		{ID: 1, Type: TypeB, Cell: Cell{1, 1}},
	})
	var events []*EventRecord
	m.EventLogger = func(e *EventRecord) {
		events = append(events, e)
	}
	before := m.Snapshot()

	moved, err := m.Step()
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected both agents to relocate, got %d", moved)
	}
	checkOccupancy(t, m, 2)

	after := m.Snapshot()
	for i := range after {
		if after[i].Cell == before[i].Cell {
			t.Errorf("agent %d stayed at %v", i, after[i].Cell)
		}
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 relocation events, got %d", len(events))
	}
	for _, e := range events {
		body, ok := e.Body.(RelocationEventBody)
		if e.Type != EventRelocation || !ok {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Step != 0 || body.From == body.To {
			t.Errorf("unexpected relocation %+v", body)
		}
	}
}

func TestSingleEmptyCell(t *testing.T) {
	m, err := NewSchellingModel(&SchellingModelParams{
		Width: 3, Height: 3, AgentCount: 8, Threshold: 1.0, Seed: seedPtr(9),
	}, nil)
	if err != nil {
		t.Fatalf("construction with one empty cell should succeed: %v", err)
	}
	if m.Index.EmptyCount() != 1 {
		t.Fatalf("expected 1 empty cell, got %d", m.Index.EmptyCount())
	}

	total := 0
	for range 50 {
		moved, err := m.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		total += moved
		checkOccupancy(t, m, 8)
	}
	if total == 0 {
		t.Errorf("expected relocations with threshold 1.0 on a mixed full grid")
	}
}

func TestSatisfiedAgentsStay(t *testing.T) {
	m := newPlacedModel(t, 5, 5, 1.0, []AgentState{
		{ID: 0, Type: TypeA, Cell: Cell{0, 0}},
		{ID: 1, Type: TypeA, Cell: Cell{1, 0}},
		{ID: 2, Type: TypeB, Cell: Cell{3, 3}},
	})
	before := m.Snapshot()
	moved, err := m.Step()
	if err != nil || moved != 0 {
		t.Fatalf("expected no relocations, got %d (%v)", moved, err)
	}
	if !slices.Equal(before, m.Snapshot()) {
		t.Errorf("snapshot changed without relocations")
	}
}

func TestOccupancyErrorIsFatal(t *testing.T) {
	m := newPlacedModel(t, 3, 3, 1.0, []AgentState{
		{ID: 0, Type: TypeA, Cell: Cell{0, 0}},
		{ID: 1, Type: TypeB, Cell: Cell{1, 1}},
	})
	// corrupt the grid behind the model's back
	if err := m.Grid.Remove(Cell{0, 0}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	_, err := m.Step()
	if !errors.Is(err, ErrOccupancy) {
		t.Fatalf("expected OccupancyError, got %v", err)
	}
	if m.Steps() != 0 {
		t.Errorf("failed tick must not advance the step counter")
	}

	_, again := m.Step()
	if again != err {
		t.Errorf("expected the same fatal error, got %v", again)
	}
	if m.Err() != err {
		t.Errorf("Err() should report the fatal error")
	}
}

func TestDumpAndLoadResumesIdentically(t *testing.T) {
	params := &SchellingModelParams{Width: 9, Height: 7, AgentCount: 40, Threshold: 0.85, Seed: seedPtr(21)}
	m1, err := NewSchellingModel(params, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	for range 5 {
		if _, err := m1.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	dump, err := m1.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	m2, err := dump.Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m2.CurStep != 5 || m2.Seed != 21 {
		t.Fatalf("expected step 5 seed 21, got step %d seed %d", m2.CurStep, m2.Seed)
	}
	checkOccupancy(t, m2, 40)
	if !slices.Equal(m1.Index.EmptyOrder(), m2.Index.EmptyOrder()) {
		t.Fatalf("empty cell order differs after load")
	}

	total := 0
	for i := range 10 {
		n1, err := m1.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		n2, err := m2.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if n1 != n2 || !slices.Equal(m1.Snapshot(), m2.Snapshot()) {
			t.Fatalf("resumed model diverged at step %d", i)
		}
		total += n1
	}
	if total == 0 {
		t.Fatalf("expected relocations after the resume point")
	}
}

func TestResumeFromEveryStepMatchesUninterruptedRun(t *testing.T) {
	params := &SchellingModelParams{Width: 8, Height: 8, AgentCount: 44, Threshold: 0.9, Seed: seedPtr(5)}
	ref, err := NewSchellingModel(params, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	m, err := NewSchellingModel(params, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}

	// dump and reload before every tick
	for i := range 20 {
		dump, err := m.Dump()
		if err != nil {
			t.Fatalf("Dump failed: %v", err)
		}
		if m, err = dump.Load(nil); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		n1, err := ref.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		n2, err := m.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if n1 == 0 {
			t.Fatalf("expected agents to keep moving at step %d", i)
		}
		if n1 != n2 || !slices.Equal(ref.Snapshot(), m.Snapshot()) {
			t.Fatalf("reloaded model diverged at step %d", i)
		}
	}
}

func TestLoadRejectsCorruptDump(t *testing.T) {
	m, err := NewSchellingModel(&SchellingModelParams{Width: 4, Height: 4, AgentCount: 3, Threshold: 0.5, Seed: seedPtr(2)}, nil)
	if err != nil {
		t.Fatalf("NewSchellingModel failed: %v", err)
	}
	dump, err := m.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	sharedCell := *dump
	sharedCell.Agents = slices.Clone(dump.Agents)
	sharedCell.Agents[1].Cell = dump.Agents[0].Cell
	if _, err := sharedCell.Load(nil); !errors.Is(err, ErrOccupancy) {
		t.Errorf("expected OccupancyError for shared cell, got %v", err)
	}

	for _, threshold := range []float64{math.NaN(), 0, -0.1, 1.5} {
		badThreshold := *dump
		badThreshold.Thresholds = slices.Clone(dump.Thresholds)
		badThreshold.Thresholds[1] = threshold
		if _, err := badThreshold.Load(nil); !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ConfigurationError for threshold %v, got %v", threshold, err)
		}
	}

	// 3 agents split 1 A / 2 B
	badTypes := *dump
	badTypes.Agents = slices.Clone(dump.Agents)
	badTypes.Agents[2].Type = TypeA
	if _, err := badTypes.Load(nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ConfigurationError for type counts, got %v", err)
	}

	occupied := m.Grid.index(dump.Agents[0].Cell)
	for name, order := range map[string][]int{
		"missing":   dump.EmptyCells[1:],
		"duplicate": append([]int{dump.EmptyCells[1]}, dump.EmptyCells[1:]...),
		"occupied":  append([]int{occupied}, dump.EmptyCells[1:]...),
		"outside":   append([]int{16}, dump.EmptyCells[1:]...),
	} {
		badOrder := *dump
		badOrder.EmptyCells = order
		if _, err := badOrder.Load(nil); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%s: expected ConfigurationError for empty cell order, got %v", name, err)
		}
	}

	if _, err := dump.Load(nil); err != nil {
		t.Errorf("untouched dump should load: %v", err)
	}
}

func TestFailedTickSnapshotShowsLastCompletedTick(t *testing.T) {
	m := newPlacedModel(t, 3, 3, 1.0, []AgentState{
		{ID: 0, Type: TypeA, Cell: Cell{0, 0}},
		{ID: 1, Type: TypeB, Cell: Cell{1, 0}},
		{ID: 2, Type: TypeA, Cell: Cell{2, 0}},
		{ID: 3, Type: TypeB, Cell: Cell{0, 1}},
	})
	before := m.Snapshot()

	// predict the activation order from a copy of the rng
	state, err := m.pcg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(state); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	order := m.Schedule.Order(rand.New(pcg))
	last := before[order[len(order)-1]]

	// every cell neighbors every other on a 3x3 torus, so the first three
	// agents relocate before the last one hits the corrupted cell
	if err := m.Grid.Remove(last.Cell); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	moved, err := m.Step()
	if !errors.Is(err, ErrOccupancy) {
		t.Fatalf("expected OccupancyError, got %v", err)
	}
	if moved != 3 {
		t.Fatalf("expected 3 relocations before the failure, got %d", moved)
	}
	if !slices.Equal(before, m.Snapshot()) {
		t.Errorf("snapshot shows a partial tick: %v, want %v", m.Snapshot(), before)
	}
	if _, err := m.Dump(); !errors.Is(err, ErrOccupancy) {
		t.Errorf("expected Dump to report the fatal error, got %v", err)
	}
}
