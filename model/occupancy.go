package model

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// OccupancyIndex keeps the set of empty cells for O(1) uniform sampling.
// It must be updated together with the Grid on every placement and removal.
type OccupancyIndex struct {
	grid *Grid
	// empty holds row-major indices of empty cells in no particular order.
	empty []int
	// pos[i] is the position of cell i inside empty, or -1 if occupied.
	pos []int
}

// NewOccupancyIndex builds an index that considers every cell of g empty.
func NewOccupancyIndex(g *Grid) *OccupancyIndex {
	n := g.Capacity()
	idx := &OccupancyIndex{
		grid:  g,
		empty: make([]int, n),
		pos:   make([]int, n),
	}
	for i := range n {
		idx.empty[i] = i
		idx.pos[i] = i
	}
	return idx
}

// EmptyCount is the number of empty cells.
func (o *OccupancyIndex) EmptyCount() int {
	return len(o.empty)
}

// IsEmpty reports whether the index considers c empty.
func (o *OccupancyIndex) IsEmpty(c Cell) bool {
	return o.pos[o.grid.index(c)] >= 0
}

// RandomEmptyCell samples uniformly among the empty cells.
func (o *OccupancyIndex) RandomEmptyCell(rng *rand.Rand) (Cell, error) {
	if len(o.empty) == 0 {
		return Cell{}, &NoEmptyCellError{Capacity: o.grid.Capacity()}
	}
	return o.grid.CellAt(o.empty[rng.IntN(len(o.empty))]), nil
}

// MarkOccupied drops c from the empty set. No-op if already occupied.
func (o *OccupancyIndex) MarkOccupied(c Cell) {
	i := o.grid.index(c)
	p := o.pos[i]
	if p < 0 {
		return
	}
	last := len(o.empty) - 1
	moved := o.empty[last]
	o.empty[p] = moved
	o.pos[moved] = p
	o.empty = o.empty[:last]
	o.pos[i] = -1
}

// MarkEmpty adds c to the empty set. No-op if already empty.
func (o *OccupancyIndex) MarkEmpty(c Cell) {
	i := o.grid.index(c)
	if o.pos[i] >= 0 {
		return
	}
	o.pos[i] = len(o.empty)
	o.empty = append(o.empty, i)
}

// EmptyOrder returns the row-major indices of the empty cells in sampling
// order. Together with the rng state it fixes every future draw.
func (o *OccupancyIndex) EmptyOrder() []int {
	return slices.Clone(o.empty)
}

// RestoreOrder replaces the sampling order of the empty set. order must be a
// permutation of exactly the cells the index currently considers empty.
func (o *OccupancyIndex) RestoreOrder(order []int) error {
	if len(order) != len(o.empty) {
		return &ConfigurationError{"empty_cells", fmt.Sprintf("need %d cells, got %d", len(o.empty), len(order))}
	}
	seen := make([]bool, len(o.pos))
	for _, i := range order {
		if i < 0 || i >= len(o.pos) {
			return &ConfigurationError{"empty_cells", fmt.Sprintf("cell index %d is outside the grid", i)}
		}
		if o.pos[i] < 0 {
			return &ConfigurationError{"empty_cells", fmt.Sprintf("cell %v is occupied", o.grid.CellAt(i))}
		}
		if seen[i] {
			return &ConfigurationError{"empty_cells", fmt.Sprintf("cell %v is listed twice", o.grid.CellAt(i))}
		}
		seen[i] = true
	}
	copy(o.empty, order)
	for p, i := range o.empty {
		o.pos[i] = p
	}
	return nil
}
