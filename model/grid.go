package model

import "fmt"

// Cell is a coordinate on the toroidal grid.
type Cell struct {
	X int
	Y int
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// AgentID identifies an agent within one model.
type AgentID int

// NoAgent marks an empty cell.
const NoAgent AgentID = -1

// MinGridSide is the smallest width or height for which the Moore
// neighborhood holds 8 distinct cells.
const MinGridSide = 3

// moore lists the neighbor offsets, row by row.
var moore = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Grid is a toroidal Moore grid holding at most one agent per cell.
type Grid struct {
	Width     int
	Height    int
	occupants []AgentID
}

// NewGrid creates an empty grid. Callers validate dimensions.
func NewGrid(width, height int) *Grid {
	occupants := make([]AgentID, width*height)
	for i := range occupants {
		occupants[i] = NoAgent
	}
	return &Grid{
		Width:     width,
		Height:    height,
		occupants: occupants,
	}
}

// Capacity is the number of cells.
func (g *Grid) Capacity() int {
	return g.Width * g.Height
}

// Wrap maps any integer coordinate onto the torus.
func (g *Grid) Wrap(x, y int) Cell {
	x %= g.Width
	if x < 0 {
		x += g.Width
	}
	y %= g.Height
	if y < 0 {
		y += g.Height
	}
	return Cell{X: x, Y: y}
}

func (g *Grid) index(c Cell) int {
	return c.Y*g.Width + c.X
}

// CellAt converts a row-major index back to a cell.
func (g *Grid) CellAt(i int) Cell {
	return Cell{X: i % g.Width, Y: i / g.Width}
}

// Contains reports whether c lies inside the grid bounds.
func (g *Grid) Contains(c Cell) bool {
	return c.X >= 0 && c.X < g.Width && c.Y >= 0 && c.Y < g.Height
}

// Neighborhood returns the 8 Moore neighbors of c in a fixed order,
// wrapping both axes independently.
func (g *Grid) Neighborhood(c Cell) [8]Cell {
	var out [8]Cell
	for i, d := range moore {
		out[i] = g.Wrap(c.X+d[0], c.Y+d[1])
	}
	return out
}

// Occupant returns the agent at c, if any.
func (g *Grid) Occupant(c Cell) (AgentID, bool) {
	id := g.occupants[g.index(c)]
	return id, id != NoAgent
}

// IsEmpty reports whether c holds no agent.
func (g *Grid) IsEmpty(c Cell) bool {
	return g.occupants[g.index(c)] == NoAgent
}

// Place records id at c. It fails if c is already occupied.
func (g *Grid) Place(id AgentID, c Cell) error {
	i := g.index(c)
	if cur := g.occupants[i]; cur != NoAgent {
		return &OccupancyError{Op: "place", Cell: c, Occupant: cur}
	}
	g.occupants[i] = id
	return nil
}

// Remove clears c. It fails if c is already empty.
func (g *Grid) Remove(c Cell) error {
	i := g.index(c)
	if g.occupants[i] == NoAgent {
		return &OccupancyError{Op: "remove", Cell: c}
	}
	g.occupants[i] = NoAgent
	return nil
}

// OccupiedCount counts occupied cells with a full scan.
func (g *Grid) OccupiedCount() int {
	n := 0
	for _, id := range g.occupants {
		if id != NoAgent {
			n++
		}
	}
	return n
}
