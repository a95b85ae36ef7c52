package model

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrOccupancy     = errors.New("occupancy error")
	ErrNoEmptyCell   = errors.New("no empty cell")
)

// ConfigurationError reports an invalid construction parameter.
// A model is never returned alongside it.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// OccupancyError reports a violated cell capacity invariant: placing onto
// an occupied cell or removing from an empty one. It always means the grid
// state is corrupt and must be treated as fatal.
type OccupancyError struct {
	Op   string
	Cell Cell
	// Occupant is the agent found at Cell when Op is "place".
	Occupant AgentID
}

func (e *OccupancyError) Error() string {
	if e.Op == "place" {
		return fmt.Sprintf("occupancy error: place on %v already held by agent %d", e.Cell, e.Occupant)
	}
	return fmt.Sprintf("occupancy error: %s on empty cell %v", e.Op, e.Cell)
}

func (e *OccupancyError) Is(target error) bool {
	return target == ErrOccupancy
}

// NoEmptyCellError is returned when a relocation is requested on a
// saturated grid.
type NoEmptyCellError struct {
	Capacity int
}

func (e *NoEmptyCellError) Error() string {
	return fmt.Sprintf("no empty cell: all %d cells occupied", e.Capacity)
}

func (e *NoEmptyCellError) Is(target error) bool {
	return target == ErrNoEmptyCell
}
