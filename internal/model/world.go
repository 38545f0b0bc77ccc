package model

import "time"

type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusArchived Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// ARCHIVED is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning || next == StatusArchived
	case StatusRunning:
		return next == StatusPaused || next == StatusArchived
	case StatusPaused:
		return next == StatusRunning || next == StatusArchived
	}
	return false
}

type World struct {
	ID               string
	Name             string
	Seed             int64
	GeneratorVersion string

	// CurrentTick only moves through an explicit tick advance.
	CurrentTick uint64
	TickUnitMs  int
	Status      Status
	CreatedAt   time.Time
}

func (w World) TickDuration() time.Duration {
	return time.Duration(w.TickUnitMs) * time.Millisecond
}
