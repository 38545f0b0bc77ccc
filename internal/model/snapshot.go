package model

import "time"

// AgentCapture is one agent's encoded state inside a snapshot.
type AgentCapture struct {
	AgentID string
	State   []byte
}

// Snapshot is a write-once capture of a world at Tick. WorldState and agent states are
// encoded by the snapshot codec; the store treats them as opaque bytes.
type Snapshot struct {
	ID         string
	WorldID    string
	Tick       uint64
	Format     int
	WorldState []byte
	MapRef     string
	Agents     []AgentCapture
	CreatedAt  time.Time
}

func (s *Snapshot) Size() int {
	n := len(s.WorldState)
	for _, a := range s.Agents {
		n += len(a.State)
	}
	return n
}

// ProjectionCursor tracks how far a world's projections have consumed the log.
type ProjectionCursor struct {
	WorldID   string
	Last      Position
	Applied   uint64
	Failures  int
	LastError string
	Stalled   bool
	UpdatedAt time.Time
}
