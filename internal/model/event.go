package model

import (
	"encoding/json"
	"time"
)

type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Event is an immutable log entry. (WorldID, Tick, Seq) is unique and defines total order.
type Event struct {
	ID            string          `json:"id"`
	WorldID       string          `json:"world_id"`
	Tick          uint64          `json:"tick"`
	Seq           uint32          `json:"seq_in_tick"`
	Type          string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Actor         string          `json:"actor,omitempty"`
	Target        string          `json:"target,omitempty"`
	Coords        *Coords         `json:"coords,omitempty"`
	CausedBy      string          `json:"caused_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Position is a point in a world's (tick, seq) order.
type Position struct {
	Tick  uint64
	Seq   uint32
	Valid bool
}

func (e Event) Position() Position {
	return Position{Tick: e.Tick, Seq: e.Seq, Valid: true}
}

// Before reports whether p sorts strictly before q. An invalid position sorts before all.
func (p Position) Before(q Position) bool {
	if !q.Valid {
		return false
	}
	if !p.Valid {
		return true
	}
	if p.Tick != q.Tick {
		return p.Tick < q.Tick
	}
	return p.Seq < q.Seq
}

// EventFilter narrows a log read. Zero values match everything.
type EventFilter struct {
	Types  []string
	Actor  string
	Target string
	Limit  int
}

// Head summarizes the tail of a world's log.
type Head struct {
	Last  Position
	Count uint64
}
