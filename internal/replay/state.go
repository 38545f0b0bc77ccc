package replay

import (
	"context"
	"encoding/json"
	"sort"

	"worldledger.ai/internal/model"
)

// State is a full in-memory world state at Tick. It implements View.
type State struct {
	WorldID       string
	Tick          uint64
	Vars          map[string]json.RawMessage
	Agents        map[string]*model.Agent
	Relationships map[model.RelKey]*model.Relationship

	// Last is the last event folded into the state.
	Last model.Position
}

func NewState(worldID string) *State {
	return &State{
		WorldID:       worldID,
		Vars:          map[string]json.RawMessage{},
		Agents:        map[string]*model.Agent{},
		Relationships: map[model.RelKey]*model.Relationship{},
	}
}

func (s *State) Agent(id string) (*model.Agent, error) {
	return s.Agents[id].Clone(), nil
}

func (s *State) PutAgent(a *model.Agent) error {
	s.Agents[a.ID] = a.Clone()
	return nil
}

func (s *State) Relationship(a, b string) (*model.Relationship, error) {
	return s.Relationships[model.RelKey{A: a, B: b}].Clone(), nil
}

func (s *State) PutRelationship(r *model.Relationship) error {
	s.Relationships[r.Key()] = r.Clone()
	return nil
}

func (s *State) Var(key string) (json.RawMessage, error) {
	v, ok := s.Vars[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *State) SetVar(key string, value json.RawMessage) error {
	if value == nil {
		delete(s.Vars, key)
		return nil
	}
	s.Vars[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := NewState(s.WorldID)
	c.Tick = s.Tick
	c.Last = s.Last
	for k, v := range s.Vars {
		c.Vars[k] = append(json.RawMessage(nil), v...)
	}
	for id, a := range s.Agents {
		c.Agents[id] = a.Clone()
	}
	for k, r := range s.Relationships {
		c.Relationships[k] = r.Clone()
	}
	return c
}

// SortedAgents returns the agents ordered by id.
func (s *State) SortedAgents() []*model.Agent {
	out := make([]*model.Agent, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedRelationships returns the relationships ordered by (a, b).
func (s *State) SortedRelationships() []*model.Relationship {
	out := make([]*model.Relationship, 0, len(s.Relationships))
	for _, r := range s.Relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Fold applies events in order. Events must already be sorted by (tick, seq) and lie after
// s.Last; the caller guarantees both. Fold checks ctx between events so an abandoned
// reconstruction stops early; s is then partially folded and must be discarded.
func Fold(ctx context.Context, reg *Registry, s *State, events []model.Event) error {
	for i := range events {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ev := events[i]
		if err := reg.Apply(s, ev); err != nil {
			return err
		}
		s.Last = ev.Position()
		if ev.Tick > s.Tick {
			s.Tick = ev.Tick
		}
	}
	return nil
}
