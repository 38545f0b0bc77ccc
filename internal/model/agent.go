package model

import (
	"encoding/json"
	"sort"
)

// Agent is the current-state projection of an entity. Death is a tick, never a row delete.
type Agent struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Capabilities []string        `json:"capabilities,omitempty"`
	X            int             `json:"x"`
	Y            int             `json:"y"`
	BirthTick    uint64          `json:"birth_tick"`
	DeathTick    *uint64         `json:"death_tick,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	UpdatedTick  uint64          `json:"updated_tick"`
}

func (a *Agent) Alive() bool { return a.DeathTick == nil }

func (a *Agent) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.DeathTick != nil {
		d := *a.DeathTick
		c.DeathTick = &d
	}
	if a.State != nil {
		c.State = append(json.RawMessage(nil), a.State...)
	}
	return &c
}

// NormalizeCapabilities sorts and dedupes the tag set.
func NormalizeCapabilities(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RelKey is a directed pair. (a,b) and (b,a) are distinct keys.
type RelKey struct {
	A string
	B string
}

type Relationship struct {
	A           string          `json:"a"`
	B           string          `json:"b"`
	Affinity    float64         `json:"affinity"`
	Trust       float64         `json:"trust"`
	Hostility   float64         `json:"hostility"`
	Familiarity float64         `json:"familiarity"`
	LastTick    uint64          `json:"last_tick"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

func (r *Relationship) Key() RelKey { return RelKey{A: r.A, B: r.B} }

func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.Meta != nil {
		c.Meta = append(json.RawMessage(nil), r.Meta...)
	}
	return &c
}
