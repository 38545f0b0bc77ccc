// Package replay folds log events into world state through caller-registered handlers.
//
// The same handlers drive both the projection store (against database rows) and
// reconstruction (against an in-memory State), so they must be pure functions of the view
// they are given and the event.
package replay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"worldledger.ai/internal/model"
)

// View is the state a handler reads and mutates. Getters return copies; a nil result with
// a nil error means the row does not exist.
type View interface {
	Agent(id string) (*model.Agent, error)
	PutAgent(a *model.Agent) error
	Relationship(a, b string) (*model.Relationship, error)
	PutRelationship(r *model.Relationship) error
	Var(key string) (json.RawMessage, error)
	SetVar(key string, value json.RawMessage) error
}

type Handler func(v View, ev model.Event) error

// Role names which entity reference of an event a type introduces.
type Role int

const (
	RoleNone Role = iota
	RoleActor
	RoleTarget
)

// TypeSpec describes an event type known to the registry.
type TypeSpec struct {
	Type       string
	Introduces Role
	Handler    Handler
}

type capKey struct {
	capability string
	eventType  string
}

// Registry maps event types to handlers. Capability handlers are looked up by
// (actor capability, event type) and take precedence over the plain type handler; the
// actor's capabilities are tried in sorted order so dispatch is deterministic.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeSpec
	caps  map[capKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		types: map[string]TypeSpec{},
		caps:  map[capKey]Handler{},
	}
}

func (r *Registry) Register(spec TypeSpec) error {
	if spec.Type == "" {
		return fmt.Errorf("replay: empty event type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[spec.Type]; dup {
		return fmt.Errorf("replay: event type %q already registered", spec.Type)
	}
	r.types[spec.Type] = spec
	return nil
}

// Handle is shorthand for registering a plain handler.
func (r *Registry) Handle(eventType string, h Handler) error {
	return r.Register(TypeSpec{Type: eventType, Handler: h})
}

// HandleCapability registers h for eventType when the actor carries capability.
func (r *Registry) HandleCapability(capability, eventType string, h Handler) error {
	if capability == "" || eventType == "" || h == nil {
		return fmt.Errorf("replay: capability handler needs capability, type and handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := capKey{capability: capability, eventType: eventType}
	if _, dup := r.caps[k]; dup {
		return fmt.Errorf("replay: handler for (%s, %s) already registered", capability, eventType)
	}
	r.caps[k] = h
	return nil
}

// Introduces reports which role eventType introduces into the entity registry.
func (r *Registry) Introduces(eventType string) Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[eventType].Introduces
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Apply dispatches ev against v. Unknown event types are a no-op: they stay in the log but
// derive nothing.
func (r *Registry) Apply(v View, ev model.Event) error {
	h, err := r.resolve(v, ev)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	if err := h(v, ev); err != nil {
		return fmt.Errorf("apply %s (tick=%d seq=%d): %w", ev.Type, ev.Tick, ev.Seq, err)
	}
	return nil
}

func (r *Registry) resolve(v View, ev model.Event) (Handler, error) {
	r.mu.RLock()
	hasCaps := len(r.caps) > 0
	r.mu.RUnlock()

	if hasCaps && ev.Actor != "" {
		actor, err := v.Agent(ev.Actor)
		if err != nil {
			return nil, err
		}
		if actor != nil {
			caps := model.NormalizeCapabilities(actor.Capabilities)
			r.mu.RLock()
			for _, c := range caps {
				if h, ok := r.caps[capKey{capability: c, eventType: ev.Type}]; ok {
					r.mu.RUnlock()
					return h, nil
				}
			}
			r.mu.RUnlock()
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[ev.Type].Handler, nil
}
