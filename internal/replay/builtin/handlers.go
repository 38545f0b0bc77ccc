package builtin

import (
	"encoding/json"
	"fmt"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

// Install registers the stock event types with reg and their v1 payload schemas with
// schemas.
func Install(reg *replay.Registry, schemas *protocol.Schemas) error {
	specs := []struct {
		spec    replay.TypeSpec
		payload any
	}{
		{replay.TypeSpec{Type: TypeAgentSpawn, Introduces: replay.RoleActor, Handler: applySpawn}, &AgentSpawnV1{}},
		{replay.TypeSpec{Type: TypeAgentMove, Handler: applyMove}, &AgentMoveV1{}},
		{replay.TypeSpec{Type: TypeAgentDie, Handler: applyDie}, &AgentDieV1{}},
		{replay.TypeSpec{Type: TypeAgentState, Handler: applyState}, &AgentStateV1{}},
		{replay.TypeSpec{Type: TypeRelationshipUpdate, Handler: applyRelationship}, &RelationshipUpdateV1{}},
		{replay.TypeSpec{Type: TypeWorldSet, Handler: applyWorldSet}, &WorldSetV1{}},
	}
	for _, s := range specs {
		if err := reg.Register(s.spec); err != nil {
			return err
		}
		if schemas != nil {
			if err := schemas.RegisterType(s.spec.Type, 1, s.payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func decode(ev model.Event, dst any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return protocol.Wrap(protocol.ErrSchemaMismatch, err, "%s v%d", ev.Type, ev.SchemaVersion)
	}
	return nil
}

func liveActor(v replay.View, ev model.Event) (*model.Agent, error) {
	if ev.Actor == "" {
		return nil, fmt.Errorf("%s: missing actor", ev.Type)
	}
	a, err := v.Agent(ev.Actor)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%s: agent %s not spawned", ev.Type, ev.Actor)
	}
	if !a.Alive() {
		return nil, fmt.Errorf("%s: agent %s is dead", ev.Type, ev.Actor)
	}
	return a, nil
}

func applySpawn(v replay.View, ev model.Event) error {
	var p AgentSpawnV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	if ev.Actor == "" {
		return fmt.Errorf("%s: missing actor", ev.Type)
	}
	existing, err := v.Agent(ev.Actor)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%s: agent %s already spawned", ev.Type, ev.Actor)
	}
	a := &model.Agent{
		ID:           ev.Actor,
		Name:         p.Name,
		Capabilities: model.NormalizeCapabilities(p.Capabilities),
		X:            p.X,
		Y:            p.Y,
		BirthTick:    ev.Tick,
		UpdatedTick:  ev.Tick,
	}
	if ev.Coords != nil {
		a.X, a.Y = ev.Coords.X, ev.Coords.Y
	}
	if len(p.State) > 0 {
		b, err := json.Marshal(p.State)
		if err != nil {
			return err
		}
		a.State = b
	}
	return v.PutAgent(a)
}

func applyMove(v replay.View, ev model.Event) error {
	var p AgentMoveV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	a, err := liveActor(v, ev)
	if err != nil {
		return err
	}
	if ev.Coords != nil {
		a.X, a.Y = ev.Coords.X, ev.Coords.Y
	} else {
		a.X += p.DX
		a.Y += p.DY
	}
	a.UpdatedTick = ev.Tick
	return v.PutAgent(a)
}

func applyDie(v replay.View, ev model.Event) error {
	var p AgentDieV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	a, err := liveActor(v, ev)
	if err != nil {
		return err
	}
	t := ev.Tick
	a.DeathTick = &t
	a.UpdatedTick = ev.Tick
	return v.PutAgent(a)
}

func applyState(v replay.View, ev model.Event) error {
	var p AgentStateV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	a, err := liveActor(v, ev)
	if err != nil {
		return err
	}
	cur := map[string]any{}
	if len(a.State) > 0 {
		if err := json.Unmarshal(a.State, &cur); err != nil {
			return fmt.Errorf("%s: agent %s state: %w", ev.Type, a.ID, err)
		}
	}
	for k, val := range p.Set {
		if val == nil {
			delete(cur, k)
			continue
		}
		cur[k] = val
	}
	if len(cur) == 0 {
		a.State = nil
	} else {
		// encoding/json sorts map keys, so the merged state is byte-stable.
		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		a.State = b
	}
	a.UpdatedTick = ev.Tick
	return v.PutAgent(a)
}

func applyRelationship(v replay.View, ev model.Event) error {
	var p RelationshipUpdateV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	if ev.Actor == "" || ev.Target == "" {
		return fmt.Errorf("%s: needs actor and target", ev.Type)
	}
	if ev.Actor == ev.Target {
		return fmt.Errorf("%s: self relationship for %s", ev.Type, ev.Actor)
	}
	for _, id := range []string{ev.Actor, ev.Target} {
		a, err := v.Agent(id)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%s: agent %s not spawned", ev.Type, id)
		}
	}
	r, err := v.Relationship(ev.Actor, ev.Target)
	if err != nil {
		return err
	}
	if r == nil {
		r = &model.Relationship{A: ev.Actor, B: ev.Target}
	}
	r.Affinity += p.Affinity
	r.Trust += p.Trust
	r.Hostility += p.Hostility
	r.Familiarity += p.Familiarity
	r.LastTick = ev.Tick
	if len(p.Meta) > 0 {
		b, err := json.Marshal(p.Meta)
		if err != nil {
			return err
		}
		r.Meta = b
	}
	return v.PutRelationship(r)
}

func applyWorldSet(v replay.View, ev model.Event) error {
	var p WorldSetV1
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Key == "" {
		return fmt.Errorf("%s: empty key", ev.Type)
	}
	if p.Value == nil {
		return v.SetVar(p.Key, nil)
	}
	b, err := json.Marshal(p.Value)
	if err != nil {
		return err
	}
	return v.SetVar(p.Key, b)
}
