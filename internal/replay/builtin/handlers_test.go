package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

func install(t *testing.T) (*replay.Registry, *protocol.Schemas) {
	t.Helper()
	reg := replay.NewRegistry()
	schemas := protocol.NewSchemas()
	if err := Install(reg, schemas); err != nil {
		t.Fatalf("install: %v", err)
	}
	return reg, schemas
}

func ev(tick uint64, seq uint32, typ, actor, target, payload string) model.Event {
	return model.Event{
		Tick: tick, Seq: seq, Type: typ, SchemaVersion: 1,
		Actor: actor, Target: target, Payload: json.RawMessage(payload),
	}
}

func TestBuiltin_AgentLifecycle(t *testing.T) {
	reg, _ := install(t)
	s := replay.NewState("w")
	events := []model.Event{
		ev(0, 0, TypeAgentSpawn, "A", "", `{"name":"Ada","x":2,"y":3,"capabilities":["talkable","moveable"]}`),
		ev(0, 1, TypeAgentSpawn, "B", "", `{"name":"Bo"}`),
		ev(1, 0, TypeAgentMove, "A", "", `{"dx":1,"dy":-1}`),
		ev(1, 1, TypeAgentState, "A", "", `{"set":{"hunger":3,"mood":"calm"}}`),
		ev(2, 0, TypeAgentState, "A", "", `{"set":{"mood":null}}`),
		ev(2, 1, TypeRelationshipUpdate, "A", "B", `{"affinity":0.5,"trust":0.25}`),
		ev(3, 0, TypeRelationshipUpdate, "A", "B", `{"affinity":0.25}`),
		ev(3, 1, TypeAgentDie, "B", "", `{"cause":"old age"}`),
		ev(4, 0, TypeWorldSet, "", "", `{"key":"weather","value":"rain"}`),
	}
	if err := replay.Fold(context.Background(), reg, s, events); err != nil {
		t.Fatalf("fold: %v", err)
	}

	a := s.Agents["A"]
	if a.X != 3 || a.Y != 2 {
		t.Fatalf("A position: (%d,%d)", a.X, a.Y)
	}
	if string(a.State) != `{"hunger":3}` {
		t.Fatalf("A state: %s", a.State)
	}
	if len(a.Capabilities) != 2 || a.Capabilities[0] != CapMoveable {
		t.Fatalf("capabilities not normalized: %v", a.Capabilities)
	}
	b := s.Agents["B"]
	if b.Alive() || *b.DeathTick != 3 {
		t.Fatalf("B should have died at tick 3: %+v", b)
	}
	r := s.Relationships[model.RelKey{A: "A", B: "B"}]
	if r == nil || r.Affinity != 0.75 || r.Trust != 0.25 || r.LastTick != 3 {
		t.Fatalf("relationship: %+v", r)
	}
	if _, ok := s.Relationships[model.RelKey{A: "B", B: "A"}]; ok {
		t.Fatalf("relationships are directed; (B,A) must not exist")
	}
	if string(s.Vars["weather"]) != `"rain"` {
		t.Fatalf("world var: %s", s.Vars["weather"])
	}
}

func TestBuiltin_DeadAgentCannotMove(t *testing.T) {
	reg, _ := install(t)
	s := replay.NewState("w")
	events := []model.Event{
		ev(0, 0, TypeAgentSpawn, "A", "", `{"name":"Ada"}`),
		ev(1, 0, TypeAgentDie, "A", "", `{}`),
		ev(2, 0, TypeAgentMove, "A", "", `{"dx":1}`),
	}
	if err := replay.Fold(context.Background(), reg, s, events); err == nil {
		t.Fatalf("expected move of a dead agent to fail")
	}
}

func TestBuiltin_AbsoluteMoveUsesCoords(t *testing.T) {
	reg, _ := install(t)
	s := replay.NewState("w")
	move := ev(1, 0, TypeAgentMove, "A", "", `{"dx":100}`)
	move.Coords = &model.Coords{X: 7, Y: 8}
	events := []model.Event{ev(0, 0, TypeAgentSpawn, "A", "", `{"name":"Ada"}`), move}
	if err := replay.Fold(context.Background(), reg, s, events); err != nil {
		t.Fatalf("fold: %v", err)
	}
	if a := s.Agents["A"]; a.X != 7 || a.Y != 8 {
		t.Fatalf("coords should win: (%d,%d)", a.X, a.Y)
	}
}

func TestBuiltin_SchemasRegistered(t *testing.T) {
	_, schemas := install(t)
	if err := schemas.Validate(TypeAgentSpawn, 1, json.RawMessage(`{"x":1}`)); !protocol.Is(err, protocol.ErrSchemaMismatch) {
		t.Fatalf("spawn without name should fail validation, got %v", err)
	}
	if err := schemas.Validate(TypeWorldSet, 1, json.RawMessage(`{"key":"season","value":{"n":2}}`)); err != nil {
		t.Fatalf("world.set: %v", err)
	}
	if err := schemas.CheckVersion(TypeAgentMove, 2); !protocol.Is(err, protocol.ErrSchemaMismatch) {
		t.Fatalf("agent.move v2 is unknown, got %v", err)
	}
}
