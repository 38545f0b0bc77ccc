package digest

import (
	"encoding/json"
	"testing"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/replay"
)

func build(order []string) *replay.State {
	st := replay.NewState("w")
	for i, id := range order {
		st.Agents[id] = &model.Agent{ID: id, Name: id, X: len(id), BirthTick: 1}
		st.Vars[id] = json.RawMessage(`1`)
		if i > 0 {
			k := model.RelKey{A: order[i-1], B: id}
			st.Relationships[k] = &model.Relationship{A: k.A, B: k.B, Trust: 0.5}
		}
	}
	return st
}

func TestStateDigest_IndependentOfInsertionOrder(t *testing.T) {
	a := build([]string{"x", "y", "z"})
	b := replay.NewState("w")
	for _, id := range []string{"z", "x", "y"} {
		b.Agents[id] = a.Agents[id].Clone()
		b.Vars[id] = a.Vars[id]
	}
	for k, r := range a.Relationships {
		b.Relationships[k] = r.Clone()
	}
	if StateDigest(a) != StateDigest(b) {
		t.Fatalf("digest depends on map iteration order")
	}
}

func TestStateDigest_DetectsChanges(t *testing.T) {
	base := StateDigest(build([]string{"x", "y"}))

	moved := build([]string{"x", "y"})
	moved.Agents["x"].X++
	if StateDigest(moved) == base {
		t.Fatalf("position change not reflected")
	}

	dead := build([]string{"x", "y"})
	d := uint64(3)
	dead.Agents["y"].DeathTick = &d
	if StateDigest(dead) == base {
		t.Fatalf("death not reflected")
	}

	rel := build([]string{"x", "y"})
	rel.Relationships[model.RelKey{A: "x", B: "y"}].Trust = 0.75
	if StateDigest(rel) == base {
		t.Fatalf("relationship change not reflected")
	}

	// Tick and position are not content.
	later := build([]string{"x", "y"})
	later.Tick = 99
	later.Last = model.Position{Tick: 99, Valid: true}
	if StateDigest(later) != base {
		t.Fatalf("tick should not affect the digest")
	}
}
