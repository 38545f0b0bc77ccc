package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "world.db"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustWorld(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.Write(context.Background(), func(tx *Tx) error {
		return tx.InsertWorld(&model.World{ID: id, Seed: 7, GeneratorVersion: "simplex-v1", TickUnitMs: 60000,
			Status: model.StatusRunning, CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("insert world: %v", err)
	}
}

func appendEv(s *Store, world string, in AppendInput) (model.Event, error) {
	if in.ID == "" {
		in.ID = fmt.Sprintf("ev-%d", time.Now().UnixNano())
	}
	if in.Type == "" {
		in.Type = "test.noop"
	}
	if in.SchemaVersion == 0 {
		in.SchemaVersion = 1
	}
	if in.Payload == nil {
		in.Payload = json.RawMessage(`{}`)
	}
	var ev model.Event
	err := s.Write(context.Background(), func(tx *Tx) error {
		var err error
		ev, err = tx.AppendEvent(world, in)
		return err
	})
	return ev, err
}

func TestWorlds_InsertGetDuplicate(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")

	err := s.Write(context.Background(), func(tx *Tx) error {
		return tx.InsertWorld(&model.World{ID: "w1", GeneratorVersion: "g", TickUnitMs: 1, Status: model.StatusCreated})
	})
	if !protocol.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("expected E_ALREADY_EXISTS, got %v", err)
	}

	err = s.Read(context.Background(), func(rt *ReadTx) error {
		w, err := rt.GetWorld("w1")
		if err != nil {
			return err
		}
		if w.Seed != 7 || w.Status != model.StatusRunning || w.TickUnitMs != 60000 {
			return fmt.Errorf("unexpected world %+v", w)
		}
		_, err = rt.GetWorld("nope")
		if !protocol.Is(err, protocol.ErrNotFound) {
			return fmt.Errorf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAppend_SequencesAreGapFreePerTick(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")

	want := []model.Position{{Tick: 0, Seq: 0}, {Tick: 0, Seq: 1}, {Tick: 2, Seq: 0}, {Tick: 2, Seq: 1}, {Tick: 2, Seq: 2}}
	ticks := []uint64{0, 0, 2, 2, 2}
	for i, tick := range ticks {
		ev, err := appendEv(s, "w1", AppendInput{ID: fmt.Sprintf("e%d", i), Tick: tick})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Tick != want[i].Tick || ev.Seq != want[i].Seq {
			t.Fatalf("append %d: got (%d,%d) want (%d,%d)", i, ev.Tick, ev.Seq, want[i].Tick, want[i].Seq)
		}
	}

	_ = s.Read(context.Background(), func(rt *ReadTx) error {
		h, err := rt.Head("w1")
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		if h.Count != 5 || h.Last.Tick != 2 || h.Last.Seq != 2 {
			t.Fatalf("head: %+v", h)
		}
		evs, err := rt.EventsAfter("w1", model.Position{Tick: 0, Seq: 1, Valid: true}, 2)
		if err != nil || len(evs) != 2 || evs[0].ID != "e2" || evs[1].ID != "e3" {
			t.Fatalf("events after: %v %+v", err, evs)
		}
		return nil
	})
}

func TestAppend_RejectsStaleAndSealedTicks(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	if _, err := appendEv(s, "w1", AppendInput{ID: "a", Tick: 5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "b", Tick: 4}); !protocol.Is(err, protocol.ErrStaleTick) {
		t.Fatalf("expected stale tick behind head, got %v", err)
	}

	err := s.Write(context.Background(), func(tx *Tx) error {
		return tx.InsertSnapshot(&model.Snapshot{ID: "s6", WorldID: "w1", Tick: 6, Format: 1, WorldState: []byte{1}})
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "c", Tick: 6}); !protocol.Is(err, protocol.ErrStaleTick) {
		t.Fatalf("expected sealed tick rejection, got %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "d", Tick: 7}); err != nil {
		t.Fatalf("append after snapshot: %v", err)
	}
}

func TestAppend_ReferentialIntegrity(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	mustWorld(t, s, "w2")

	if _, err := appendEv(s, "w1", AppendInput{ID: "x", Tick: 1, Actor: "ghost"}); !protocol.Is(err, protocol.ErrReferentialIntegrity) {
		t.Fatalf("unknown actor: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "spawn", Tick: 1, Actor: "A", Introduces: []string{"A"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "again", Tick: 1, Actor: "A", Introduces: []string{"A"}}); !protocol.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("re-spawn: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "act", Tick: 2, Actor: "A", CausedBy: "spawn"}); err != nil {
		t.Fatalf("caused act: %v", err)
	}
	if _, err := appendEv(s, "w1", AppendInput{ID: "bad-cause", Tick: 2, CausedBy: "missing"}); !protocol.Is(err, protocol.ErrReferentialIntegrity) {
		t.Fatalf("missing cause: %v", err)
	}
	if _, err := appendEv(s, "w2", AppendInput{ID: "cross", Tick: 2, CausedBy: "spawn"}); !protocol.Is(err, protocol.ErrReferentialIntegrity) {
		t.Fatalf("cross-world cause: %v", err)
	}
	if _, err := appendEv(s, "w2", AppendInput{ID: "cross-actor", Tick: 2, Actor: "A"}); !protocol.Is(err, protocol.ErrReferentialIntegrity) {
		t.Fatalf("cross-world actor: %v", err)
	}
}

func TestSnapshots_WriteOnceAndLatestBefore(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	ctx := context.Background()
	for _, tick := range []uint64{10, 20} {
		tick := tick
		err := s.Write(ctx, func(tx *Tx) error {
			return tx.InsertSnapshot(&model.Snapshot{ID: fmt.Sprintf("s%d", tick), WorldID: "w1", Tick: tick, Format: 1,
				WorldState: []byte("ws"), Agents: []model.AgentCapture{{AgentID: "A", State: []byte("a")}}})
		})
		if err != nil {
			t.Fatalf("insert %d: %v", tick, err)
		}
	}
	err := s.Write(ctx, func(tx *Tx) error {
		return tx.InsertSnapshot(&model.Snapshot{ID: "other", WorldID: "w1", Tick: 10, Format: 1, WorldState: []byte("x")})
	})
	if !protocol.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("expected write-once rejection, got %v", err)
	}

	_ = s.Read(ctx, func(rt *ReadTx) error {
		for _, c := range []struct {
			at   uint64
			want string
		}{{5, ""}, {10, "s10"}, {19, "s10"}, {20, "s20"}, {1000, "s20"}} {
			snap, err := rt.LatestSnapshotBefore("w1", c.at)
			if err != nil {
				t.Fatalf("latest before %d: %v", c.at, err)
			}
			got := ""
			if snap != nil {
				got = snap.ID
				if len(snap.Agents) != 1 || string(snap.Agents[0].State) != "a" {
					t.Fatalf("agents not loaded: %+v", snap.Agents)
				}
			}
			if got != c.want {
				t.Fatalf("latest before %d: got %q want %q", c.at, got, c.want)
			}
		}
		infos, err := rt.ListSnapshots("w1")
		if err != nil || len(infos) != 2 || infos[0].Agents != 1 || infos[0].Bytes != 3 {
			t.Fatalf("list: %v %+v", err, infos)
		}
		return nil
	})
}

func TestDeleteWorld_Cascades(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	mustWorld(t, s, "keep")
	ctx := context.Background()

	if _, err := appendEv(s, "w1", AppendInput{ID: "spawn", Tick: 1, Actor: "A", Introduces: []string{"A"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := appendEv(s, "keep", AppendInput{ID: "keep-ev", Tick: 1}); err != nil {
		t.Fatal(err)
	}
	err := s.Write(ctx, func(tx *Tx) error {
		v := tx.View("w1")
		if err := v.PutAgent(&model.Agent{ID: "A", BirthTick: 1}); err != nil {
			return err
		}
		if err := v.PutAgent(&model.Agent{ID: "B", BirthTick: 1}); err != nil {
			return err
		}
		if err := v.PutRelationship(&model.Relationship{A: "A", B: "B", Trust: 1}); err != nil {
			return err
		}
		if err := v.SetVar("season", json.RawMessage(`"winter"`)); err != nil {
			return err
		}
		if err := tx.AdvanceCursor("w1", model.Position{Tick: 1, Valid: true}, 1); err != nil {
			return err
		}
		if err := tx.PutTiles("w1", []model.Tile{{X: 0, Y: 0}, {X: 1, Y: 0}}); err != nil {
			return err
		}
		return tx.InsertSnapshot(&model.Snapshot{ID: "s", WorldID: "w1", Tick: 1, Format: 1, WorldState: []byte{1},
			Agents: []model.AgentCapture{{AgentID: "A", State: []byte{2}}}})
	})
	if err != nil {
		t.Fatalf("populate: %v", err)
	}

	if err := s.Write(ctx, func(tx *Tx) error { return tx.DeleteWorld("w1") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = s.Read(ctx, func(rt *ReadTx) error {
		counts, err := rt.CountWorldRows("w1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		for tbl, n := range counts {
			if n != 0 {
				t.Fatalf("%s still has %d rows", tbl, n)
			}
		}
		h, err := rt.Head("keep")
		if err != nil || h.Count != 1 {
			t.Fatalf("other world affected: %v %+v", err, h)
		}
		return nil
	})
	if err := s.Write(ctx, func(tx *Tx) error { return tx.DeleteWorld("w1") }); !protocol.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestCursor_FailuresStallAndClear(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		var n int
		err := s.Write(ctx, func(tx *Tx) error {
			var err error
			n, err = tx.RecordFailure("w1", "boom", 3)
			return err
		})
		if err != nil || n != i {
			t.Fatalf("failure %d: n=%d err=%v", i, n, err)
		}
	}
	_ = s.Read(ctx, func(rt *ReadTx) error {
		c, err := rt.Cursor("w1")
		if err != nil || !c.Stalled || c.LastError != "boom" || c.Last.Valid {
			t.Fatalf("cursor: %v %+v", err, c)
		}
		return nil
	})
	if err := s.Write(ctx, func(tx *Tx) error { return tx.ClearStall("w1") }); err != nil {
		t.Fatal(err)
	}
	_ = s.Read(ctx, func(rt *ReadTx) error {
		c, _ := rt.Cursor("w1")
		if c.Stalled || c.Failures != 0 {
			t.Fatalf("stall not cleared: %+v", c)
		}
		return nil
	})
}

func TestMaps_TilesAndBlobReplaceEachOther(t *testing.T) {
	s := openTest(t)
	mustWorld(t, s, "w1")
	ctx := context.Background()

	err := s.Write(ctx, func(tx *Tx) error {
		return tx.PutTiles("w1", []model.Tile{{X: 1, Y: 0, ResourceType: 2, ResourceAmount: 5}, {X: 0, Y: 0, Blocked: true}})
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Read(ctx, func(rt *ReadTx) error {
		tiles, err := rt.GetTiles("w1")
		if err != nil || len(tiles) != 2 || !tiles[0].Blocked || tiles[1].ResourceAmount != 5 {
			t.Fatalf("tiles: %v %+v", err, tiles)
		}
		res, _ := rt.TilesWithResource("w1", 2)
		if len(res) != 1 || res[0].X != 1 {
			t.Fatalf("resource tiles: %+v", res)
		}
		return nil
	})

	err = s.Write(ctx, func(tx *Tx) error {
		return tx.PutMapBlob("w1", model.MapBlob{Format: "f", Width: 2, Height: 1, Data: []byte{9}, Checksum: "c"})
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Read(ctx, func(rt *ReadTx) error {
		b, err := rt.GetMapBlob("w1")
		if err != nil || b == nil || b.Checksum != "c" {
			t.Fatalf("blob: %v %+v", err, b)
		}
		tiles, _ := rt.GetTiles("w1")
		if len(tiles) != 0 {
			t.Fatalf("tiles should be replaced by blob, got %d", len(tiles))
		}
		return nil
	})
}
