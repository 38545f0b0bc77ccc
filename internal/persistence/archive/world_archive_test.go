package archive

import (
	"os"
	"path/filepath"
	"testing"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/protocol"
)

func TestExportWorld_WritesSnapshotMetaAndEvents(t *testing.T) {
	dir := t.TempDir()
	evDir := filepath.Join(dir, "events", "w1")
	if err := os.MkdirAll(evDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	seg := filepath.Join(evDir, "events-2026-03-01-10.jsonl.zst")
	if err := os.WriteFile(seg, []byte("dummy"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	w := model.World{ID: "w1", Name: "alpha", Seed: 42, GeneratorVersion: "simplex-v1", CurrentTick: 7, TickUnitMs: 100, Status: model.StatusArchived}
	final := &model.Snapshot{
		ID: "s1", WorldID: "w1", Tick: 6, Format: snapshot.FormatV1,
		WorldState: []byte("world"),
		Agents:     []model.AgentCapture{{AgentID: "B", State: []byte("b")}, {AgentID: "A", State: []byte("a")}},
	}

	out, err := ExportWorld(filepath.Join(dir, "archive"), Export{
		World: w, Head: model.Head{Count: 12}, Final: final, Digest: "abc", EventDir: evDir,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	meta, err := ReadMeta(out)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.FinalTick != 7 || meta.SnapshotTick != 6 || meta.Events != 12 || meta.Digest != "abc" {
		t.Fatalf("meta: %+v", meta)
	}
	if len(meta.EventFiles) != 1 {
		t.Fatalf("event files: %v", meta.EventFiles)
	}
	got, err := os.ReadFile(filepath.Join(out, meta.EventFiles[0]))
	if err != nil || string(got) != "dummy" {
		t.Fatalf("copied segment: %q %v", got, err)
	}

	snap, err := snapshot.ReadFile(filepath.Join(out, meta.Snapshot))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Tick != 6 || len(snap.Agents) != 2 || snap.Agents[0].AgentID != "A" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestExportWorld_RequiresArchivedWorld(t *testing.T) {
	w := model.World{ID: "w1", Status: model.StatusRunning}
	_, err := ExportWorld(t.TempDir(), Export{World: w, Final: &model.Snapshot{WorldID: "w1"}})
	if protocol.CodeOf(err) != protocol.ErrInvalidState {
		t.Fatalf("expected E_INVALID_STATE, got %v", err)
	}

	w.Status = model.StatusArchived
	_, err = ExportWorld(t.TempDir(), Export{World: w})
	if protocol.CodeOf(err) != protocol.ErrBadRequest {
		t.Fatalf("expected E_BAD_REQUEST without a snapshot, got %v", err)
	}
}
