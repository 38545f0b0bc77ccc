package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/protocol"
)

type WorldArchiveMeta struct {
	WorldID          string   `json:"world_id"`
	Name             string   `json:"name"`
	Seed             int64    `json:"seed"`
	GeneratorVersion string   `json:"generator_version"`
	TickUnitMs       int      `json:"tick_unit_ms"`
	FinalTick        uint64   `json:"final_tick"`
	Events           uint64   `json:"events"`
	Snapshot         string   `json:"snapshot"`
	SnapshotTick     uint64   `json:"snapshot_tick"`
	Digest           string   `json:"digest,omitempty"`
	EventFiles       []string `json:"event_files,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// Export describes what to write for one archived world.
type Export struct {
	World  model.World
	Head   model.Head
	Final  *model.Snapshot
	Digest string
	// EventDir is the world's event export directory. Its segments are copied alongside the
	// snapshot when set.
	EventDir string
}

// Dir returns the archive directory of a world under root.
func Dir(root, worldID string) string {
	return filepath.Join(root, worldID)
}

// ExportWorld writes the final snapshot of an ARCHIVED world into `root/<world_id>/` along
// with meta.json and a copy of any exported event segments. It returns the archive directory.
func ExportWorld(root string, ex Export) (string, error) {
	if ex.World.Status != model.StatusArchived {
		return "", protocol.Errorf(protocol.ErrInvalidState, "world %s is %s, not ARCHIVED", ex.World.ID, ex.World.Status)
	}
	if ex.Final == nil || ex.Final.WorldID != ex.World.ID {
		return "", protocol.Errorf(protocol.ErrBadRequest, "final snapshot missing for world %s", ex.World.ID)
	}

	dir := Dir(root, ex.World.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	snapName := fmt.Sprintf("snapshot-%d.snap.zst", ex.Final.Tick)
	if err := snapshot.WriteFile(filepath.Join(dir, snapName), ex.Final); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	meta := WorldArchiveMeta{
		WorldID:          ex.World.ID,
		Name:             ex.World.Name,
		Seed:             ex.World.Seed,
		GeneratorVersion: ex.World.GeneratorVersion,
		TickUnitMs:       ex.World.TickUnitMs,
		FinalTick:        ex.World.CurrentTick,
		Events:           ex.Head.Count,
		Snapshot:         snapName,
		SnapshotTick:     ex.Final.Tick,
		Digest:           ex.Digest,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}

	if ex.EventDir != "" {
		files, err := filepath.Glob(filepath.Join(ex.EventDir, "events-*.jsonl.zst"))
		if err != nil {
			return "", err
		}
		if len(files) > 0 {
			evDir := filepath.Join(dir, "events")
			if err := os.MkdirAll(evDir, 0o755); err != nil {
				return "", err
			}
			for _, src := range files {
				dst := filepath.Join(evDir, filepath.Base(src))
				if err := copyFile(src, dst); err != nil {
					return "", fmt.Errorf("copy %s: %w", filepath.Base(src), err)
				}
				meta.EventFiles = append(meta.EventFiles, filepath.Join("events", filepath.Base(src)))
			}
		}
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dir, nil
}

// ReadMeta loads meta.json from an archive directory.
func ReadMeta(dir string) (WorldArchiveMeta, error) {
	var meta WorldArchiveMeta
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("meta.json: %w", err)
	}
	return meta, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
