package worldstore

import (
	"context"

	"github.com/google/uuid"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/reconstruct"
	"worldledger.ai/internal/worldmap"
)

// Capture stores caller-encoded world and agent state for (world, tick). Snapshots are write
// once: a second capture at the same tick fails with E_ALREADY_EXISTS and the first is kept.
// The bytes must be in the snapshot codec's format for reconstruction to use them.
func (s *Service) Capture(ctx context.Context, worldID string, tick uint64, worldState []byte, agents []model.AgentCapture) (*model.Snapshot, error) {
	unlock := s.appendLock(worldID)
	defer unlock()
	snap := &model.Snapshot{
		ID:         uuid.NewString(),
		WorldID:    worldID,
		Tick:       tick,
		Format:     snapshot.FormatV1,
		WorldState: worldState,
		Agents:     agents,
	}
	if err := s.insertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// CaptureState reconstructs the world at tick and stores it as a snapshot.
func (s *Service) CaptureState(ctx context.Context, worldID string, tick uint64) (*model.Snapshot, error) {
	unlock := s.appendLock(worldID)
	defer unlock()
	res, err := s.engine.StateAt(ctx, worldID, tick)
	if err != nil {
		return nil, err
	}
	return s.captureState(ctx, res)
}

// captureState encodes res and stores it. The caller holds the world's append lock.
func (s *Service) captureState(ctx context.Context, res *reconstruct.Result) (*model.Snapshot, error) {
	ws, agents, err := snapshot.Capture(res.State)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "encode snapshot")
	}
	snap := &model.Snapshot{
		ID:         uuid.NewString(),
		WorldID:    res.State.WorldID,
		Tick:       res.State.Tick,
		Format:     snapshot.FormatV1,
		WorldState: ws,
		Agents:     agents,
	}
	if err := s.insertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// insertSnapshot refuses ticks past the world's head: a snapshot seals its tick, and a tick
// that has not been reached yet could still receive events.
func (s *Service) insertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	snap.CreatedAt = s.now().UTC()
	return s.db.Write(ctx, func(tx *store.Tx) error {
		w, err := tx.GetWorld(snap.WorldID)
		if err != nil {
			return err
		}
		head, err := tx.Head(snap.WorldID)
		if err != nil {
			return err
		}
		limit := w.CurrentTick
		if head.Last.Valid && head.Last.Tick > limit {
			limit = head.Last.Tick
		}
		if snap.Tick > limit {
			return protocol.Errorf(protocol.ErrBadRequest, "snapshot tick %d is past world %s head tick %d", snap.Tick, snap.WorldID, limit)
		}
		if snap.MapRef, err = mapRef(tx, snap.WorldID); err != nil {
			return err
		}
		return tx.InsertSnapshot(snap)
	})
}

// LatestBefore returns the snapshot with the greatest tick <= tick, or nil if there is none.
func (s *Service) LatestBefore(ctx context.Context, worldID string, tick uint64) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		snap, err = rt.LatestSnapshotBefore(worldID, tick)
		return err
	})
	return snap, err
}

func (s *Service) GetSnapshot(ctx context.Context, worldID string, tick uint64) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		var err error
		snap, err = rt.GetSnapshot(worldID, tick)
		return err
	})
	return snap, err
}

func (s *Service) ListSnapshots(ctx context.Context, worldID string) ([]store.SnapshotInfo, error) {
	var out []store.SnapshotInfo
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		out, err = rt.ListSnapshots(worldID)
		return err
	})
	return out, err
}

func (s *Service) StateAt(ctx context.Context, worldID string, tick uint64) (*reconstruct.Result, error) {
	return s.engine.StateAt(ctx, worldID, tick)
}

func (s *Service) FullReplay(ctx context.Context, worldID string, tick uint64) (*reconstruct.Result, error) {
	return s.engine.FullReplay(ctx, worldID, tick)
}

func (s *Service) Materialize(ctx context.Context, worldID string) (*reconstruct.Result, error) {
	return s.engine.Materialize(ctx, worldID)
}

func mapRef(tx *store.Tx, worldID string) (string, error) {
	blob, err := tx.GetMapBlob(worldID)
	if err != nil {
		return "", err
	}
	if blob != nil {
		return worldmap.Ref(&worldmap.Map{Blob: blob}), nil
	}
	tiles, err := tx.GetTiles(worldID)
	if err != nil || len(tiles) == 0 {
		return "", err
	}
	return worldmap.Ref(&worldmap.Map{}), nil
}
