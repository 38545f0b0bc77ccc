package worldstore

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/archive"
	"worldledger.ai/internal/persistence/digest"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/worldmap"
)

type CreateWorldRequest struct {
	Name             string
	Seed             int64
	GeneratorVersion string
	TickUnitMs       int
}

func (s *Service) CreateWorld(ctx context.Context, req CreateWorldRequest) (*model.World, error) {
	if req.TickUnitMs <= 0 {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "tick_unit_ms must be > 0, got %d", req.TickUnitMs)
	}
	w := &model.World{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(req.Name),
		Seed:             req.Seed,
		GeneratorVersion: req.GeneratorVersion,
		TickUnitMs:       req.TickUnitMs,
		Status:           model.StatusCreated,
		CreatedAt:        s.now().UTC(),
	}
	if w.GeneratorVersion == "" {
		w.GeneratorVersion = worldmap.GeneratorSimplexV1
	}
	if err := s.db.Write(ctx, func(tx *store.Tx) error { return tx.InsertWorld(w) }); err != nil {
		return nil, err
	}
	s.logger.Printf("world=%s created name=%q seed=%d tick=%s", w.ID, w.Name, w.Seed, w.TickDuration())
	return w, nil
}

func (s *Service) GetWorld(ctx context.Context, worldID string) (*model.World, error) {
	var w *model.World
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		var err error
		w, err = rt.GetWorld(worldID)
		return err
	})
	return w, err
}

// ListWorlds returns worlds in creation order. An empty status lists all of them.
func (s *Service) ListWorlds(ctx context.Context, status model.Status) ([]*model.World, error) {
	if status != "" && !status.Valid() {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "unknown status %q", status)
	}
	var out []*model.World
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		var err error
		out, err = rt.ListWorlds(status)
		return err
	})
	return out, err
}

func (s *Service) StartWorld(ctx context.Context, worldID string) (*model.World, error) {
	return s.transition(ctx, worldID, model.StatusRunning)
}

func (s *Service) PauseWorld(ctx context.Context, worldID string) (*model.World, error) {
	return s.transition(ctx, worldID, model.StatusPaused)
}

// ArchiveWorld seals the world. With archive.dir configured, its final state is captured at
// the head tick and exported there together with the world's event segments.
func (s *Service) ArchiveWorld(ctx context.Context, worldID string) (*model.World, error) {
	unlock := s.appendLock(worldID)
	defer unlock()

	w, err := s.transition(ctx, worldID, model.StatusArchived)
	if err != nil {
		return nil, err
	}
	if s.events != nil {
		if err := s.events.CloseWorld(worldID); err != nil {
			s.logger.Printf("world=%s close event export: %v", worldID, err)
		}
	}
	if s.cfg.Archive.Dir == "" {
		return w, nil
	}
	if _, err := s.exportLocked(ctx, w, s.cfg.Archive.Dir); err != nil {
		return w, err
	}
	return w, nil
}

// ExportWorld writes an ARCHIVED world under root (archive.dir when empty) and returns the
// archive directory.
func (s *Service) ExportWorld(ctx context.Context, worldID, root string) (string, error) {
	unlock := s.appendLock(worldID)
	defer unlock()
	w, err := s.GetWorld(ctx, worldID)
	if err != nil {
		return "", err
	}
	if root == "" {
		root = s.cfg.Archive.Dir
	}
	return s.exportLocked(ctx, w, root)
}

func (s *Service) exportLocked(ctx context.Context, w *model.World, root string) (string, error) {
	if root == "" {
		return "", protocol.Errorf(protocol.ErrBadRequest, "archive.dir is not configured")
	}
	if w.Status != model.StatusArchived {
		return "", protocol.Errorf(protocol.ErrInvalidState, "world %s is %s, not ARCHIVED", w.ID, w.Status)
	}
	res, err := s.engine.Materialize(ctx, w.ID)
	if err != nil {
		return "", err
	}
	final, err := s.captureState(ctx, res)
	if protocol.Is(err, protocol.ErrAlreadyExists) {
		final, err = s.GetSnapshot(ctx, w.ID, res.State.Tick)
	}
	if err != nil {
		return "", err
	}
	head, err := s.Head(ctx, w.ID)
	if err != nil {
		return "", err
	}
	ex := archive.Export{
		World:  *w,
		Head:   head,
		Final:  final,
		Digest: digest.StateDigest(res.State),
	}
	if s.events != nil {
		ex.EventDir = s.events.WorldDir(w.ID)
	}
	dir, err := archive.ExportWorld(root, ex)
	if err != nil {
		return "", err
	}
	s.logger.Printf("world=%s exported to %s (tick=%d events=%d)", w.ID, dir, final.Tick, head.Count)
	return dir, nil
}

func (s *Service) transition(ctx context.Context, worldID string, next model.Status) (*model.World, error) {
	var w *model.World
	err := s.db.Write(ctx, func(tx *store.Tx) error {
		var err error
		if w, err = tx.GetWorld(worldID); err != nil {
			return err
		}
		if !w.Status.CanTransition(next) {
			return protocol.Errorf(protocol.ErrInvalidState, "world %s: %s -> %s", worldID, w.Status, next)
		}
		if err := tx.SetWorldStatus(worldID, next); err != nil {
			return err
		}
		w.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("world=%s status=%s", worldID, next)
	return w, nil
}

// AdvanceTick moves a RUNNING world's current tick forward to `to`. Ticks before `to` are
// then closed to appends, so with snapshots.every_ticks set a snapshot of tick to-1 is taken
// once enough ticks have passed since the previous one.
func (s *Service) AdvanceTick(ctx context.Context, worldID string, to uint64) (*model.World, error) {
	unlock := s.appendLock(worldID)
	defer unlock()

	var (
		w        *model.World
		lastSnap uint64
		hasSnap  bool
	)
	err := s.db.Write(ctx, func(tx *store.Tx) error {
		var err error
		if w, err = tx.GetWorld(worldID); err != nil {
			return err
		}
		if w.Status != model.StatusRunning {
			return protocol.Errorf(protocol.ErrInvalidState, "world %s is %s", worldID, w.Status)
		}
		if to <= w.CurrentTick {
			return protocol.Errorf(protocol.ErrStaleTick, "world %s: advance to %d, current tick is %d", worldID, to, w.CurrentTick)
		}
		if err := tx.SetCurrentTick(worldID, to); err != nil {
			return err
		}
		w.CurrentTick = to
		lastSnap, hasSnap, err = tx.LatestSnapshotTick(worldID)
		return err
	})
	if err != nil {
		return nil, err
	}

	every := s.cfg.Snapshots.EveryTicks
	if every == 0 {
		return w, nil
	}
	at := to - 1
	due := (!hasSnap && to >= every) || (hasSnap && at >= lastSnap+every)
	if !due {
		return w, nil
	}
	res, err := s.engine.StateAt(ctx, worldID, at)
	if err != nil {
		return w, err
	}
	snap, err := s.captureState(ctx, res)
	if err != nil && !protocol.Is(err, protocol.ErrAlreadyExists) {
		return w, err
	}
	if snap != nil {
		s.logger.Printf("world=%s snapshot tick=%d agents=%d", worldID, snap.Tick, len(snap.Agents))
	}
	return w, nil
}

// DeleteWorld removes the world and, by cascade, everything it owns.
func (s *Service) DeleteWorld(ctx context.Context, worldID string) error {
	unlock := s.appendLock(worldID)
	defer unlock()
	unlockProj := s.proj.Lock(worldID)
	defer unlockProj()

	if err := s.db.Write(ctx, func(tx *store.Tx) error { return tx.DeleteWorld(worldID) }); err != nil {
		return err
	}
	s.proj.Forget(worldID)
	s.forgetWorld(worldID)
	if s.events != nil {
		_ = s.events.CloseWorld(worldID)
	}
	s.logger.Printf("world=%s deleted", worldID)
	return nil
}
