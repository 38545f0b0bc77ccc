package worldstore

import (
	"context"
	"encoding/json"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/digest"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/projection"
	"worldledger.ai/internal/replay"
)

func (s *Service) GetAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error) {
	var a *model.Agent
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		a, err = rt.GetAgent(worldID, agentID)
		return err
	})
	return a, err
}

func (s *Service) ListAgents(ctx context.Context, worldID string, f store.AgentFilter) ([]*model.Agent, error) {
	var out []*model.Agent
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		out, err = rt.ListAgents(worldID, f)
		return err
	})
	return out, err
}

func (s *Service) GetRelationship(ctx context.Context, worldID, a, b string) (*model.Relationship, error) {
	var r *model.Relationship
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		r, err = rt.GetRelationship(worldID, a, b)
		return err
	})
	return r, err
}

func (s *Service) ListRelationships(ctx context.Context, worldID, agentID string, dir store.Direction) ([]*model.Relationship, error) {
	var out []*model.Relationship
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		out, err = rt.ListRelationships(worldID, agentID, dir)
		return err
	})
	return out, err
}

func (s *Service) WorldVars(ctx context.Context, worldID string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		out, err = rt.Vars(worldID)
		return err
	})
	return out, err
}

func (s *Service) ProjectionStatus(ctx context.Context, worldID string) (projection.Status, error) {
	return s.proj.Status(ctx, worldID)
}

// WaitCaughtUp returns once the projection reflects every event logged before the call.
func (s *Service) WaitCaughtUp(ctx context.Context, worldID string) error {
	return s.proj.WaitCaughtUp(ctx, worldID)
}

// Rebuild replaces the world's projection with one derived from the full log. Appends to the
// world wait for it.
func (s *Service) Rebuild(ctx context.Context, worldID string) (uint64, error) {
	unlock := s.appendLock(worldID)
	defer unlock()
	return s.proj.Rebuild(ctx, worldID)
}

func (s *Service) Resume(ctx context.Context, worldID string) error {
	return s.proj.Resume(ctx, worldID)
}

// Verification compares the projection tables with a replay of the log up to the cursor.
type Verification struct {
	Cursor           model.Position
	Events           uint64
	ProjectionDigest string
	ReplayDigest     string
}

func (v Verification) Match() bool { return v.ProjectionDigest == v.ReplayDigest }

// VerifyProjection reads the projection and the log prefix it was derived from in one read
// transaction and compares their digests.
func (s *Service) VerifyProjection(ctx context.Context, worldID string) (Verification, error) {
	var v Verification
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		projected, err := rt.LoadProjection(worldID)
		if err != nil {
			return err
		}
		v.Cursor = projected.Last
		v.ProjectionDigest = digest.StateDigest(projected)

		st := replay.NewState(worldID)
		pos := model.Position{}
		for v.Cursor.Valid {
			events, err := rt.EventsAfter(worldID, pos, verifyPage)
			if err != nil {
				return err
			}
			n := 0
			for n < len(events) && !v.Cursor.Before(events[n].Position()) {
				n++
			}
			if err := replay.Fold(ctx, s.reg, st, events[:n]); err != nil {
				return err
			}
			v.Events += uint64(n)
			if n < len(events) || len(events) < verifyPage {
				break
			}
			pos = events[n-1].Position()
		}
		v.ReplayDigest = digest.StateDigest(st)
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	if !v.Match() {
		s.logger.Printf("world=%s projection drift at tick=%d seq=%d: projection=%s replay=%s",
			worldID, v.Cursor.Tick, v.Cursor.Seq, v.ProjectionDigest[:12], v.ReplayDigest[:12])
	}
	return v, nil
}

const verifyPage = 1024
