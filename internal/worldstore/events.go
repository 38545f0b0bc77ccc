package worldstore

import (
	"context"
	"encoding/json"
	"strings"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/projection"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

// AppendRequest is one event as a caller submits it. The store assigns id and seq_in_tick.
type AppendRequest struct {
	Tick          uint64
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	Actor         string
	Target        string
	Coords        *model.Coords
	CausedBy      string
}

// Append validates and logs one event. In sync projection mode the event is applied to the
// projection tables in the same transaction, and a handler failure rejects the append.
func (s *Service) Append(ctx context.Context, worldID string, req AppendRequest) (model.Event, error) {
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return model.Event{}, protocol.Errorf(protocol.ErrBadRequest, "missing event_type")
	}
	if req.SchemaVersion == 0 {
		req.SchemaVersion = 1
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if err := s.schemas.Validate(req.Type, req.SchemaVersion, req.Payload); err != nil {
		return model.Event{}, err
	}

	in := store.AppendInput{
		Tick:          req.Tick,
		Type:          req.Type,
		SchemaVersion: req.SchemaVersion,
		Payload:       req.Payload,
		Actor:         req.Actor,
		Target:        req.Target,
		Coords:        req.Coords,
		CausedBy:      req.CausedBy,
	}
	switch s.reg.Introduces(req.Type) {
	case replay.RoleActor:
		if req.Actor == "" {
			return model.Event{}, protocol.Errorf(protocol.ErrBadRequest, "%s introduces its actor; actor is empty", req.Type)
		}
		in.Introduces = []string{req.Actor}
	case replay.RoleTarget:
		if req.Target == "" {
			return model.Event{}, protocol.Errorf(protocol.ErrBadRequest, "%s introduces its target; target is empty", req.Type)
		}
		in.Introduces = []string{req.Target}
	}

	unlock := s.appendLock(worldID)
	defer unlock()
	syncMode := s.proj.Mode() == projection.ModeSync
	if syncMode {
		unlockProj := s.proj.Lock(worldID)
		defer unlockProj()
	}

	now := s.now().UTC()
	in.ID = s.newEventID(now)
	in.CreatedAt = now

	var ev model.Event
	err := s.db.Write(ctx, func(tx *store.Tx) error {
		var err error
		if ev, err = tx.AppendEvent(worldID, in); err != nil {
			return err
		}
		if syncMode {
			return s.applySync(tx, ev)
		}
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}

	if !syncMode {
		s.proj.Notify(worldID)
	}
	if s.events != nil {
		if err := s.events.WriteEvent(ev); err != nil {
			s.logger.Printf("world=%s export event %s: %v", worldID, ev.ID, err)
		}
	}
	return ev, nil
}

// applySync brings the projection from its cursor through ev inside tx. The cursor is
// normally one event behind; a world whose projection trails (a switch from trailing mode)
// is caught up first.
func (s *Service) applySync(tx *store.Tx, ev model.Event) error {
	cur, err := tx.Cursor(ev.WorldID)
	if err != nil {
		return err
	}
	if cur.Stalled {
		return protocol.Errorf(protocol.ErrProjectionStalled, "world %s projection stalled: %s", ev.WorldID, cur.LastError)
	}
	pending, err := tx.EventsAfter(ev.WorldID, cur.Last, 0)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := s.proj.ApplyTx(tx, p); err != nil {
			if protocol.CodeOf(err) != "" {
				return err
			}
			return protocol.Wrap(protocol.ErrInvalidState, err, "projection rejected %s", p.Type)
		}
	}
	return nil
}

// Read returns the world's events with from <= tick <= to in log order. A stored event
// whose schema version this build does not know fails the read.
func (s *Service) Read(ctx context.Context, worldID string, from, to uint64, f model.EventFilter) ([]model.Event, error) {
	if from > to {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "from_tick %d > to_tick %d", from, to)
	}
	var out []model.Event
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		var err error
		out, err = rt.ReadEvents(worldID, from, to, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range out {
		if err := s.schemas.CheckVersion(ev.Type, ev.SchemaVersion); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadUpgraded is Read with every payload brought to version target of its type through
// the registered upgraders. Events of other types, or already at target, pass unchanged.
func (s *Service) ReadUpgraded(ctx context.Context, worldID string, from, to uint64, f model.EventFilter, target map[string]int) ([]model.Event, error) {
	events, err := s.Read(ctx, worldID, from, to, f)
	if err != nil {
		return nil, err
	}
	for i, ev := range events {
		v, ok := target[ev.Type]
		if !ok || ev.SchemaVersion == v {
			continue
		}
		payload, err := s.schemas.Upgrade(ev.Type, ev.SchemaVersion, ev.Payload, v)
		if err != nil {
			return nil, err
		}
		events[i].Payload = payload
		events[i].SchemaVersion = v
	}
	return events, nil
}

func (s *Service) GetEvent(ctx context.Context, worldID, eventID string) (model.Event, error) {
	var ev model.Event
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		ev, err = rt.GetEvent(worldID, eventID)
		return err
	})
	return ev, err
}

func (s *Service) Head(ctx context.Context, worldID string) (model.Head, error) {
	var h model.Head
	err := s.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		h, err = rt.Head(worldID)
		return err
	})
	return h, err
}
