package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

type eventRow struct {
	ID            string  `db:"event_id"`
	WorldID       string  `db:"world_id"`
	Tick          int64   `db:"tick"`
	Seq           int64   `db:"seq_in_tick"`
	Type          string  `db:"event_type"`
	SchemaVersion int64   `db:"schema_version"`
	Payload       string  `db:"payload_json"`
	Actor         *string `db:"actor_id"`
	Target        *string `db:"target_id"`
	X             *int64  `db:"x"`
	Y             *int64  `db:"y"`
	CausedBy      *string `db:"caused_by"`
	CreatedAt     string  `db:"created_at"`
}

func (r eventRow) toModel() model.Event {
	ev := model.Event{
		ID:            r.ID,
		WorldID:       r.WorldID,
		Tick:          uint64(r.Tick),
		Seq:           uint32(r.Seq),
		Type:          r.Type,
		SchemaVersion: int(r.SchemaVersion),
		Payload:       json.RawMessage(r.Payload),
		CreatedAt:     parseTime(r.CreatedAt),
	}
	if r.Actor != nil {
		ev.Actor = *r.Actor
	}
	if r.Target != nil {
		ev.Target = *r.Target
	}
	if r.X != nil && r.Y != nil {
		ev.Coords = &model.Coords{X: int(*r.X), Y: int(*r.Y)}
	}
	if r.CausedBy != nil {
		ev.CausedBy = *r.CausedBy
	}
	return ev
}

const eventCols = `event_id, world_id, tick, seq_in_tick, event_type, schema_version, payload_json,
	actor_id, target_id, x, y, caused_by, created_at`

// AppendInput is an event before the store has placed it in the log.
type AppendInput struct {
	ID            string
	Tick          uint64
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	Actor         string
	Target        string
	Coords        *model.Coords
	CausedBy      string
	// Introduces lists the entity ids this event brings into existence. Each must be
	// new to the world; every other actor/target reference must already exist.
	Introduces []string
	CreatedAt  time.Time
}

// AppendEvent places in at the end of the world's log. The sequence number is the next
// free slot in the tick; callers serialize appends per world so the read and the insert
// cannot interleave with another append.
func (t *Tx) AppendEvent(worldID string, in AppendInput) (model.Event, error) {
	w, err := t.GetWorld(worldID)
	if err != nil {
		return model.Event{}, err
	}
	if w.Status == model.StatusArchived {
		return model.Event{}, protocol.Errorf(protocol.ErrInvalidState, "world %s is archived", worldID)
	}
	if err := t.checkTick(w, in.Tick); err != nil {
		return model.Event{}, err
	}
	if err := t.checkCause(worldID, in); err != nil {
		return model.Event{}, err
	}
	if err := t.checkRefs(worldID, in); err != nil {
		return model.Event{}, err
	}

	var next int64
	if err := sqlxGet(t.querier, &next,
		`SELECT COALESCE(MAX(seq_in_tick) + 1, 0) FROM events WHERE world_id = ? AND tick = ?`,
		worldID, int64(in.Tick)); err != nil {
		return model.Event{}, err
	}

	ev := model.Event{
		ID:            in.ID,
		WorldID:       worldID,
		Tick:          in.Tick,
		Seq:           uint32(next),
		Type:          in.Type,
		SchemaVersion: in.SchemaVersion,
		Payload:       in.Payload,
		Actor:         in.Actor,
		Target:        in.Target,
		Coords:        in.Coords,
		CausedBy:      in.CausedBy,
		CreatedAt:     in.CreatedAt,
	}
	var x, y any
	if ev.Coords != nil {
		x, y = int64(ev.Coords.X), int64(ev.Coords.Y)
	}
	err = t.exec(`INSERT INTO events(`+eventCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, worldID, int64(ev.Tick), next, ev.Type, ev.SchemaVersion, string(ev.Payload),
		nullString(ev.Actor), nullString(ev.Target), x, y, nullString(ev.CausedBy), formatTime(ev.CreatedAt))
	if isUniqueViolation(err) {
		return model.Event{}, protocol.Errorf(protocol.ErrAlreadyExists, "event %s already exists", ev.ID)
	}
	if err != nil {
		return model.Event{}, err
	}

	for _, id := range in.Introduces {
		err := t.exec(`INSERT INTO entities(world_id, entity_id, introduced_by, tick) VALUES(?,?,?,?)`,
			worldID, id, ev.ID, int64(ev.Tick))
		if isUniqueViolation(err) {
			return model.Event{}, protocol.Errorf(protocol.ErrAlreadyExists, "entity %s already exists in world %s", id, worldID)
		}
		if err != nil {
			return model.Event{}, err
		}
	}
	return ev, nil
}

// checkTick enforces that the log only grows at its end: never below the world clock,
// never below the last appended tick, never at or below a sealed snapshot.
func (t *Tx) checkTick(w *model.World, tick uint64) error {
	if tick < w.CurrentTick {
		return protocol.Errorf(protocol.ErrStaleTick, "tick %d is behind current tick %d", tick, w.CurrentTick)
	}
	head, err := t.Head(w.ID)
	if err != nil {
		return err
	}
	if head.Last.Valid && tick < head.Last.Tick {
		return protocol.Errorf(protocol.ErrStaleTick, "tick %d is behind last appended tick %d", tick, head.Last.Tick)
	}
	sealed, ok, err := t.LatestSnapshotTick(w.ID)
	if err != nil {
		return err
	}
	if ok && tick <= sealed {
		return protocol.Errorf(protocol.ErrStaleTick, "tick %d is sealed by snapshot at tick %d", tick, sealed)
	}
	return nil
}

func (t *Tx) checkCause(worldID string, in AppendInput) error {
	if in.CausedBy == "" {
		return nil
	}
	var cause struct {
		WorldID string `db:"world_id"`
		Tick    int64  `db:"tick"`
	}
	err := sqlxGet(t.querier, &cause, `SELECT world_id, tick FROM events WHERE event_id = ?`, in.CausedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Errorf(protocol.ErrReferentialIntegrity, "caused_by %s does not exist", in.CausedBy)
	}
	if err != nil {
		return err
	}
	if cause.WorldID != worldID {
		return protocol.Errorf(protocol.ErrReferentialIntegrity, "caused_by %s belongs to another world", in.CausedBy)
	}
	if uint64(cause.Tick) > in.Tick {
		return protocol.Errorf(protocol.ErrReferentialIntegrity, "caused_by %s is at tick %d, after %d", in.CausedBy, cause.Tick, in.Tick)
	}
	return nil
}

func (t *Tx) checkRefs(worldID string, in AppendInput) error {
	introduced := map[string]bool{}
	for _, id := range in.Introduces {
		if introduced[id] {
			return protocol.Errorf(protocol.ErrBadRequest, "entity %s introduced twice", id)
		}
		introduced[id] = true
	}
	for _, ref := range []string{in.Actor, in.Target} {
		if ref == "" || introduced[ref] {
			continue
		}
		ok, err := t.EntityExists(worldID, ref)
		if err != nil {
			return err
		}
		if !ok {
			return protocol.Errorf(protocol.ErrReferentialIntegrity, "entity %s does not exist in world %s", ref, worldID)
		}
	}
	return nil
}

func (q querier) EntityExists(worldID, id string) (bool, error) {
	var n int64
	if err := sqlxGet(q, &n, `SELECT COUNT(*) FROM entities WHERE world_id = ? AND entity_id = ?`, worldID, id); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadEvents returns events with fromTick <= tick <= toTick in (tick, seq) order.
func (q querier) ReadEvents(worldID string, fromTick, toTick uint64, f model.EventFilter) ([]model.Event, error) {
	if _, err := q.GetWorld(worldID); err != nil {
		return nil, err
	}
	if fromTick > toTick {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + eventCols + ` FROM events WHERE world_id = ? AND tick >= ? AND tick <= ?`)
	args := []any{worldID, int64(fromTick), clampTick(toTick)}
	if len(f.Types) > 0 {
		b.WriteString(` AND event_type IN (?` + strings.Repeat(`,?`, len(f.Types)-1) + `)`)
		for _, ty := range f.Types {
			args = append(args, ty)
		}
	}
	if f.Actor != "" {
		b.WriteString(` AND actor_id = ?`)
		args = append(args, f.Actor)
	}
	if f.Target != "" {
		b.WriteString(` AND target_id = ?`)
		args = append(args, f.Target)
	}
	b.WriteString(` ORDER BY tick, seq_in_tick`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	return q.selectEvents(b.String(), args...)
}

// EventsAfter returns up to limit events strictly after pos, in log order.
func (q querier) EventsAfter(worldID string, pos model.Position, limit int) ([]model.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE world_id = ?`
	args := []any{worldID}
	if pos.Valid {
		query += ` AND (tick > ? OR (tick = ? AND seq_in_tick > ?))`
		args = append(args, int64(pos.Tick), int64(pos.Tick), int64(pos.Seq))
	}
	query += ` ORDER BY tick, seq_in_tick`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.selectEvents(query, args...)
}

func (q querier) selectEvents(query string, args ...any) ([]model.Event, error) {
	var rows []eventRow
	if err := sqlxSelect(q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (q querier) GetEvent(worldID, eventID string) (model.Event, error) {
	var r eventRow
	err := sqlxGet(q, &r, `SELECT `+eventCols+` FROM events WHERE world_id = ? AND event_id = ?`, worldID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, protocol.Errorf(protocol.ErrNotFound, "event %s not found in world %s", eventID, worldID)
	}
	if err != nil {
		return model.Event{}, err
	}
	return r.toModel(), nil
}

func (q querier) Head(worldID string) (model.Head, error) {
	var agg struct {
		Count int64         `db:"n"`
		Tick  sql.NullInt64 `db:"t"`
	}
	if err := sqlxGet(q, &agg, `SELECT COUNT(*) AS n, MAX(tick) AS t FROM events WHERE world_id = ?`, worldID); err != nil {
		return model.Head{}, err
	}
	h := model.Head{Count: uint64(agg.Count)}
	if !agg.Tick.Valid {
		return h, nil
	}
	var seq int64
	if err := sqlxGet(q, &seq, `SELECT MAX(seq_in_tick) FROM events WHERE world_id = ? AND tick = ?`, worldID, agg.Tick.Int64); err != nil {
		return model.Head{}, err
	}
	h.Last = model.Position{Tick: uint64(agg.Tick.Int64), Seq: uint32(seq), Valid: true}
	return h, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// clampTick maps ticks past the sqlite integer range onto its maximum.
func clampTick(t uint64) int64 {
	if t > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(t)
}
