package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

type agentRow struct {
	WorldID      string  `db:"world_id"`
	ID           string  `db:"agent_id"`
	Name         string  `db:"name"`
	Capabilities string  `db:"capabilities_json"`
	X            int64   `db:"x"`
	Y            int64   `db:"y"`
	BirthTick    int64   `db:"birth_tick"`
	DeathTick    *int64  `db:"death_tick"`
	State        *string `db:"state_json"`
	UpdatedTick  int64   `db:"updated_tick"`
}

func (r agentRow) toModel() (*model.Agent, error) {
	a := &model.Agent{
		ID:          r.ID,
		Name:        r.Name,
		X:           int(r.X),
		Y:           int(r.Y),
		BirthTick:   uint64(r.BirthTick),
		UpdatedTick: uint64(r.UpdatedTick),
	}
	if err := json.Unmarshal([]byte(r.Capabilities), &a.Capabilities); err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "agent %s capabilities", r.ID)
	}
	if len(a.Capabilities) == 0 {
		a.Capabilities = nil
	}
	if r.DeathTick != nil {
		d := uint64(*r.DeathTick)
		a.DeathTick = &d
	}
	if r.State != nil {
		a.State = json.RawMessage(*r.State)
	}
	return a, nil
}

const agentCols = `world_id, agent_id, name, capabilities_json, x, y, birth_tick, death_tick, state_json, updated_tick`

type relRow struct {
	A           string  `db:"a_agent_id"`
	B           string  `db:"b_agent_id"`
	Affinity    float64 `db:"affinity"`
	Trust       float64 `db:"trust"`
	Hostility   float64 `db:"hostility"`
	Familiarity float64 `db:"familiarity"`
	LastTick    int64   `db:"last_tick"`
	Meta        *string `db:"meta_json"`
}

func (r relRow) toModel() *model.Relationship {
	rel := &model.Relationship{
		A:           r.A,
		B:           r.B,
		Affinity:    r.Affinity,
		Trust:       r.Trust,
		Hostility:   r.Hostility,
		Familiarity: r.Familiarity,
		LastTick:    uint64(r.LastTick),
	}
	if r.Meta != nil {
		rel.Meta = json.RawMessage(*r.Meta)
	}
	return rel
}

const relCols = `a_agent_id, b_agent_id, affinity, trust, hostility, familiarity, last_tick, meta_json`

// AgentFilter narrows ListAgents. AliveOnly drops agents with a death tick.
type AgentFilter struct {
	AliveOnly  bool
	Capability string
	// Area is {x0, y0, x1, y1}, inclusive.
	Area *[4]int
}

func (q querier) GetAgent(worldID, id string) (*model.Agent, error) {
	var r agentRow
	err := sqlxGet(q, &r, `SELECT `+agentCols+` FROM agents WHERE world_id = ? AND agent_id = ?`, worldID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "agent %s not found in world %s", id, worldID)
	}
	if err != nil {
		return nil, err
	}
	return r.toModel()
}

func (q querier) ListAgents(worldID string, f AgentFilter) ([]*model.Agent, error) {
	query := `SELECT ` + agentCols + ` FROM agents WHERE world_id = ?`
	args := []any{worldID}
	if f.AliveOnly {
		query += ` AND death_tick IS NULL`
	}
	if f.Area != nil {
		query += ` AND x >= ? AND x <= ? AND y >= ? AND y <= ?`
		args = append(args, f.Area[0], f.Area[2], f.Area[1], f.Area[3])
	}
	query += ` ORDER BY agent_id`
	var rows []agentRow
	if err := sqlxSelect(q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		if f.Capability != "" && !a.Has(f.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (q querier) GetRelationship(worldID, a, b string) (*model.Relationship, error) {
	var r relRow
	err := sqlxGet(q, &r, `SELECT `+relCols+` FROM relationships
		WHERE world_id = ? AND a_agent_id = ? AND b_agent_id = ?`, worldID, a, b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "relationship %s->%s not found in world %s", a, b, worldID)
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// Direction selects which edges ListRelationships returns for an agent.
type Direction int

const (
	Both Direction = iota
	Outgoing
	Incoming
)

// ListRelationships returns edges touching agentID in the given direction, or every edge
// in the world when agentID is empty.
func (q querier) ListRelationships(worldID, agentID string, dir Direction) ([]*model.Relationship, error) {
	query := `SELECT ` + relCols + ` FROM relationships WHERE world_id = ?`
	args := []any{worldID}
	if agentID != "" {
		switch dir {
		case Outgoing:
			query += ` AND a_agent_id = ?`
			args = append(args, agentID)
		case Incoming:
			query += ` AND b_agent_id = ?`
			args = append(args, agentID)
		default:
			query += ` AND (a_agent_id = ? OR b_agent_id = ?)`
			args = append(args, agentID, agentID)
		}
	}
	query += ` ORDER BY a_agent_id, b_agent_id`
	var rows []relRow
	err := sqlxSelect(q, &rows, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Relationship, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (q querier) Vars(worldID string) (map[string]json.RawMessage, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value_json"`
	}
	if err := sqlxSelect(q, &rows, `SELECT key, value_json FROM world_vars WHERE world_id = ? ORDER BY key`, worldID); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

// LoadProjection reads the projection tables back as a State positioned at the cursor.
func (q querier) LoadProjection(worldID string) (*replay.State, error) {
	st := replay.NewState(worldID)
	vars, err := q.Vars(worldID)
	if err != nil {
		return nil, err
	}
	st.Vars = vars
	agents, err := q.ListAgents(worldID, AgentFilter{})
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		st.Agents[a.ID] = a
	}
	rels, err := q.ListRelationships(worldID, "", Both)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		st.Relationships[r.Key()] = r
	}
	cur, err := q.Cursor(worldID)
	if err != nil {
		return nil, err
	}
	st.Last = cur.Last
	st.Tick = cur.Last.Tick
	return st, nil
}

// View returns a replay.View writing straight into the projection tables.
func (t *Tx) View(worldID string) replay.View {
	return &projectionView{tx: t, worldID: worldID}
}

type projectionView struct {
	tx      *Tx
	worldID string
}

func (v *projectionView) Agent(id string) (*model.Agent, error) {
	a, err := v.tx.GetAgent(v.worldID, id)
	if protocol.Is(err, protocol.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (v *projectionView) PutAgent(a *model.Agent) error {
	return v.tx.upsertAgent(v.worldID, a)
}

func (v *projectionView) Relationship(a, b string) (*model.Relationship, error) {
	r, err := v.tx.GetRelationship(v.worldID, a, b)
	if protocol.Is(err, protocol.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (v *projectionView) PutRelationship(r *model.Relationship) error {
	return v.tx.upsertRelationship(v.worldID, r)
}

func (v *projectionView) Var(key string) (json.RawMessage, error) {
	var s string
	err := sqlxGet(v.tx.querier, &s, `SELECT value_json FROM world_vars WHERE world_id = ? AND key = ?`, v.worldID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func (v *projectionView) SetVar(key string, value json.RawMessage) error {
	if value == nil {
		return v.tx.exec(`DELETE FROM world_vars WHERE world_id = ? AND key = ?`, v.worldID, key)
	}
	return v.tx.exec(`INSERT INTO world_vars(world_id, key, value_json) VALUES(?,?,?)
		ON CONFLICT(world_id, key) DO UPDATE SET value_json = excluded.value_json`, v.worldID, key, string(value))
}

func (t *Tx) upsertAgent(worldID string, a *model.Agent) error {
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return err
	}
	var death, state any
	if a.DeathTick != nil {
		death = int64(*a.DeathTick)
	}
	if a.State != nil {
		state = string(a.State)
	}
	return t.exec(`INSERT INTO agents(`+agentCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(world_id, agent_id) DO UPDATE SET
			name = excluded.name,
			capabilities_json = excluded.capabilities_json,
			x = excluded.x,
			y = excluded.y,
			birth_tick = excluded.birth_tick,
			death_tick = excluded.death_tick,
			state_json = excluded.state_json,
			updated_tick = excluded.updated_tick`,
		worldID, a.ID, a.Name, string(caps), a.X, a.Y, int64(a.BirthTick), death, state, int64(a.UpdatedTick))
}

func (t *Tx) upsertRelationship(worldID string, r *model.Relationship) error {
	var meta any
	if r.Meta != nil {
		meta = string(r.Meta)
	}
	err := t.exec(`INSERT INTO relationships(world_id, `+relCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(world_id, a_agent_id, b_agent_id) DO UPDATE SET
			affinity = excluded.affinity,
			trust = excluded.trust,
			hostility = excluded.hostility,
			familiarity = excluded.familiarity,
			last_tick = excluded.last_tick,
			meta_json = excluded.meta_json`,
		worldID, r.A, r.B, r.Affinity, r.Trust, r.Hostility, r.Familiarity, int64(r.LastTick), meta)
	if isForeignKeyViolation(err) {
		return protocol.Errorf(protocol.ErrReferentialIntegrity, "relationship %s->%s names an unknown agent", r.A, r.B)
	}
	return err
}

// ReplaceProjection swaps the world's projection rows and cursor for st in one step.
func (t *Tx) ReplaceProjection(st *replay.State, applied uint64) error {
	for _, tbl := range []string{"relationships", "agents", "world_vars"} {
		if err := t.exec(`DELETE FROM `+tbl+` WHERE world_id = ?`, st.WorldID); err != nil {
			return err
		}
	}
	for _, a := range st.SortedAgents() {
		if err := t.upsertAgent(st.WorldID, a); err != nil {
			return err
		}
	}
	for _, r := range st.SortedRelationships() {
		if err := t.upsertRelationship(st.WorldID, r); err != nil {
			return err
		}
	}
	v := t.View(st.WorldID)
	for k, val := range st.Vars {
		if err := v.SetVar(k, val); err != nil {
			return err
		}
	}
	return t.ResetCursor(st.WorldID, st.Last, applied)
}

type cursorRow struct {
	WorldID   string `db:"world_id"`
	HasLast   bool   `db:"has_last"`
	LastTick  int64  `db:"last_tick"`
	LastSeq   int64  `db:"last_seq"`
	Applied   int64  `db:"applied"`
	Failures  int64  `db:"failures"`
	LastError string `db:"last_error"`
	Stalled   bool   `db:"stalled"`
	UpdatedAt string `db:"updated_at"`
}

// Cursor returns the world's projection cursor. A world that never projected anything
// gets a zero cursor.
func (q querier) Cursor(worldID string) (model.ProjectionCursor, error) {
	var r cursorRow
	err := sqlxGet(q, &r, `SELECT world_id, has_last, last_tick, last_seq, applied, failures, last_error, stalled, updated_at
		FROM projection_cursors WHERE world_id = ?`, worldID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProjectionCursor{WorldID: worldID}, nil
	}
	if err != nil {
		return model.ProjectionCursor{}, err
	}
	c := model.ProjectionCursor{
		WorldID:   r.WorldID,
		Applied:   uint64(r.Applied),
		Failures:  int(r.Failures),
		LastError: r.LastError,
		Stalled:   r.Stalled,
		UpdatedAt: parseTime(r.UpdatedAt),
	}
	if r.HasLast {
		c.Last = model.Position{Tick: uint64(r.LastTick), Seq: uint32(r.LastSeq), Valid: true}
	}
	return c, nil
}

// AdvanceCursor records that events up to pos were applied and clears any failure state.
func (t *Tx) AdvanceCursor(worldID string, pos model.Position, n uint64) error {
	return t.exec(`INSERT INTO projection_cursors(world_id, has_last, last_tick, last_seq, applied, failures, last_error, stalled, updated_at)
		VALUES(?,?,?,?,?,0,'',0,?)
		ON CONFLICT(world_id) DO UPDATE SET
			has_last = excluded.has_last,
			last_tick = excluded.last_tick,
			last_seq = excluded.last_seq,
			applied = projection_cursors.applied + excluded.applied,
			failures = 0,
			last_error = '',
			stalled = 0,
			updated_at = excluded.updated_at`,
		worldID, pos.Valid, int64(pos.Tick), int64(pos.Seq), int64(n), formatTime(time.Now()))
}

// ResetCursor overwrites the cursor, as after a rebuild.
func (t *Tx) ResetCursor(worldID string, pos model.Position, applied uint64) error {
	return t.exec(`INSERT INTO projection_cursors(world_id, has_last, last_tick, last_seq, applied, failures, last_error, stalled, updated_at)
		VALUES(?,?,?,?,?,0,'',0,?)
		ON CONFLICT(world_id) DO UPDATE SET
			has_last = excluded.has_last,
			last_tick = excluded.last_tick,
			last_seq = excluded.last_seq,
			applied = excluded.applied,
			failures = 0,
			last_error = '',
			stalled = 0,
			updated_at = excluded.updated_at`,
		worldID, pos.Valid, int64(pos.Tick), int64(pos.Seq), int64(applied), formatTime(time.Now()))
}

// RecordFailure bumps the failure count and marks the cursor stalled once it reaches
// maxAttempts. It returns the new failure count.
func (t *Tx) RecordFailure(worldID, msg string, maxAttempts int) (int, error) {
	if err := t.exec(`INSERT INTO projection_cursors(world_id, failures, last_error, updated_at)
		VALUES(?,1,?,?)
		ON CONFLICT(world_id) DO UPDATE SET
			failures = projection_cursors.failures + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		worldID, msg, formatTime(time.Now())); err != nil {
		return 0, err
	}
	var n int64
	if err := sqlxGet(t.querier, &n, `SELECT failures FROM projection_cursors WHERE world_id = ?`, worldID); err != nil {
		return 0, err
	}
	if maxAttempts > 0 && int(n) >= maxAttempts {
		if err := t.exec(`UPDATE projection_cursors SET stalled = 1 WHERE world_id = ?`, worldID); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

// ClearStall resets the failure state without moving the cursor.
func (t *Tx) ClearStall(worldID string) error {
	return t.exec(`UPDATE projection_cursors SET failures = 0, last_error = '', stalled = 0, updated_at = ?
		WHERE world_id = ?`, formatTime(time.Now()), worldID)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
