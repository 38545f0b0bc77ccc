package store

import (
	"database/sql"
	"errors"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

type snapshotRow struct {
	ID         string  `db:"snapshot_id"`
	WorldID    string  `db:"world_id"`
	Tick       int64   `db:"tick"`
	Format     int64   `db:"format"`
	WorldState []byte  `db:"world_state"`
	MapRef     *string `db:"map_ref"`
	CreatedAt  string  `db:"created_at"`
}

type agentSnapshotRow struct {
	AgentID string `db:"agent_id"`
	State   []byte `db:"agent_state"`
}

// SnapshotInfo describes a snapshot without its payload.
type SnapshotInfo struct {
	ID        string `db:"snapshot_id"`
	Tick      int64  `db:"tick"`
	Format    int64  `db:"format"`
	Bytes     int64  `db:"bytes"`
	Agents    int64  `db:"agents"`
	CreatedAt string `db:"created_at"`
}

// InsertSnapshot writes snap and its agent captures. A second snapshot at the same
// (world, tick) is rejected; snapshots are never overwritten.
func (t *Tx) InsertSnapshot(snap *model.Snapshot) error {
	err := t.exec(`INSERT INTO snapshots(snapshot_id, world_id, tick, format, world_state, map_ref, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		snap.ID, snap.WorldID, int64(snap.Tick), snap.Format, snap.WorldState, nullString(snap.MapRef), formatTime(snap.CreatedAt))
	if isUniqueViolation(err) {
		return protocol.Errorf(protocol.ErrAlreadyExists, "snapshot for world %s at tick %d already exists", snap.WorldID, snap.Tick)
	}
	if isForeignKeyViolation(err) {
		return protocol.Errorf(protocol.ErrNotFound, "world %s not found", snap.WorldID)
	}
	if err != nil {
		return err
	}
	for _, a := range snap.Agents {
		if err := t.exec(`INSERT INTO agent_snapshots(snapshot_id, agent_id, agent_state) VALUES(?,?,?)`,
			snap.ID, a.AgentID, a.State); err != nil {
			return err
		}
	}
	return nil
}

// LatestSnapshotBefore returns the snapshot with the greatest tick <= tick, or nil.
func (q querier) LatestSnapshotBefore(worldID string, tick uint64) (*model.Snapshot, error) {
	var r snapshotRow
	err := sqlxGet(q, &r, `SELECT snapshot_id, world_id, tick, format, world_state, map_ref, created_at
		FROM snapshots WHERE world_id = ? AND tick <= ? ORDER BY tick DESC LIMIT 1`, worldID, clampTick(tick))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q.loadSnapshot(r)
}

func (q querier) GetSnapshot(worldID string, tick uint64) (*model.Snapshot, error) {
	var r snapshotRow
	err := sqlxGet(q, &r, `SELECT snapshot_id, world_id, tick, format, world_state, map_ref, created_at
		FROM snapshots WHERE world_id = ? AND tick = ?`, worldID, clampTick(tick))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "no snapshot for world %s at tick %d", worldID, tick)
	}
	if err != nil {
		return nil, err
	}
	return q.loadSnapshot(r)
}

func (q querier) loadSnapshot(r snapshotRow) (*model.Snapshot, error) {
	var agents []agentSnapshotRow
	if err := sqlxSelect(q, &agents, `SELECT agent_id, agent_state FROM agent_snapshots
		WHERE snapshot_id = ? ORDER BY agent_id`, r.ID); err != nil {
		return nil, err
	}
	snap := &model.Snapshot{
		ID:         r.ID,
		WorldID:    r.WorldID,
		Tick:       uint64(r.Tick),
		Format:     int(r.Format),
		WorldState: r.WorldState,
		CreatedAt:  parseTime(r.CreatedAt),
	}
	if r.MapRef != nil {
		snap.MapRef = *r.MapRef
	}
	for _, a := range agents {
		snap.Agents = append(snap.Agents, model.AgentCapture{AgentID: a.AgentID, State: a.State})
	}
	return snap, nil
}

func (q querier) ListSnapshots(worldID string) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	err := sqlxSelect(q, &out, `SELECT s.snapshot_id, s.tick, s.format, s.created_at,
			LENGTH(s.world_state) + COALESCE(SUM(LENGTH(a.agent_state)), 0) AS bytes,
			COUNT(a.agent_id) AS agents
		FROM snapshots s LEFT JOIN agent_snapshots a ON a.snapshot_id = s.snapshot_id
		WHERE s.world_id = ?
		GROUP BY s.snapshot_id
		ORDER BY s.tick`, worldID)
	return out, err
}

// LatestSnapshotTick reports the newest snapshot tick for the world.
func (q querier) LatestSnapshotTick(worldID string) (uint64, bool, error) {
	var t sql.NullInt64
	if err := sqlxGet(q, &t, `SELECT MAX(tick) FROM snapshots WHERE world_id = ?`, worldID); err != nil {
		return 0, false, err
	}
	return uint64(t.Int64), t.Valid, nil
}
