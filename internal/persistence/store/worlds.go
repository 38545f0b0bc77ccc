package store

import (
	"database/sql"
	"errors"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

type worldRow struct {
	ID               string `db:"world_id"`
	Name             string `db:"name"`
	Seed             int64  `db:"seed"`
	GeneratorVersion string `db:"generator_version"`
	CurrentTick      int64  `db:"current_tick"`
	TickUnitMs       int64  `db:"tick_unit_ms"`
	Status           string `db:"status"`
	CreatedAt        string `db:"created_at"`
}

func (r worldRow) toModel() *model.World {
	return &model.World{
		ID:               r.ID,
		Name:             r.Name,
		Seed:             r.Seed,
		GeneratorVersion: r.GeneratorVersion,
		CurrentTick:      uint64(r.CurrentTick),
		TickUnitMs:       int(r.TickUnitMs),
		Status:           model.Status(r.Status),
		CreatedAt:        parseTime(r.CreatedAt),
	}
}

const worldCols = `world_id, name, seed, generator_version, current_tick, tick_unit_ms, status, created_at`

func (t *Tx) InsertWorld(w *model.World) error {
	err := t.exec(`INSERT INTO worlds(`+worldCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.Seed, w.GeneratorVersion, int64(w.CurrentTick), w.TickUnitMs, string(w.Status), formatTime(w.CreatedAt))
	if isUniqueViolation(err) {
		return protocol.Errorf(protocol.ErrAlreadyExists, "world %s already exists", w.ID)
	}
	return err
}

func (q querier) GetWorld(id string) (*model.World, error) {
	var r worldRow
	err := sqlxGet(q, &r, `SELECT `+worldCols+` FROM worlds WHERE world_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "world %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

// ListWorlds returns worlds ordered by creation time. An empty status lists all.
func (q querier) ListWorlds(status model.Status) ([]*model.World, error) {
	var rows []worldRow
	var err error
	if status == "" {
		err = sqlxSelect(q, &rows, `SELECT `+worldCols+` FROM worlds ORDER BY created_at, world_id`)
	} else {
		err = sqlxSelect(q, &rows, `SELECT `+worldCols+` FROM worlds WHERE status = ? ORDER BY created_at, world_id`, string(status))
	}
	if err != nil {
		return nil, err
	}
	out := make([]*model.World, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (t *Tx) SetWorldStatus(id string, status model.Status) error {
	res, err := t.q.ExecContext(t.ctx, `UPDATE worlds SET status = ? WHERE world_id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "world", id)
}

func (t *Tx) SetCurrentTick(id string, tick uint64) error {
	res, err := t.q.ExecContext(t.ctx, `UPDATE worlds SET current_tick = ? WHERE world_id = ?`, int64(tick), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "world", id)
}

// DeleteWorld removes the world row; every dependent row goes with it through
// ON DELETE CASCADE.
func (t *Tx) DeleteWorld(id string) error {
	res, err := t.q.ExecContext(t.ctx, `DELETE FROM worlds WHERE world_id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "world", id)
}

// CountWorldRows reports how many rows reference the world across the dependent tables.
func (q querier) CountWorldRows(id string) (map[string]int64, error) {
	tables := []string{"events", "entities", "snapshots", "agents", "relationships", "world_vars", "projection_cursors", "world_maps", "world_tiles"}
	out := make(map[string]int64, len(tables)+1)
	for _, tbl := range tables {
		var n int64
		if err := sqlxGet(q, &n, `SELECT COUNT(*) FROM `+tbl+` WHERE world_id = ?`, id); err != nil {
			return nil, err
		}
		out[tbl] = n
	}
	var n int64
	if err := sqlxGet(q, &n, `SELECT COUNT(*) FROM agent_snapshots
		WHERE snapshot_id NOT IN (SELECT snapshot_id FROM snapshots)`); err != nil {
		return nil, err
	}
	out["orphan_agent_snapshots"] = n
	return out, nil
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return protocol.Errorf(protocol.ErrNotFound, "%s %s not found", what, id)
	}
	return nil
}
