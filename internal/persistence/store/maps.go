package store

import (
	"database/sql"
	"errors"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

type tileRow struct {
	X              int64   `db:"x"`
	Y              int64   `db:"y"`
	Terrain        int64   `db:"terrain_type"`
	Blocked        bool    `db:"is_blocked"`
	ResourceType   int64   `db:"resource_type"`
	ResourceAmount int64   `db:"resource_amount"`
	Meta           *string `db:"meta_json"`
}

type mapRow struct {
	Format   string `db:"format"`
	Width    int64  `db:"width"`
	Height   int64  `db:"height"`
	Data     []byte `db:"data_blob"`
	Checksum string `db:"checksum"`
}

// PutTiles replaces the world's map with per-tile rows.
func (t *Tx) PutTiles(worldID string, tiles []model.Tile) error {
	if err := t.clearMap(worldID); err != nil {
		return err
	}
	for _, tl := range tiles {
		var meta any
		if tl.Meta != nil {
			meta = string(tl.Meta)
		}
		err := t.exec(`INSERT INTO world_tiles(world_id, x, y, terrain_type, is_blocked, resource_type, resource_amount, meta_json)
			VALUES(?,?,?,?,?,?,?,?)`,
			worldID, tl.X, tl.Y, tl.Terrain, tl.Blocked, tl.ResourceType, tl.ResourceAmount, meta)
		if isUniqueViolation(err) {
			return protocol.Errorf(protocol.ErrBadRequest, "duplicate tile (%d,%d)", tl.X, tl.Y)
		}
		if isForeignKeyViolation(err) {
			return protocol.Errorf(protocol.ErrNotFound, "world %s not found", worldID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// PutMapBlob replaces the world's map with one encoded blob.
func (t *Tx) PutMapBlob(worldID string, b model.MapBlob) error {
	if err := t.clearMap(worldID); err != nil {
		return err
	}
	err := t.exec(`INSERT INTO world_maps(world_id, format, width, height, data_blob, checksum) VALUES(?,?,?,?,?,?)`,
		worldID, b.Format, b.Width, b.Height, b.Data, b.Checksum)
	if isForeignKeyViolation(err) {
		return protocol.Errorf(protocol.ErrNotFound, "world %s not found", worldID)
	}
	return err
}

func (t *Tx) clearMap(worldID string) error {
	if err := t.exec(`DELETE FROM world_tiles WHERE world_id = ?`, worldID); err != nil {
		return err
	}
	return t.exec(`DELETE FROM world_maps WHERE world_id = ?`, worldID)
}

// GetMapBlob returns the stored blob, or nil when the world's map is tiled or absent.
func (q querier) GetMapBlob(worldID string) (*model.MapBlob, error) {
	var r mapRow
	err := sqlxGet(q, &r, `SELECT format, width, height, data_blob, checksum FROM world_maps WHERE world_id = ?`, worldID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.MapBlob{Format: r.Format, Width: int(r.Width), Height: int(r.Height), Data: r.Data, Checksum: r.Checksum}, nil
}

func (q querier) GetTiles(worldID string) ([]model.Tile, error) {
	var rows []tileRow
	if err := sqlxSelect(q, &rows, `SELECT x, y, terrain_type, is_blocked, resource_type, resource_amount, meta_json
		FROM world_tiles WHERE world_id = ? ORDER BY y, x`, worldID); err != nil {
		return nil, err
	}
	out := make([]model.Tile, 0, len(rows))
	for _, r := range rows {
		tl := model.Tile{
			X:              int(r.X),
			Y:              int(r.Y),
			Terrain:        int(r.Terrain),
			Blocked:        r.Blocked,
			ResourceType:   int(r.ResourceType),
			ResourceAmount: int(r.ResourceAmount),
		}
		if r.Meta != nil {
			tl.Meta = []byte(*r.Meta)
		}
		out = append(out, tl)
	}
	return out, nil
}

// TilesWithResource lists tiles carrying the given resource type.
func (q querier) TilesWithResource(worldID string, resourceType int) ([]model.Tile, error) {
	var rows []tileRow
	if err := sqlxSelect(q, &rows, `SELECT x, y, terrain_type, is_blocked, resource_type, resource_amount, meta_json
		FROM world_tiles WHERE world_id = ? AND resource_type = ? ORDER BY y, x`, worldID, resourceType); err != nil {
		return nil, err
	}
	out := make([]model.Tile, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Tile{X: int(r.X), Y: int(r.Y), Terrain: int(r.Terrain), Blocked: r.Blocked,
			ResourceType: int(r.ResourceType), ResourceAmount: int(r.ResourceAmount)})
	}
	return out, nil
}
