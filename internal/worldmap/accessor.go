package worldmap

import (
	"context"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/protocol"
)

const DefaultTileThreshold = 64 * 64

// Map is what Get returns: a grid when the stored form can be laid out as one, and the
// stored blob when the map was kept as a blob.
type Map struct {
	Grid *Grid
	Blob *model.MapBlob
}

func (m *Map) Tiled() bool { return m.Blob == nil }

type Accessor struct {
	db        *store.Store
	threshold int
}

// NewAccessor stores maps of at most threshold tiles as rows and larger ones as blobs.
func NewAccessor(db *store.Store, threshold int) *Accessor {
	if threshold <= 0 {
		threshold = DefaultTileThreshold
	}
	return &Accessor{db: db, threshold: threshold}
}

func (a *Accessor) Threshold() int { return a.threshold }

// Put stores g, choosing the row or blob form by size. It reports whether tiles were used.
func (a *Accessor) Put(ctx context.Context, worldID string, g *Grid) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, protocol.Wrap(protocol.ErrBadRequest, err, "put map")
	}
	if g.Width*g.Height <= a.threshold {
		return true, a.db.Write(ctx, func(tx *store.Tx) error {
			if _, err := tx.GetWorld(worldID); err != nil {
				return err
			}
			return tx.PutTiles(worldID, g.Tiles)
		})
	}
	b, err := Encode(g)
	if err != nil {
		return false, err
	}
	return false, a.PutBlob(ctx, worldID, b)
}

// PutBlob stores a caller-encoded blob as is. An empty checksum is filled in; a wrong one
// is rejected.
func (a *Accessor) PutBlob(ctx context.Context, worldID string, b model.MapBlob) error {
	if b.Width <= 0 || b.Height <= 0 || b.Format == "" {
		return protocol.Errorf(protocol.ErrBadRequest, "map blob needs format and size")
	}
	if b.Checksum == "" {
		b.Checksum = Checksum(b.Data)
	}
	if err := Verify(&b); err != nil {
		return err
	}
	return a.db.Write(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorld(worldID); err != nil {
			return err
		}
		return tx.PutMapBlob(worldID, b)
	})
}

// Get returns the world's map. Blob checksums are verified on every read.
func (a *Accessor) Get(ctx context.Context, worldID string) (*Map, error) {
	var blob *model.MapBlob
	var tiles []model.Tile
	err := a.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		if blob, err = rt.GetMapBlob(worldID); err != nil || blob != nil {
			return err
		}
		tiles, err = rt.GetTiles(worldID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if blob != nil {
		if err := Verify(blob); err != nil {
			return nil, err
		}
		m := &Map{Blob: blob}
		if blob.Format == FormatZstdGob {
			if m.Grid, err = Decode(blob); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	if len(tiles) == 0 {
		return nil, protocol.Errorf(protocol.ErrNotFound, "world %s has no map", worldID)
	}
	g, err := FromTiles(tiles)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "world %s tiles", worldID)
	}
	return &Map{Grid: g}, nil
}

// Ref names the stored map for snapshot records.
func Ref(m *Map) string {
	if m.Blob != nil {
		return "blob:" + m.Blob.Checksum
	}
	return "tiles"
}
