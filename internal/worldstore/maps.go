package worldstore

import (
	"context"

	"github.com/dustin/go-humanize"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/worldmap"
)

// PutMap stores g as tile rows or as a compressed blob depending on maps.tile_threshold.
func (s *Service) PutMap(ctx context.Context, worldID string, g *worldmap.Grid) error {
	tiled, err := s.maps.Put(ctx, worldID, g)
	if err != nil {
		return err
	}
	form := "blob"
	if tiled {
		form = "tiles"
	}
	s.logger.Printf("world=%s map %dx%d stored as %s", worldID, g.Width, g.Height, form)
	return nil
}

func (s *Service) PutMapBlob(ctx context.Context, worldID string, b model.MapBlob) error {
	if err := s.maps.PutBlob(ctx, worldID, b); err != nil {
		return err
	}
	s.logger.Printf("world=%s map blob %s (%s)", worldID, b.Format, humanize.Bytes(uint64(len(b.Data))))
	return nil
}

func (s *Service) GetMap(ctx context.Context, worldID string) (*worldmap.Map, error) {
	return s.maps.Get(ctx, worldID)
}

// GenerateMap builds the world's starting terrain from its seed and generator and stores it.
func (s *Service) GenerateMap(ctx context.Context, worldID string, width, height int) (*worldmap.Grid, error) {
	w, err := s.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	g, err := worldmap.GenerateFor(w.GeneratorVersion, w.Seed, width, height)
	if err != nil {
		return nil, err
	}
	if err := s.PutMap(ctx, worldID, g); err != nil {
		return nil, err
	}
	return g, nil
}
