// Package worldmap stores and bootstraps world maps: a tile grid for small worlds, a
// checksummed compressed blob for large ones.
package worldmap

import (
	"fmt"
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

const GeneratorSimplexV1 = "simplex-v1"

type Terrain int

const (
	TerrainOcean Terrain = iota
	TerrainPlains
	TerrainForest
	TerrainMountain
	TerrainDesert
	TerrainSwamp
	TerrainTundra
)

type Resource int

const (
	ResourceNone Resource = iota
	ResourceGrain
	ResourceTimber
	ResourceStone
	ResourceIronOre
	ResourceFish
	ResourceHerbs
)

// Grid is a row-major width x height tile map.
type Grid struct {
	Width  int
	Height int
	Tiles  []model.Tile
}

func NewGrid(w, h int) *Grid {
	g := &Grid{Width: w, Height: h, Tiles: make([]model.Tile, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Tiles[y*w+x] = model.Tile{X: x, Y: y}
		}
	}
	return g
}

func (g *Grid) In(x, y int) bool { return x >= 0 && y >= 0 && x < g.Width && y < g.Height }

func (g *Grid) At(x, y int) *model.Tile {
	if !g.In(x, y) {
		return nil
	}
	return &g.Tiles[y*g.Width+x]
}

func (g *Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("bad map size %dx%d", g.Width, g.Height)
	}
	if len(g.Tiles) != g.Width*g.Height {
		return fmt.Errorf("map %dx%d has %d tiles", g.Width, g.Height, len(g.Tiles))
	}
	for i, t := range g.Tiles {
		if t.X != i%g.Width || t.Y != i/g.Width {
			return fmt.Errorf("tile %d at (%d,%d) out of row-major order", i, t.X, t.Y)
		}
	}
	return nil
}

// FromTiles lays stored tiles back out as a grid sized by their extent.
func FromTiles(tiles []model.Tile) (*Grid, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tiles")
	}
	w, h := 0, 0
	for _, t := range tiles {
		if t.X < 0 || t.Y < 0 {
			return nil, fmt.Errorf("negative tile coord (%d,%d)", t.X, t.Y)
		}
		if t.X+1 > w {
			w = t.X + 1
		}
		if t.Y+1 > h {
			h = t.Y + 1
		}
	}
	g := NewGrid(w, h)
	for _, t := range tiles {
		*g.At(t.X, t.Y) = t
	}
	return g, nil
}

// Generate builds a deterministic map from seed using layered simplex noise: elevation and
// moisture pick the terrain, terrain picks the resource.
func Generate(seed int64, w, h int) *Grid {
	elevNoise := opensimplex.NewNormalized(seed)
	rainNoise := opensimplex.NewNormalized(seed + 1)

	g := NewGrid(w, h)
	cx, cy := float64(w-1)/2, float64(h-1)/2
	radius := math.Max(math.Max(cx, cy), 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			elev := octave(elevNoise, fx, fy, 4, 0.08, 0.5)
			rain := octave(rainNoise, fx, fy, 3, 0.06, 0.5)

			// Sink the edges so the map reads as an island.
			d := math.Hypot(fx-cx, fy-cy) / radius
			if falloff := 1 - math.Pow(d, 3.5); falloff > 0 {
				elev *= falloff
			} else {
				elev = 0
			}

			t := g.At(x, y)
			terrain := terrainFor(elev, rain)
			t.Terrain = int(terrain)
			t.Blocked = terrain == TerrainOcean || terrain == TerrainMountain
			res, amount := resourceFor(terrain, elev, rain)
			t.ResourceType = int(res)
			t.ResourceAmount = amount
		}
	}
	return g
}

// GenerateFor runs the generator a world was created with.
func GenerateFor(generator string, seed int64, w, h int) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "map size %dx%d", w, h)
	}
	switch generator {
	case GeneratorSimplexV1:
		return Generate(seed, w, h), nil
	}
	return nil, protocol.Errorf(protocol.ErrBadRequest, "unknown map generator %q", generator)
}

type noise2 interface {
	Eval2(x, y float64) float64
}

func octave(n noise2, x, y float64, octaves int, freq, persistence float64) float64 {
	total, amp, maxAmp := 0.0, 1.0, 0.0
	for i := 0; i < octaves; i++ {
		total += n.Eval2(x*freq, y*freq) * amp
		maxAmp += amp
		amp *= persistence
		freq *= 2
	}
	return total / maxAmp
}

func terrainFor(elev, rain float64) Terrain {
	switch {
	case elev < 0.25:
		return TerrainOcean
	case elev > 0.72:
		return TerrainMountain
	case elev > 0.6 && rain < 0.3:
		return TerrainTundra
	case rain < 0.25:
		return TerrainDesert
	case rain > 0.7 && elev < 0.45:
		return TerrainSwamp
	case rain > 0.45:
		return TerrainForest
	}
	return TerrainPlains
}

func resourceFor(t Terrain, elev, rain float64) (Resource, int) {
	switch t {
	case TerrainPlains:
		return ResourceGrain, 80 + int(rain*40)
	case TerrainForest:
		return ResourceTimber, 100
	case TerrainMountain:
		return ResourceIronOre, 60 + int(elev*30)
	case TerrainDesert:
		return ResourceStone, 30
	case TerrainSwamp:
		return ResourceHerbs, 60
	case TerrainOcean:
		return ResourceFish, 50
	}
	return ResourceNone, 0
}
