package model

// Tile is one cell of a per-tile world map.
type Tile struct {
	X              int    `json:"x"`
	Y              int    `json:"y"`
	Terrain        int    `json:"terrain"`
	Blocked        bool   `json:"blocked"`
	ResourceType   int    `json:"resource_type"`
	ResourceAmount int    `json:"resource_amount"`
	Meta           []byte `json:"meta,omitempty"`
}

// MapBlob is an opaque encoded map. Checksum is the hex sha256 of Data.
type MapBlob struct {
	Format   string
	Width    int
	Height   int
	Data     []byte
	Checksum string
}
