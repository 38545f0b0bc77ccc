package worldmap

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
)

// FormatZstdGob is the blob format written by Encode. Blobs in any other format are stored
// and returned untouched.
const FormatZstdGob = "zstd+gob"

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil)
)

type gridV1 struct {
	Width  int
	Height int
	Tiles  []model.Tile
}

func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks a blob's data against its declared checksum.
func Verify(b *model.MapBlob) error {
	if got := Checksum(b.Data); got != b.Checksum {
		return protocol.Errorf(protocol.ErrChecksumMismatch, "map blob checksum %s, declared %s", got, b.Checksum)
	}
	return nil
}

func Encode(g *Grid) (model.MapBlob, error) {
	if err := g.Validate(); err != nil {
		return model.MapBlob{}, protocol.Wrap(protocol.ErrBadRequest, err, "encode map")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gridV1{Width: g.Width, Height: g.Height, Tiles: g.Tiles}); err != nil {
		return model.MapBlob{}, fmt.Errorf("gob encode map: %w", err)
	}
	data := encoder.EncodeAll(buf.Bytes(), nil)
	return model.MapBlob{
		Format:   FormatZstdGob,
		Width:    g.Width,
		Height:   g.Height,
		Data:     data,
		Checksum: Checksum(data),
	}, nil
}

// Decode verifies and unpacks a zstd+gob blob.
func Decode(b *model.MapBlob) (*Grid, error) {
	if err := Verify(b); err != nil {
		return nil, err
	}
	if b.Format != FormatZstdGob {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "map format %q is opaque", b.Format)
	}
	raw, err := decoder.DecodeAll(b.Data, nil)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "decompress map")
	}
	var v gridV1
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "decode map")
	}
	if v.Width != b.Width || v.Height != b.Height {
		return nil, protocol.Errorf(protocol.ErrInternal, "map body %dx%d, declared %dx%d", v.Width, v.Height, b.Width, b.Height)
	}
	g := &Grid{Width: v.Width, Height: v.Height, Tiles: v.Tiles}
	if err := g.Validate(); err != nil {
		return nil, protocol.Wrap(protocol.ErrInternal, err, "decode map")
	}
	return g, nil
}
