package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

// FormatV1 is the only snapshot format this build reads.
const FormatV1 = 1

const (
	kindWorld = "world"
	kindAgent = "agent"
	kindFile  = "file"
)

// Header is written as a JSON line ahead of the gob body so a blob can be identified
// without decoding it.
type Header struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

type WorldStateV1 struct {
	Header Header

	Vars          map[string][]byte
	Relationships []RelationshipV1

	LastTick uint64
	LastSeq  uint32
	HasLast  bool
}

type RelationshipV1 struct {
	A           string
	B           string
	Affinity    float64
	Trust       float64
	Hostility   float64
	Familiarity float64
	LastTick    uint64
	Meta        []byte
}

type AgentV1 struct {
	Header Header

	ID           string
	Name         string
	Capabilities []string
	X            int
	Y            int
	BirthTick    uint64
	Dead         bool
	DeathTick    uint64
	State        []byte
	UpdatedTick  uint64
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func encode(h Header, body any) ([]byte, error) {
	var buf bytes.Buffer
	hb, _ := json.Marshal(h)
	buf.Write(hb)
	buf.WriteByte('\n')
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

func decode(blob []byte, want Header, body any) error {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return protocol.Wrap(protocol.ErrCorruptSnapshot, err, "%s blob for world %s tick %d", want.Kind, want.WorldID, want.Tick)
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	line, err := br.ReadBytes('\n')
	if err != nil {
		return protocol.Wrap(protocol.ErrCorruptSnapshot, err, "%s blob header", want.Kind)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return protocol.Wrap(protocol.ErrCorruptSnapshot, err, "%s blob header", want.Kind)
	}
	if err := checkHeader(h, want); err != nil {
		return err
	}
	if err := gob.NewDecoder(br).Decode(body); err != nil {
		return protocol.Wrap(protocol.ErrCorruptSnapshot, err, "%s blob body", want.Kind)
	}
	return nil
}

func checkHeader(got, want Header) error {
	if got.Version != FormatV1 {
		return protocol.Errorf(protocol.ErrCorruptSnapshot, "unknown snapshot format v%d", got.Version)
	}
	if got.Kind != want.Kind {
		return protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot kind %q, want %q", got.Kind, want.Kind)
	}
	if want.WorldID != "" && got.WorldID != want.WorldID {
		return protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot world %s, want %s", got.WorldID, want.WorldID)
	}
	if got.Tick != want.Tick {
		return protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot tick %d, want %d", got.Tick, want.Tick)
	}
	return nil
}

// Capture encodes st as the world blob plus one capture per agent, all tagged with st.Tick.
func Capture(st *replay.State) (worldState []byte, agents []model.AgentCapture, err error) {
	h := Header{Version: FormatV1, Kind: kindWorld, WorldID: st.WorldID, Tick: st.Tick}
	ws := WorldStateV1{
		Header:   h,
		Vars:     make(map[string][]byte, len(st.Vars)),
		LastTick: st.Last.Tick,
		LastSeq:  st.Last.Seq,
		HasLast:  st.Last.Valid,
	}
	for k, v := range st.Vars {
		ws.Vars[k] = v
	}
	for _, r := range st.SortedRelationships() {
		ws.Relationships = append(ws.Relationships, RelationshipV1{
			A: r.A, B: r.B,
			Affinity: r.Affinity, Trust: r.Trust, Hostility: r.Hostility, Familiarity: r.Familiarity,
			LastTick: r.LastTick, Meta: r.Meta,
		})
	}
	if worldState, err = encode(h, &ws); err != nil {
		return nil, nil, err
	}

	ah := Header{Version: FormatV1, Kind: kindAgent, WorldID: st.WorldID, Tick: st.Tick}
	for _, a := range st.SortedAgents() {
		rec := AgentV1{
			Header:       ah,
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			X:            a.X,
			Y:            a.Y,
			BirthTick:    a.BirthTick,
			State:        a.State,
			UpdatedTick:  a.UpdatedTick,
		}
		if a.DeathTick != nil {
			rec.Dead = true
			rec.DeathTick = *a.DeathTick
		}
		b, err := encode(ah, &rec)
		if err != nil {
			return nil, nil, err
		}
		agents = append(agents, model.AgentCapture{AgentID: a.ID, State: b})
	}
	return worldState, agents, nil
}

// Restore decodes a stored snapshot back into a State. Any unreadable part fails the whole
// restore with E_CORRUPT_SNAPSHOT.
func Restore(snap *model.Snapshot) (*replay.State, error) {
	if snap.Format != FormatV1 {
		return nil, protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot %s: unknown format v%d", snap.ID, snap.Format)
	}
	st := replay.NewState(snap.WorldID)
	st.Tick = snap.Tick

	var ws WorldStateV1
	if err := decode(snap.WorldState, Header{Kind: kindWorld, WorldID: snap.WorldID, Tick: snap.Tick}, &ws); err != nil {
		return nil, err
	}
	for k, v := range ws.Vars {
		st.Vars[k] = json.RawMessage(v)
	}
	for _, r := range ws.Relationships {
		rel := &model.Relationship{
			A: r.A, B: r.B,
			Affinity: r.Affinity, Trust: r.Trust, Hostility: r.Hostility, Familiarity: r.Familiarity,
			LastTick: r.LastTick,
		}
		if len(r.Meta) > 0 {
			rel.Meta = json.RawMessage(r.Meta)
		}
		st.Relationships[rel.Key()] = rel
	}
	if ws.HasLast {
		st.Last = model.Position{Tick: ws.LastTick, Seq: ws.LastSeq, Valid: true}
	}

	for _, c := range snap.Agents {
		var rec AgentV1
		if err := decode(c.State, Header{Kind: kindAgent, WorldID: snap.WorldID, Tick: snap.Tick}, &rec); err != nil {
			return nil, err
		}
		if rec.ID != c.AgentID {
			return nil, protocol.Errorf(protocol.ErrCorruptSnapshot, "agent capture %s decodes as %s", c.AgentID, rec.ID)
		}
		a := &model.Agent{
			ID:           rec.ID,
			Name:         rec.Name,
			Capabilities: rec.Capabilities,
			X:            rec.X,
			Y:            rec.Y,
			BirthTick:    rec.BirthTick,
			UpdatedTick:  rec.UpdatedTick,
		}
		if len(rec.State) > 0 {
			a.State = json.RawMessage(rec.State)
		}
		if rec.Dead {
			d := rec.DeathTick
			a.DeathTick = &d
		}
		st.Agents[a.ID] = a
	}
	return st, nil
}

// fileV1 is the on-disk form of a whole stored snapshot.
type fileV1 struct {
	ID         string
	WorldID    string
	Tick       uint64
	Format     int
	WorldState []byte
	MapRef     string
	AgentIDs   []string
	AgentBlobs [][]byte
}

// WriteFile stores snap at path as a zstd stream: JSON header line, then gob.
func WriteFile(path string, snap *model.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(Header{Version: FormatV1, Kind: kindFile, WorldID: snap.WorldID, Tick: snap.Tick})
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	body := fileV1{
		ID:         snap.ID,
		WorldID:    snap.WorldID,
		Tick:       snap.Tick,
		Format:     snap.Format,
		WorldState: snap.WorldState,
		MapRef:     snap.MapRef,
	}
	agents := append([]model.AgentCapture(nil), snap.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	for _, a := range agents {
		body.AgentIDs = append(body.AgentIDs, a.AgentID)
		body.AgentBlobs = append(body.AgentBlobs, a.State)
	}
	if err := gob.NewEncoder(bw).Encode(&body); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadFile(path string) (*model.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readFrom(f)
}

func readFrom(r io.Reader) (*model.Snapshot, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrCorruptSnapshot, err, "snapshot file")
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrCorruptSnapshot, err, "snapshot file header")
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, protocol.Wrap(protocol.ErrCorruptSnapshot, err, "snapshot file header")
	}
	if h.Version != FormatV1 || h.Kind != kindFile {
		return nil, protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot file: version=%d kind=%q", h.Version, h.Kind)
	}

	var body fileV1
	if err := gob.NewDecoder(br).Decode(&body); err != nil {
		return nil, protocol.Wrap(protocol.ErrCorruptSnapshot, err, "snapshot file body")
	}
	if len(body.AgentIDs) != len(body.AgentBlobs) {
		return nil, protocol.Errorf(protocol.ErrCorruptSnapshot, "snapshot file: %d agent ids, %d blobs", len(body.AgentIDs), len(body.AgentBlobs))
	}
	snap := &model.Snapshot{
		ID:         body.ID,
		WorldID:    body.WorldID,
		Tick:       body.Tick,
		Format:     body.Format,
		WorldState: body.WorldState,
		MapRef:     body.MapRef,
	}
	for i, id := range body.AgentIDs {
		snap.Agents = append(snap.Agents, model.AgentCapture{AgentID: id, State: body.AgentBlobs[i]})
	}
	return snap, nil
}
