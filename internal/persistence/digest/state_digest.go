package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"

	"worldledger.ai/internal/replay"
)

// StateDigest hashes the content of st: world vars, agents and relationships, each in
// sorted order. Tick and log position are left out so a projection read back from the
// database and a replayed state compare equal when their rows match.
func StateDigest(st *replay.State) string {
	h := sha256.New()
	var tmp [8]byte

	writeString(h, &tmp, st.WorldID)
	digestVars(h, &tmp, st)
	digestAgents(h, &tmp, st)
	digestRelationships(h, &tmp, st)

	return hex.EncodeToString(h.Sum(nil))
}

func writeU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeI64(h hash.Hash, tmp *[8]byte, v int64) {
	writeU64(h, tmp, uint64(v))
}

func writeF64(h hash.Hash, tmp *[8]byte, v float64) {
	writeU64(h, tmp, math.Float64bits(v))
}

// writeString length-prefixes s so adjacent fields cannot run together.
func writeString(h hash.Hash, tmp *[8]byte, s string) {
	writeU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func writeBytes(h hash.Hash, tmp *[8]byte, b []byte) {
	writeU64(h, tmp, uint64(len(b)))
	h.Write(b)
}

func digestVars(h hash.Hash, tmp *[8]byte, st *replay.State) {
	keys := make([]string, 0, len(st.Vars))
	for k := range st.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU64(h, tmp, uint64(len(keys)))
	for _, k := range keys {
		writeString(h, tmp, k)
		writeBytes(h, tmp, st.Vars[k])
	}
}

func digestAgents(h hash.Hash, tmp *[8]byte, st *replay.State) {
	agents := st.SortedAgents()
	writeU64(h, tmp, uint64(len(agents)))
	for _, a := range agents {
		writeString(h, tmp, a.ID)
		writeString(h, tmp, a.Name)
		writeU64(h, tmp, uint64(len(a.Capabilities)))
		for _, c := range a.Capabilities {
			writeString(h, tmp, c)
		}
		writeI64(h, tmp, int64(a.X))
		writeI64(h, tmp, int64(a.Y))
		writeU64(h, tmp, a.BirthTick)
		if a.DeathTick != nil {
			h.Write([]byte{1})
			writeU64(h, tmp, *a.DeathTick)
		} else {
			h.Write([]byte{0})
		}
		writeBytes(h, tmp, a.State)
		writeU64(h, tmp, a.UpdatedTick)
	}
}

func digestRelationships(h hash.Hash, tmp *[8]byte, st *replay.State) {
	rels := st.SortedRelationships()
	writeU64(h, tmp, uint64(len(rels)))
	for _, r := range rels {
		writeString(h, tmp, r.A)
		writeString(h, tmp, r.B)
		writeF64(h, tmp, r.Affinity)
		writeF64(h, tmp, r.Trust)
		writeF64(h, tmp, r.Hostility)
		writeF64(h, tmp, r.Familiarity)
		writeU64(h, tmp, r.LastTick)
		writeBytes(h, tmp, r.Meta)
	}
}
