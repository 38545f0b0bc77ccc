package worldstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"worldledger.ai/internal/config"
	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/archive"
	"worldledger.ai/internal/persistence/digest"
	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
	"worldledger.ai/internal/replay/builtin"
)

func openService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Database.Path = filepath.Join(dir, "worldstore.db")
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.EventExport.Dir = filepath.Join(dir, "events")
	cfg.Snapshots.EveryTicks = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(context.Background(), cfg, Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newWorld(t *testing.T, s *Service) *model.World {
	t.Helper()
	w, err := s.CreateWorld(context.Background(), CreateWorldRequest{Name: "W", Seed: 42, TickUnitMs: 60000})
	require.NoError(t, err)
	return w
}

func mustAppend(t *testing.T, s *Service, worldID string, req AppendRequest) model.Event {
	t.Helper()
	ev, err := s.Append(context.Background(), worldID, req)
	require.NoError(t, err, "append %s at tick %d", req.Type, req.Tick)
	return ev
}

func spawn(tick uint64, id string) AppendRequest {
	return AppendRequest{Tick: tick, Type: builtin.TypeAgentSpawn, Actor: id, Payload: json.RawMessage(fmt.Sprintf(`{"name":%q}`, id))}
}

func move(tick uint64, id string, dx int) AppendRequest {
	return AppendRequest{Tick: tick, Type: builtin.TypeAgentMove, Actor: id, Payload: json.RawMessage(fmt.Sprintf(`{"dx":%d}`, dx))}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, protocol.CodeOf(err), "error: %v", err)
}

func TestScenario_SnapshotPlusSuffixEqualsFullReplay(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	require.Equal(t, model.StatusCreated, w.Status)
	require.Equal(t, 60*time.Second, w.TickDuration())

	mustAppend(t, s, w.ID, spawn(0, "agentA"))
	e1 := mustAppend(t, s, w.ID, move(1, "agentA", 1))
	e2 := mustAppend(t, s, w.ID, move(1, "agentA", 1))
	require.Equal(t, uint32(0), e1.Seq)
	require.Equal(t, uint32(1), e2.Seq)

	evs, err := s.Read(ctx, w.ID, 1, 1, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, e1.ID, evs[0].ID)
	require.Equal(t, e2.ID, evs[1].ID)

	snap, err := s.CaptureState(ctx, w.ID, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Tick)
	atSnap, err := snapshot.Restore(snap)
	require.NoError(t, err)
	require.Equal(t, 2, atSnap.Agents["agentA"].X)

	e3 := mustAppend(t, s, w.ID, move(2, "agentA", 1))

	res, err := s.StateAt(ctx, w.ID, 2)
	require.NoError(t, err)
	require.True(t, res.FromSnapshot)
	require.Equal(t, uint64(1), res.BaseTick)
	require.Equal(t, 1, res.Replayed)
	require.Equal(t, 3, res.State.Agents["agentA"].X)

	require.NoError(t, replay.Fold(ctx, s.Registry(), atSnap, []model.Event{e3}))
	full, err := s.FullReplay(ctx, w.ID, 2)
	require.NoError(t, err)
	require.False(t, full.FromSnapshot)
	require.Equal(t, digest.StateDigest(full.State), digest.StateDigest(res.State))
	require.Equal(t, digest.StateDigest(full.State), digest.StateDigest(atSnap))

	a, err := s.GetAgent(ctx, w.ID, "agentA")
	require.NoError(t, err)
	require.Equal(t, 3, a.X)
}

func TestScenario_MissingCauseWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "agentA"))
	before, err := s.Head(ctx, w.ID)
	require.NoError(t, err)

	req := move(1, "agentA", 1)
	req.CausedBy = "01NOPE"
	_, err = s.Append(ctx, w.ID, req)
	requireCode(t, err, protocol.ErrReferentialIntegrity)

	after, err := s.Head(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	a, err := s.GetAgent(ctx, w.ID, "agentA")
	require.NoError(t, err)
	require.Equal(t, 0, a.X)

	req.CausedBy = ""
	ev := mustAppend(t, s, w.ID, req)
	require.Equal(t, uint32(0), ev.Seq, "the rejected append must not consume a sequence number")

	cause := move(1, "agentA", 1)
	cause.CausedBy = ev.ID
	mustAppend(t, s, w.ID, cause)
}

func TestScenario_DeleteWorldCascades(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, spawn(0, "B"))
	mustAppend(t, s, w.ID, AppendRequest{Tick: 0, Type: builtin.TypeRelationshipUpdate, Actor: "A", Target: "B", Payload: json.RawMessage(`{"trust":0.5}`)})
	mustAppend(t, s, w.ID, AppendRequest{Tick: 0, Type: builtin.TypeWorldSet, Payload: json.RawMessage(`{"key":"season","value":"spring"}`)})
	_, err := s.CaptureState(ctx, w.ID, 0)
	require.NoError(t, err)
	_, err = s.GenerateMap(ctx, w.ID, 8, 8)
	require.NoError(t, err)

	other := newWorld(t, s)
	mustAppend(t, s, other.ID, spawn(0, "A"))

	require.NoError(t, s.DeleteWorld(ctx, w.ID))

	_, err = s.Read(ctx, w.ID, 0, 10, model.EventFilter{})
	requireCode(t, err, protocol.ErrNotFound)
	_, err = s.GetAgent(ctx, w.ID, "A")
	requireCode(t, err, protocol.ErrNotFound)
	_, err = s.LatestBefore(ctx, w.ID, 10)
	requireCode(t, err, protocol.ErrNotFound)
	_, err = s.StateAt(ctx, w.ID, 0)
	requireCode(t, err, protocol.ErrNotFound)
	_, err = s.GetMap(ctx, w.ID)
	requireCode(t, err, protocol.ErrNotFound)
	requireCode(t, s.DeleteWorld(ctx, w.ID), protocol.ErrNotFound)

	err = s.Store().Read(ctx, func(rt *store.ReadTx) error {
		counts, err := rt.CountWorldRows(w.ID)
		if err != nil {
			return err
		}
		for tbl, n := range counts {
			require.Zero(t, n, "rows left in %s", tbl)
		}
		return nil
	})
	require.NoError(t, err)

	a, err := s.GetAgent(ctx, other.ID, "A")
	require.NoError(t, err)
	require.Equal(t, "A", a.Name)
}

func TestAppend_ConcurrentSameTickIsGapFree(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))

	const workers, per = 8, 10
	var (
		mu   sync.Mutex
		seqs []int
		wg   sync.WaitGroup
	)
	errs := make(chan error, workers*per)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < per; j++ {
				payload := fmt.Sprintf(`{"key":"k%d_%d","value":%d}`, i, j, j)
				ev, err := s.Append(ctx, w.ID, AppendRequest{Tick: 1, Type: builtin.TypeWorldSet, Payload: json.RawMessage(payload)})
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seqs = append(seqs, int(ev.Seq))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sort.Ints(seqs)
	for i, seq := range seqs {
		require.Equal(t, i, seq)
	}

	evs, err := s.Read(ctx, w.ID, 1, 1, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, workers*per)
	for i := 1; i < len(evs); i++ {
		require.True(t, evs[i-1].Position().Before(evs[i].Position()))
		require.Less(t, evs[i-1].ID, evs[i].ID, "event ids sort in append order")
	}

	st, err := s.ProjectionStatus(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, st.CaughtUp())
	require.Equal(t, uint64(workers*per+1), st.Cursor.Applied)
	vars, err := s.WorldVars(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, vars, workers*per)
}

func TestAppend_ValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)

	_, err := s.Append(ctx, w.ID, AppendRequest{Tick: 0, Type: builtin.TypeAgentSpawn, Actor: "A", Payload: json.RawMessage(`{"x":1}`)})
	requireCode(t, err, protocol.ErrSchemaMismatch)
	_, err = s.Append(ctx, w.ID, AppendRequest{Tick: 0, Type: builtin.TypeAgentSpawn, SchemaVersion: 2, Actor: "A", Payload: json.RawMessage(`{"name":"A"}`)})
	requireCode(t, err, protocol.ErrSchemaMismatch)
	_, err = s.Append(ctx, w.ID, AppendRequest{Tick: 0, Type: builtin.TypeAgentSpawn, Payload: json.RawMessage(`{"name":"A"}`)})
	requireCode(t, err, protocol.ErrBadRequest)
	_, err = s.Append(ctx, w.ID, AppendRequest{Tick: 0})
	requireCode(t, err, protocol.ErrBadRequest)
	_, err = s.Append(ctx, "no-such-world", spawn(0, "A"))
	requireCode(t, err, protocol.ErrNotFound)
	_, err = s.Append(ctx, w.ID, move(0, "ghost", 1))
	requireCode(t, err, protocol.ErrReferentialIntegrity)

	mustAppend(t, s, w.ID, spawn(0, "A"))
	_, err = s.Append(ctx, w.ID, spawn(0, "A"))
	requireCode(t, err, protocol.ErrAlreadyExists)

	// Unregistered types are logged and derive nothing.
	ev := mustAppend(t, s, w.ID, AppendRequest{Tick: 0, Type: "weather.rain", Payload: json.RawMessage(`{"mm":3}`)})
	got, err := s.GetEvent(ctx, w.ID, ev.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"mm":3}`, string(got.Payload))
}

func TestAppend_SyncHandlerFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, AppendRequest{Tick: 1, Type: builtin.TypeAgentDie, Actor: "A", Payload: json.RawMessage(`{"cause":"age"}`)})
	before, err := s.Head(ctx, w.ID)
	require.NoError(t, err)

	_, err = s.Append(ctx, w.ID, move(2, "A", 1))
	requireCode(t, err, protocol.ErrInvalidState)

	after, err := s.Head(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	st, err := s.ProjectionStatus(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, st.CaughtUp())
	require.False(t, st.Cursor.Stalled)

	alive, err := s.ListAgents(ctx, w.ID, store.AgentFilter{AliveOnly: true})
	require.NoError(t, err)
	require.Empty(t, alive)
}

func TestSnapshots_WriteOnceAndHeadBound(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, move(2, "A", 4))

	res, err := s.StateAt(ctx, w.ID, 2)
	require.NoError(t, err)
	ws, agents, err := snapshot.Capture(res.State)
	require.NoError(t, err)

	first, err := s.Capture(ctx, w.ID, 2, ws, agents)
	require.NoError(t, err)
	_, err = s.Capture(ctx, w.ID, 2, []byte("other"), nil)
	requireCode(t, err, protocol.ErrAlreadyExists)

	got, err := s.LatestBefore(ctx, w.ID, 100)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, ws, got.WorldState)
	require.Len(t, got.Agents, 1)

	none, err := s.LatestBefore(ctx, w.ID, 1)
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = s.Capture(ctx, w.ID, 9, ws, agents)
	requireCode(t, err, protocol.ErrBadRequest)

	// Tick 2 is sealed by the snapshot.
	_, err = s.Append(ctx, w.ID, move(2, "A", 1))
	requireCode(t, err, protocol.ErrStaleTick)
	mustAppend(t, s, w.ID, move(3, "A", 1))

	infos, err := s.ListSnapshots(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(2), infos[0].Tick)
}

func TestAdvanceTick_LifecycleAndAutoSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openService(t, func(c *config.Config) { c.Snapshots.EveryTicks = 3 })
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))

	_, err := s.AdvanceTick(ctx, w.ID, 1)
	requireCode(t, err, protocol.ErrInvalidState)
	_, err = s.PauseWorld(ctx, w.ID)
	requireCode(t, err, protocol.ErrInvalidState)
	_, err = s.StartWorld(ctx, w.ID)
	require.NoError(t, err)

	for to := uint64(1); to <= 3; to++ {
		w, err = s.AdvanceTick(ctx, w.ID, to)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), w.CurrentTick)
	infos, err := s.ListSnapshots(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(2), infos[0].Tick)

	_, err = s.Append(ctx, w.ID, move(2, "A", 1))
	requireCode(t, err, protocol.ErrStaleTick)
	mustAppend(t, s, w.ID, move(3, "A", 1))
	_, err = s.AdvanceTick(ctx, w.ID, 3)
	requireCode(t, err, protocol.ErrStaleTick)

	_, err = s.AdvanceTick(ctx, w.ID, 5)
	require.NoError(t, err)
	infos, err = s.ListSnapshots(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	_, err = s.PauseWorld(ctx, w.ID)
	require.NoError(t, err)
	_, err = s.AdvanceTick(ctx, w.ID, 6)
	requireCode(t, err, protocol.ErrInvalidState)
	_, err = s.StartWorld(ctx, w.ID)
	require.NoError(t, err)
	_, err = s.AdvanceTick(ctx, w.ID, 6)
	require.NoError(t, err)
	infos, err = s.ListSnapshots(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, int64(5), infos[1].Tick)

	res, err := s.StateAt(ctx, w.ID, 5)
	require.NoError(t, err)
	require.True(t, res.FromSnapshot)
	require.Equal(t, 1, res.State.Agents["A"].X)
}

func TestArchiveWorld_SealsAndExports(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	_, err := s.StartWorld(ctx, w.ID)
	require.NoError(t, err)
	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, move(4, "A", 2))

	w, err = s.ArchiveWorld(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusArchived, w.Status)

	_, err = s.Append(ctx, w.ID, move(5, "A", 1))
	requireCode(t, err, protocol.ErrInvalidState)
	_, err = s.StartWorld(ctx, w.ID)
	requireCode(t, err, protocol.ErrInvalidState)

	meta, err := archive.ReadMeta(archive.Dir(s.Config().Archive.Dir, w.ID))
	require.NoError(t, err)
	require.Equal(t, uint64(4), meta.SnapshotTick)
	require.Equal(t, uint64(2), meta.Events)
	require.NotEmpty(t, meta.EventFiles)

	full, err := s.FullReplay(ctx, w.ID, 4)
	require.NoError(t, err)
	require.Equal(t, digest.StateDigest(full.State), meta.Digest)

	exported, err := persistlog.ReadEvents(filepath.Join(archive.Dir(s.Config().Archive.Dir, w.ID), "events"))
	require.NoError(t, err)
	require.Len(t, exported, 2)
	require.Equal(t, builtin.TypeAgentMove, exported[1].Type)

	// Exporting again reuses the final snapshot.
	_, err = s.ExportWorld(ctx, w.ID, filepath.Join(t.TempDir(), "again"))
	require.NoError(t, err)
}

func TestTrailingMode_CatchesUpAndStalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := openService(t, func(c *config.Config) {
		c.Projection.Mode = "trailing"
		c.Projection.PollIntervalMs = 20
		c.Projection.MaxAttempts = 2
	})
	w := newWorld(t, s)

	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, move(1, "A", 2))
	require.NoError(t, s.WaitCaughtUp(ctx, w.ID))
	a, err := s.GetAgent(ctx, w.ID, "A")
	require.NoError(t, err)
	require.Equal(t, 2, a.X)

	// The log accepts what the projection cannot apply; the consumer stalls on it.
	mustAppend(t, s, w.ID, AppendRequest{Tick: 2, Type: builtin.TypeAgentDie, Actor: "A", Payload: json.RawMessage(`{}`)})
	mustAppend(t, s, w.ID, move(3, "A", 1))
	err = s.WaitCaughtUp(ctx, w.ID)
	requireCode(t, err, protocol.ErrProjectionStalled)

	st, err := s.ProjectionStatus(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, st.Cursor.Stalled)
	require.False(t, st.CaughtUp())
	require.Equal(t, 2, st.Cursor.Failures)

	// Reconstruction is independent of the stalled projection.
	_, err = s.StateAt(ctx, w.ID, 2)
	require.NoError(t, err)
}

func TestVerifyProjection_DetectsDriftAndRebuildRepairs(t *testing.T) {
	ctx := context.Background()
	s := openService(t, nil)
	w := newWorld(t, s)
	mustAppend(t, s, w.ID, spawn(0, "A"))
	mustAppend(t, s, w.ID, spawn(0, "B"))
	mustAppend(t, s, w.ID, AppendRequest{Tick: 1, Type: builtin.TypeRelationshipUpdate, Actor: "A", Target: "B", Payload: json.RawMessage(`{"affinity":1}`)})

	v, err := s.VerifyProjection(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, v.Match())
	require.Equal(t, uint64(3), v.Events)

	err = s.Store().Write(ctx, func(tx *store.Tx) error {
		return tx.View(w.ID).PutAgent(&model.Agent{ID: "A", Name: "tampered", X: 99})
	})
	require.NoError(t, err)
	v, err = s.VerifyProjection(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, v.Match())

	n, err := s.Rebuild(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	v, err = s.VerifyProjection(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, v.Match())

	out, err := s.ListRelationships(ctx, w.ID, "B", store.Incoming)
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, err = s.GetRelationship(ctx, w.ID, "B", "A")
	requireCode(t, err, protocol.ErrNotFound)
}

func TestMaps_GenerateAndReference(t *testing.T) {
	ctx := context.Background()
	s := openService(t, func(c *config.Config) { c.Maps.TileThreshold = 100 })
	w := newWorld(t, s)

	g, err := s.GenerateMap(ctx, w.ID, 8, 8)
	require.NoError(t, err)
	m, err := s.GetMap(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, m.Tiled())
	require.Len(t, m.Grid.Tiles, len(g.Tiles))
	for i, tile := range g.Tiles {
		got := m.Grid.Tiles[i]
		require.Equal(t, [4]int{tile.X, tile.Y, tile.Terrain, tile.ResourceAmount}, [4]int{got.X, got.Y, got.Terrain, got.ResourceAmount})
	}

	mustAppend(t, s, w.ID, spawn(0, "A"))
	snap, err := s.CaptureState(ctx, w.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "tiles", snap.MapRef)

	_, err = s.GenerateMap(ctx, w.ID, 20, 20)
	require.NoError(t, err)
	m, err = s.GetMap(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, m.Tiled())
	require.Equal(t, 20, m.Grid.Width)
}
