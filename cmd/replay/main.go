package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/archive"
	"worldledger.ai/internal/persistence/digest"
	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
	"worldledger.ai/internal/replay/builtin"
)

func main() {
	var (
		archiveDir = flag.String("archive", "", "world archive directory containing meta.json (sets -snapshot, -events and -expect)")
		snapPath   = flag.String("snapshot", "", "path to .snap.zst (optional; replays from the empty state without it)")
		eventsDir  = flag.String("events", "", "events dir containing events-*.jsonl.zst")
		worldID    = flag.String("world", "", "world id (required without -snapshot when the events dir holds several worlds)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		expect     = flag.String("expect", "", "expected state digest (optional)")
	)
	flag.Parse()

	opts := verifyOpts{SnapshotPath: *snapPath, EventsDir: *eventsDir, WorldID: *worldID, ToTick: *toTick, Expect: *expect}
	if *archiveDir != "" {
		meta, err := archive.ReadMeta(*archiveDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read archive:", err)
			os.Exit(1)
		}
		if opts.SnapshotPath == "" && meta.Snapshot != "" && len(meta.EventFiles) == 0 {
			opts.SnapshotPath = filepath.Join(*archiveDir, meta.Snapshot)
		}
		if opts.EventsDir == "" && len(meta.EventFiles) > 0 {
			opts.EventsDir = filepath.Join(*archiveDir, "events")
		}
		if opts.Expect == "" {
			opts.Expect = meta.Digest
		}
		if opts.ToTick == 0 {
			opts.ToTick = meta.SnapshotTick
		}
		opts.WorldID = meta.WorldID
	}
	if opts.SnapshotPath == "" && opts.EventsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot, -events or -archive")
		os.Exit(2)
	}

	res, err := verify(context.Background(), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("world=%s base_tick=%d replayed=%d tick=%d agents=%d relationships=%d digest=%s\n",
		res.State.WorldID, res.BaseTick, res.Replayed, res.State.Tick, len(res.State.Agents), len(res.State.Relationships), res.Digest)
	if opts.Expect != "" && opts.Expect != res.Digest {
		fmt.Fprintf(os.Stderr, "digest mismatch: expected %s\n", opts.Expect)
		os.Exit(1)
	}
	if opts.Expect != "" {
		fmt.Println("replay ok")
	}
}

type verifyOpts struct {
	SnapshotPath string
	EventsDir    string
	WorldID      string
	ToTick       uint64
	Expect       string
}

type verifyResult struct {
	State    *replay.State
	BaseTick uint64
	Replayed int
	Digest   string
}

// verify restores the snapshot (if any), folds the exported events after it through the
// stock handlers and digests the result. Exported events must form a gap-free log.
func verify(ctx context.Context, opts verifyOpts) (*verifyResult, error) {
	reg := replay.NewRegistry()
	schemas := protocol.NewSchemas()
	if err := builtin.Install(reg, schemas); err != nil {
		return nil, err
	}

	res := &verifyResult{}
	var st *replay.State
	if opts.SnapshotPath != "" {
		snap, err := snapshot.ReadFile(opts.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if opts.WorldID != "" && snap.WorldID != opts.WorldID {
			return nil, fmt.Errorf("snapshot is for world %s, want %s", snap.WorldID, opts.WorldID)
		}
		if st, err = snapshot.Restore(snap); err != nil {
			return nil, err
		}
		res.BaseTick = snap.Tick
	}

	var events []model.Event
	if opts.EventsDir != "" {
		all, err := persistlog.ReadEvents(opts.EventsDir)
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		worldID := opts.WorldID
		if st != nil {
			worldID = st.WorldID
		}
		if worldID == "" && len(all) > 0 {
			worldID = all[0].WorldID
		}
		if st == nil {
			st = replay.NewState(worldID)
		}
		prev := model.Position{}
		for _, ev := range all {
			if ev.WorldID != worldID {
				return nil, fmt.Errorf("event %s belongs to world %s, want %s", ev.ID, ev.WorldID, worldID)
			}
			if err := checkOrder(prev, ev); err != nil {
				return nil, err
			}
			prev = ev.Position()
			if opts.SnapshotPath != "" && ev.Tick <= res.BaseTick {
				continue
			}
			if opts.ToTick != 0 && ev.Tick > opts.ToTick {
				break
			}
			if err := schemas.CheckVersion(ev.Type, ev.SchemaVersion); err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	if st == nil {
		return nil, fmt.Errorf("nothing to replay")
	}

	if err := replay.Fold(ctx, reg, st, events); err != nil {
		return nil, err
	}
	res.Replayed = len(events)
	switch {
	case opts.ToTick != 0:
		st.Tick = opts.ToTick
	case len(events) > 0:
		st.Tick = events[len(events)-1].Tick
	default:
		st.Tick = res.BaseTick
	}
	res.State = st
	res.Digest = digest.StateDigest(st)
	return res, nil
}

// checkOrder rejects exports with reordered, duplicated or missing positions. The first
// event of each tick must be seq 0.
func checkOrder(prev model.Position, ev model.Event) error {
	pos := ev.Position()
	if !prev.Before(pos) {
		return fmt.Errorf("event %s at tick=%d seq=%d does not follow tick=%d seq=%d", ev.ID, ev.Tick, ev.Seq, prev.Tick, prev.Seq)
	}
	if prev.Valid && prev.Tick == pos.Tick {
		if pos.Seq != prev.Seq+1 {
			return fmt.Errorf("gap before event %s: tick=%d seq %d -> %d", ev.ID, ev.Tick, prev.Seq, pos.Seq)
		}
		return nil
	}
	if pos.Seq != 0 {
		return fmt.Errorf("gap before event %s: tick=%d starts at seq %d", ev.ID, ev.Tick, pos.Seq)
	}
	return nil
}
