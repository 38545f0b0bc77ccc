package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"worldledger.ai/internal/config"
	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/digest"
	"worldledger.ai/internal/reconstruct"
	"worldledger.ai/internal/worldstore"
)

func main() {
	if len(os.Args) >= 2 {
		if cmd, ok := commands[os.Args[1]]; ok {
			if err := cmd(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, os.Args[1]+":", err)
				os.Exit(1)
			}
			return
		}
	}
	if err := worldsCmd(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "worlds:", err)
		os.Exit(1)
	}
}

var commands map[string]func(args []string) error

func init() {
	commands = map[string]func(args []string) error{
		"worlds":     worldsCmd,
		"create":     createCmd,
		"start":      statusCmd("start"),
		"pause":      statusCmd("pause"),
		"archive":    statusCmd("archive"),
		"delete":     statusCmd("delete"),
		"advance":    advanceCmd,
		"events":     eventsCmd,
		"state":      stateCmd,
		"snapshot":   snapshotCmd,
		"snapshots":  snapshotsCmd,
		"projection": projectionCmd,
		"export":     exportCmd,
	}
}

// session holds the flags every subcommand shares.
type session struct {
	fs         *flag.FlagSet
	configPath *string
	dbPath     *string
	worldID    *string
	verbose    *bool
}

func newSession(name string) *session {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &session{
		fs:         fs,
		configPath: fs.String("config", "./configs/worldstore.yaml", "config path"),
		dbPath:     fs.String("db", "", "database path (overrides config)"),
		worldID:    fs.String("world", "", "world id"),
		verbose:    fs.Bool("v", false, "log store activity to stderr"),
	}
}

func (s *session) open(ctx context.Context) (*worldstore.Service, error) {
	cfg, err := config.Load(*s.configPath)
	if err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(*s.dbPath); p != "" {
		cfg.Database.Path = p
	}
	var out io.Writer = io.Discard
	if *s.verbose {
		out = os.Stderr
	}
	return worldstore.Open(ctx, cfg, worldstore.Options{
		Logger: log.New(out, "[admin] ", log.LstdFlags|log.Lmicroseconds),
	})
}

func (s *session) world() (string, error) {
	id := strings.TrimSpace(*s.worldID)
	if id == "" {
		return "", fmt.Errorf("missing -world")
	}
	return id, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func worldsCmd(args []string) error {
	s := newSession("worlds")
	status := s.fs.String("status", "", "filter by status (CREATED, RUNNING, PAUSED, ARCHIVED)")
	_ = s.fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	worlds, err := svc.ListWorlds(ctx, model.Status(strings.ToUpper(*status)))
	if err != nil {
		return err
	}
	for _, w := range worlds {
		head, err := svc.Head(ctx, w.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%-8s\ttick=%d\tevents=%d\tseed=%d\t%q\tcreated %s\n",
			w.ID, w.Status, w.CurrentTick, head.Count, w.Seed, w.Name, humanize.Time(w.CreatedAt))
	}
	return nil
}

func createCmd(args []string) error {
	s := newSession("create")
	name := s.fs.String("name", "", "world name")
	seed := s.fs.Int64("seed", 1337, "world seed")
	tickMs := s.fs.Int("tick_ms", 1000, "tick duration in milliseconds")
	mapSize := s.fs.String("map", "", "generate a map of WxH tiles (optional)")
	start := s.fs.Bool("start", false, "start the world after creating it")
	_ = s.fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	w, err := svc.CreateWorld(ctx, worldstore.CreateWorldRequest{Name: *name, Seed: *seed, TickUnitMs: *tickMs})
	if err != nil {
		return err
	}
	if *mapSize != "" {
		width, height, err := parseSize(*mapSize)
		if err != nil {
			return err
		}
		if _, err := svc.GenerateMap(ctx, w.ID, width, height); err != nil {
			return err
		}
	}
	if *start {
		if w, err = svc.StartWorld(ctx, w.ID); err != nil {
			return err
		}
	}
	fmt.Printf("%s\t%s\n", w.ID, w.Status)
	return nil
}

func parseSize(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad -map %q (want WxH)", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad -map width: %w", err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad -map height: %w", err)
	}
	return w, h, nil
}

func statusCmd(action string) func(args []string) error {
	return func(args []string) error {
		s := newSession(action)
		_ = s.fs.Parse(args)
		id, err := s.world()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		svc, err := s.open(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		var w *model.World
		switch action {
		case "start":
			w, err = svc.StartWorld(ctx, id)
		case "pause":
			w, err = svc.PauseWorld(ctx, id)
		case "archive":
			w, err = svc.ArchiveWorld(ctx, id)
		case "delete":
			if err := svc.DeleteWorld(ctx, id); err != nil {
				return err
			}
			fmt.Println("deleted", id)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\ttick=%d\n", w.ID, w.Status, w.CurrentTick)
		return nil
	}
}

func advanceCmd(args []string) error {
	s := newSession("advance")
	to := s.fs.Uint64("to", 0, "target tick (default: current+1)")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	target := *to
	if target == 0 {
		w, err := svc.GetWorld(ctx, id)
		if err != nil {
			return err
		}
		target = w.CurrentTick + 1
	}
	w, err := svc.AdvanceTick(ctx, id, target)
	if err != nil {
		return err
	}
	fmt.Printf("%s\ttick=%d\n", w.ID, w.CurrentTick)
	return nil
}

func eventsCmd(args []string) error {
	s := newSession("events")
	from := s.fs.Uint64("from", 0, "from tick (inclusive)")
	to := s.fs.Uint64("to", ^uint64(0)>>1, "to tick (inclusive)")
	types := s.fs.String("type", "", "comma-separated event types")
	actor := s.fs.String("actor", "", "actor entity id")
	target := s.fs.String("target", "", "target entity id")
	limit := s.fs.Int("limit", 100, "max events (0 = all)")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	f := model.EventFilter{Actor: *actor, Target: *target, Limit: *limit}
	if *types != "" {
		for _, t := range strings.Split(*types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	evs, err := svc.Read(ctx, id, *from, *to, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func stateCmd(args []string) error {
	s := newSession("state")
	tick := s.fs.Int64("tick", -1, "tick to reconstruct (default: head)")
	full := s.fs.Bool("full", false, "replay from the empty state, ignoring snapshots")
	dump := s.fs.Bool("dump", false, "print agents and relationships as JSON")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	var res *reconstruct.Result
	switch {
	case *tick < 0 && !*full:
		res, err = svc.Materialize(ctx, id)
	case *tick < 0:
		var head model.Head
		if head, err = svc.Head(ctx, id); err == nil {
			res, err = svc.FullReplay(ctx, id, head.Last.Tick)
		}
	case *full:
		res, err = svc.FullReplay(ctx, id, uint64(*tick))
	default:
		res, err = svc.StateAt(ctx, id, uint64(*tick))
	}
	if err != nil {
		return err
	}
	st := res.State
	base := "empty"
	if res.FromSnapshot {
		base = fmt.Sprintf("snapshot@%d", res.BaseTick)
	}
	fmt.Printf("world=%s tick=%d base=%s replayed=%d agents=%d relationships=%d vars=%d digest=%s\n",
		st.WorldID, st.Tick, base, res.Replayed, len(st.Agents), len(st.Relationships), len(st.Vars), digest.StateDigest(st))
	if *dump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"agents":        st.SortedAgents(),
			"relationships": st.SortedRelationships(),
			"vars":          st.Vars,
		})
	}
	return nil
}

func snapshotCmd(args []string) error {
	s := newSession("snapshot")
	tick := s.fs.Int64("tick", -1, "tick to capture (default: head)")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	at := uint64(*tick)
	if *tick < 0 {
		res, err := svc.Materialize(ctx, id)
		if err != nil {
			return err
		}
		at = res.State.Tick
	}
	snap, err := svc.CaptureState(ctx, id, at)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s tick=%d agents=%d size=%s\n", snap.ID, snap.Tick, len(snap.Agents), humanize.Bytes(uint64(snap.Size())))
	return nil
}

func snapshotsCmd(args []string) error {
	s := newSession("snapshots")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	infos, err := svc.ListSnapshots(ctx, id)
	if err != nil {
		return err
	}
	for _, in := range infos {
		created, _ := time.Parse(time.RFC3339Nano, in.CreatedAt)
		fmt.Printf("%s\ttick=%d\tv%d\tagents=%d\t%s\t%s\n",
			in.ID, in.Tick, in.Format, in.Agents, humanize.Bytes(uint64(in.Bytes)), humanize.Time(created))
	}
	return nil
}

// projectionCmd runs one projection maintenance action: status, rebuild, verify or resume.
func projectionCmd(args []string) error {
	action := "status"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action, args = args[0], args[1:]
	}
	s := newSession("projection " + action)
	wait := s.fs.Duration("wait", 0, "status: wait up to this long for the projection to catch up")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	switch action {
	case "status":
		if *wait > 0 {
			wctx, wcancel := context.WithTimeout(ctx, *wait)
			err := svc.WaitCaughtUp(wctx, id)
			wcancel()
			if err != nil {
				fmt.Fprintln(os.Stderr, "wait:", err)
			}
		}
		st, err := svc.ProjectionStatus(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("mode=%s cursor=%d/%d head=%d/%d applied=%d lag=%d failures=%d stalled=%v\n",
			st.Mode, st.Cursor.Last.Tick, st.Cursor.Last.Seq, st.Head.Last.Tick, st.Head.Last.Seq,
			st.Cursor.Applied, st.Lag, st.Cursor.Failures, st.Cursor.Stalled)
		if st.Cursor.LastError != "" {
			fmt.Println("last error:", st.Cursor.LastError)
		}
	case "rebuild":
		n, err := svc.Rebuild(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt from %d events\n", n)
	case "verify":
		v, err := svc.VerifyProjection(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("cursor=%d/%d events=%d projection=%s replay=%s\n",
			v.Cursor.Tick, v.Cursor.Seq, v.Events, v.ProjectionDigest, v.ReplayDigest)
		if !v.Match() {
			return fmt.Errorf("projection drift; run `admin projection rebuild -world %s`", id)
		}
		fmt.Println("projection ok")
	case "resume":
		if err := svc.Resume(ctx, id); err != nil {
			return err
		}
		fmt.Println("resumed", id)
	default:
		return fmt.Errorf("unknown projection action %q", action)
	}
	return nil
}

func exportCmd(args []string) error {
	s := newSession("export")
	out := s.fs.String("out", "", "archive root (default: archive.dir)")
	_ = s.fs.Parse(args)
	id, err := s.world()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	svc, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	dir, err := svc.ExportWorld(ctx, id, *out)
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}
