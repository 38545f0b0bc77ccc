// Package projection keeps the agent, relationship and world-variable tables in step with
// the event log, either inside the append transaction or from a trailing consumer.
package projection

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"worldledger.ai/internal/model"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/replay"
)

type Mode string

const (
	ModeSync     Mode = "sync"
	ModeTrailing Mode = "trailing"
)

func (m Mode) Valid() bool { return m == ModeSync || m == ModeTrailing }

type Options struct {
	Mode         Mode
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts consecutive failed batches mark a world's projection stalled.
	MaxAttempts int
	Logger      *log.Logger
}

type Projector struct {
	db     *store.Store
	reg    *replay.Registry
	opts   Options
	logger *log.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	wake chan string
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(db *store.Store, reg *replay.Registry, opts Options) *Projector {
	if !opts.Mode.Valid() {
		opts.Mode = ModeSync
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Projector{
		db:     db,
		reg:    reg,
		opts:   opts,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
		wake:   make(chan string, 1024),
		stop:   make(chan struct{}),
	}
}

func (p *Projector) Mode() Mode { return p.opts.Mode }

// Lock takes the world's projection lock. Every write to a world's projection tables
// happens under it, so a rebuild never interleaves with incremental applies.
func (p *Projector) Lock(worldID string) (unlock func()) {
	p.lockMu.Lock()
	mu, ok := p.locks[worldID]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[worldID] = mu
	}
	p.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Forget drops the lock entry of a deleted world.
func (p *Projector) Forget(worldID string) {
	p.lockMu.Lock()
	delete(p.locks, worldID)
	p.lockMu.Unlock()
}

// ApplyTx applies ev to the projection tables inside tx and advances the cursor past it.
// The caller holds the world's projection lock. A handler error leaves tx to be rolled back
// with the append it belongs to.
func (p *Projector) ApplyTx(tx *store.Tx, ev model.Event) error {
	if err := p.reg.Apply(tx.View(ev.WorldID), ev); err != nil {
		return err
	}
	return tx.AdvanceCursor(ev.WorldID, ev.Position(), 1)
}

// Start brings every world's projection up to the log head and, in trailing mode, launches
// the background consumer.
func (p *Projector) Start(ctx context.Context) error {
	var worlds []*model.World
	err := p.db.Read(ctx, func(rt *store.ReadTx) error {
		var err error
		worlds, err = rt.ListWorlds("")
		return err
	})
	if err != nil {
		return err
	}
	for _, w := range worlds {
		if _, err := p.CatchUp(ctx, w.ID); err != nil && !protocol.Is(err, protocol.ErrProjectionStalled) {
			return fmt.Errorf("catch up %s: %w", w.ID, err)
		}
	}
	if p.opts.Mode != ModeTrailing {
		return nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return nil
}

func (p *Projector) Close() {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
}

// Notify tells the trailing consumer that worldID has new events. It never blocks; the
// poll loop picks up anything a full channel drops.
func (p *Projector) Notify(worldID string) {
	if p.opts.Mode != ModeTrailing {
		return
	}
	select {
	case p.wake <- worldID:
	default:
	}
}

func (p *Projector) loop() {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stop
		cancel()
	}()

	for {
		select {
		case <-p.stop:
			return
		case worldID := <-p.wake:
			p.catchUpLogged(ctx, worldID)
		case <-ticker.C:
			var worlds []*model.World
			err := p.db.Read(ctx, func(rt *store.ReadTx) error {
				var err error
				worlds, err = rt.ListWorlds("")
				return err
			})
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Printf("list worlds: %v", err)
				}
				continue
			}
			for _, w := range worlds {
				p.catchUpLogged(ctx, w.ID)
			}
		}
	}
}

func (p *Projector) catchUpLogged(ctx context.Context, worldID string) {
	if _, err := p.CatchUp(ctx, worldID); err != nil && ctx.Err() == nil &&
		!protocol.Is(err, protocol.ErrProjectionStalled) && !protocol.Is(err, protocol.ErrNotFound) {
		p.logger.Printf("world=%s catch up: %v", worldID, err)
	}
}

// CatchUp applies pending events in batches until the cursor reaches the log head or a batch
// fails. A failing batch is rolled back and counted; the cursor stays where it was.
func (p *Projector) CatchUp(ctx context.Context, worldID string) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.step(ctx, worldID)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (p *Projector) step(ctx context.Context, worldID string) (int, error) {
	unlock := p.Lock(worldID)
	defer unlock()

	applied := 0
	err := p.db.Write(ctx, func(tx *store.Tx) error {
		cur, err := tx.Cursor(worldID)
		if err != nil {
			return err
		}
		if cur.Stalled {
			return stalledError(cur)
		}
		events, err := tx.EventsAfter(worldID, cur.Last, p.opts.BatchSize)
		if err != nil || len(events) == 0 {
			return err
		}
		v := tx.View(worldID)
		for _, ev := range events {
			if err := p.reg.Apply(v, ev); err != nil {
				return err
			}
		}
		applied = len(events)
		return tx.AdvanceCursor(worldID, events[len(events)-1].Position(), uint64(applied))
	})
	if err == nil || ctx.Err() != nil ||
		protocol.Is(err, protocol.ErrProjectionStalled) || protocol.Is(err, protocol.ErrNotFound) {
		return applied, err
	}

	applyErr := err
	var failures int
	err = p.db.Write(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		failures, err = tx.RecordFailure(worldID, applyErr.Error(), p.opts.MaxAttempts)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%v (recording failure: %w)", applyErr, err)
	}
	if failures >= p.opts.MaxAttempts {
		p.logger.Printf("world=%s projection stalled after %d attempts: %v", worldID, failures, applyErr)
		return 0, protocol.Wrap(protocol.ErrProjectionStalled, applyErr, "world %s projection stalled", worldID)
	}
	p.logger.Printf("world=%s projection attempt %d/%d failed: %v", worldID, failures, p.opts.MaxAttempts, applyErr)
	return 0, applyErr
}

func stalledError(cur model.ProjectionCursor) error {
	return protocol.Errorf(protocol.ErrProjectionStalled, "world %s projection stalled after %d failures: %s",
		cur.WorldID, cur.Failures, cur.LastError)
}

// Resume clears a stalled world so the consumer retries it.
func (p *Projector) Resume(ctx context.Context, worldID string) error {
	unlock := p.Lock(worldID)
	err := p.db.Write(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorld(worldID); err != nil {
			return err
		}
		return tx.ClearStall(worldID)
	})
	unlock()
	if err != nil {
		return err
	}
	p.Notify(worldID)
	return nil
}

type Status struct {
	Mode   Mode
	Cursor model.ProjectionCursor
	Head   model.Head
	// Lag is the number of logged events the projection has not applied.
	Lag uint64
}

func (s Status) CaughtUp() bool {
	return !s.Cursor.Last.Before(s.Head.Last)
}

func (p *Projector) Status(ctx context.Context, worldID string) (Status, error) {
	st := Status{Mode: p.opts.Mode}
	err := p.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		var err error
		if st.Cursor, err = rt.Cursor(worldID); err != nil {
			return err
		}
		if st.Head, err = rt.Head(worldID); err != nil {
			return err
		}
		if st.Cursor.Last.Before(st.Head.Last) {
			pending, err := rt.EventsAfter(worldID, st.Cursor.Last, 0)
			if err != nil {
				return err
			}
			st.Lag = uint64(len(pending))
		}
		return nil
	})
	return st, err
}

// WaitCaughtUp blocks until the projection has applied every event logged when the call
// began, the projection stalls, or ctx ends.
func (p *Projector) WaitCaughtUp(ctx context.Context, worldID string) error {
	first, err := p.Status(ctx, worldID)
	if err != nil {
		return err
	}
	target := first.Head.Last
	for {
		st, err := p.Status(ctx, worldID)
		if err != nil {
			return err
		}
		if !st.Cursor.Last.Before(target) {
			return nil
		}
		if st.Cursor.Stalled {
			return stalledError(st.Cursor)
		}
		if p.opts.Mode == ModeSync {
			if _, err := p.CatchUp(ctx, worldID); err != nil {
				return err
			}
			continue
		}
		p.Notify(worldID)
		timer := time.NewTimer(p.opts.PollInterval / 4)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Rebuild re-derives the world's projection from the whole log and swaps it in atomically.
// It holds the projection lock throughout, so no incremental apply sees a half-built table.
func (p *Projector) Rebuild(ctx context.Context, worldID string) (uint64, error) {
	unlock := p.Lock(worldID)
	defer unlock()

	st := replay.NewState(worldID)
	var applied uint64
	err := p.db.Read(ctx, func(rt *store.ReadTx) error {
		if _, err := rt.GetWorld(worldID); err != nil {
			return err
		}
		pos := model.Position{}
		for {
			events, err := rt.EventsAfter(worldID, pos, rebuildPage)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return nil
			}
			if err := replay.Fold(ctx, p.reg, st, events); err != nil {
				return err
			}
			applied += uint64(len(events))
			pos = events[len(events)-1].Position()
		}
	})
	if err != nil {
		return 0, err
	}
	if err := p.db.Write(ctx, func(tx *store.Tx) error {
		return tx.ReplaceProjection(st, applied)
	}); err != nil {
		return 0, err
	}
	p.logger.Printf("world=%s projection rebuilt from %d events (agents=%d relationships=%d)",
		worldID, applied, len(st.Agents), len(st.Relationships))
	return applied, nil
}

const rebuildPage = 1024
