// Package worldstore is the store's public surface. It owns the per-world append
// serialization and wires the log, snapshots, projections, reconstruction and map storage
// into the operations a simulation calls.
package worldstore

import (
	"context"
	"crypto/rand"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"worldledger.ai/internal/config"
	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/store"
	"worldledger.ai/internal/projection"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/reconstruct"
	"worldledger.ai/internal/replay"
	"worldledger.ai/internal/replay/builtin"
	"worldledger.ai/internal/worldmap"
)

type Options struct {
	// Registry and Schemas carry the event types the store understands. When Registry is nil
	// the stock agent/relationship/world types are installed.
	Registry *replay.Registry
	Schemas  *protocol.Schemas
	Logger   *log.Logger
	Now      func() time.Time
}

type Service struct {
	cfg     config.Config
	db      *store.Store
	reg     *replay.Registry
	schemas *protocol.Schemas
	proj    *projection.Projector
	engine  *reconstruct.Engine
	maps    *worldmap.Accessor
	events  *persistlog.EventArchive
	logger  *log.Logger
	now     func() time.Time

	lockMu      sync.Mutex
	appendLocks map[string]*sync.Mutex

	idMu    sync.Mutex
	entropy io.Reader
}

// Open opens (or creates) the database named by cfg and brings every world's projection up
// to its log head before returning.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Service, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, cfg.Logging.Prefix, log.LstdFlags|log.Lmicroseconds)
	}
	reg, schemas := opts.Registry, opts.Schemas
	if reg == nil {
		reg = replay.NewRegistry()
		if schemas == nil {
			schemas = protocol.NewSchemas()
		}
		if err := builtin.Install(reg, schemas); err != nil {
			return nil, err
		}
	}
	if schemas == nil {
		schemas = protocol.NewSchemas()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db, err := store.Open(cfg.Database.Path, store.Options{
		ReadConns:   cfg.Database.ReadConns,
		BusyTimeout: cfg.Database.BusyTimeout(),
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		db:      db,
		reg:     reg,
		schemas: schemas,
		engine:  reconstruct.New(db, reg, schemas),
		maps:    worldmap.NewAccessor(db, cfg.Maps.TileThreshold),
		logger:  logger,
		now:     now,

		appendLocks: map[string]*sync.Mutex{},
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	s.proj = projection.New(db, reg, projection.Options{
		Mode:         projection.Mode(cfg.Projection.Mode),
		PollInterval: cfg.Projection.PollInterval(),
		BatchSize:    cfg.Projection.BatchSize,
		MaxAttempts:  cfg.Projection.MaxAttempts,
		Logger:       log.New(logger.Writer(), "[projection] ", logger.Flags()),
	})
	if cfg.EventExport.Dir != "" {
		s.events = persistlog.NewEventArchive(cfg.EventExport.Dir)
	}

	if err := s.proj.Start(ctx); err != nil {
		s.proj.Close()
		_ = db.Close()
		return nil, err
	}

	size := "new"
	if fi, err := os.Stat(db.Path()); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	logger.Printf("opened %s (%s) projection=%s", db.Path(), size, cfg.Projection.Mode)
	return s, nil
}

func (s *Service) Close() error {
	s.proj.Close()
	var first error
	if s.events != nil {
		first = s.events.Close()
	}
	if err := s.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *Service) Config() config.Config            { return s.cfg }
func (s *Service) Registry() *replay.Registry       { return s.reg }
func (s *Service) Schemas() *protocol.Schemas       { return s.schemas }
func (s *Service) Store() *store.Store              { return s.db }
func (s *Service) Projector() *projection.Projector { return s.proj }

// appendLock serializes everything that assigns log positions or seals ticks in one world.
// Lock order is append lock, then projection lock.
func (s *Service) appendLock(worldID string) (unlock func()) {
	s.lockMu.Lock()
	mu, ok := s.appendLocks[worldID]
	if !ok {
		mu = &sync.Mutex{}
		s.appendLocks[worldID] = mu
	}
	s.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Service) forgetWorld(worldID string) {
	s.lockMu.Lock()
	delete(s.appendLocks, worldID)
	s.lockMu.Unlock()
}

func (s *Service) newEventID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}
