package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldledger.ai/internal/model"
)

// JSONLZstdWriter appends JSON lines to hourly-rotated zstd files.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Push a complete block so readers see the line before the frame is closed.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventArchive keeps a per-world JSONL copy of committed events under
// <dir>/<world_id>/events-<hour>.jsonl.zst. The database stays the source of truth; the
// archive feeds offline verification.
type EventArchive struct {
	dir string

	mu      sync.Mutex
	writers map[string]*JSONLZstdWriter
}

func NewEventArchive(dir string) *EventArchive {
	return &EventArchive{dir: dir, writers: map[string]*JSONLZstdWriter{}}
}

func (a *EventArchive) Dir() string { return a.dir }

func (a *EventArchive) WorldDir(worldID string) string {
	return filepath.Join(a.dir, worldID)
}

func (a *EventArchive) WriteEvent(ev model.Event) error {
	a.mu.Lock()
	w, ok := a.writers[ev.WorldID]
	if !ok {
		w = NewJSONLZstdWriter(a.WorldDir(ev.WorldID), "events")
		a.writers[ev.WorldID] = w
	}
	a.mu.Unlock()
	return w.Write(ev)
}

// CloseWorld finishes the world's current segment, as when the world is archived.
func (a *EventArchive) CloseWorld(worldID string) error {
	a.mu.Lock()
	w, ok := a.writers[worldID]
	delete(a.writers, worldID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

func (a *EventArchive) Close() error {
	a.mu.Lock()
	ws := a.writers
	a.writers = map[string]*JSONLZstdWriter{}
	a.mu.Unlock()
	var first error
	for _, w := range ws {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ListEventFiles returns the events-*.jsonl.zst segments in dir, oldest first.
func ListEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadEventFile calls fn for each event in one segment. A segment whose last frame is
// still open ends cleanly at the last complete line.
func ReadEventFile(path string, fn func(model.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var ev model.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadEvents loads every archived event for one world directory in log order.
func ReadEvents(worldDir string) ([]model.Event, error) {
	files, err := ListEventFiles(worldDir)
	if err != nil {
		return nil, err
	}
	var out []model.Event
	for _, path := range files {
		if err := ReadEventFile(path, func(ev model.Event) error {
			out = append(out, ev)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position().Before(out[j].Position()) })
	return out, nil
}
