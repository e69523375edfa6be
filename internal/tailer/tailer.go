// Package tailer owns the read cursor over a growing access-log file. It
// drives the parser and the store: on each poll it re-establishes the
// file's line count, processes only the delta past the cursor in parallel
// chunks, and advances the cursor once a chunk's inserts have landed.
package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/akarpov/logutil/internal/parser"
	"github.com/akarpov/logutil/internal/store"
)

// Mode selects where ingestion starts.
type Mode int

const (
	// ModeAll replays the entire file from the first line.
	ModeAll Mode = iota
	// ModeLastN replays only the final N lines.
	ModeLastN
	// ModeTail skips to end-of-file; only lines appended afterwards are
	// ingested.
	ModeTail
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeLastN:
		return "last-n"
	case ModeTail:
		return "tail"
	default:
		return "unknown"
	}
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "all":
		return ModeAll, nil
	case "last-n":
		return ModeLastN, nil
	case "tail":
		return ModeTail, nil
	default:
		return 0, fmt.Errorf("unknown tail mode %q (supported: all, last-n, tail)", s)
	}
}

const (
	defaultChunkSize = 1000

	// maxLineSize bounds a single scanned log line.
	maxLineSize = 1024 * 1024

	// countAttempts and countSettle control the line-count stabilization
	// loop that tolerates a file being appended to mid-count.
	countAttempts = 3
	countSettle   = 5 * time.Millisecond

	// watchDebounce coalesces bursts of fsnotify write events into one
	// early poll.
	watchDebounce = 100 * time.Millisecond
)

// Config configures a Tailer.
type Config struct {
	Path      string
	Mode      Mode
	LastN     int
	ChunkSize int

	// Progress, when set, receives throttled 0-100 completion ratios
	// during Init backfills.
	Progress func(pct float64)
}

// Tailer incrementally reads newly appended lines from one file.
// Init must be called once before Poll or Run. Poll is not safe for
// concurrent use with itself; Run serializes polls internally.
type Tailer struct {
	cfg    Config
	parser *parser.Parser
	db     *store.DB
	log    *slog.Logger

	mu     sync.Mutex
	cursor int // lines already processed
}

// New creates a tailer. logger is the diagnostic side channel; a nil
// logger discards diagnostics.
func New(cfg Config, p *parser.Parser, db *store.DB, logger *slog.Logger) *Tailer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tailer{cfg: cfg, parser: p, db: db, log: logger}
}

// Cursor returns the count of lines processed so far.
func (t *Tailer) Cursor() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Init positions the cursor according to the configured mode, replaying
// history where the mode asks for it.
func (t *Tailer) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.cfg.Mode {
	case ModeTail:
		count, err := t.countLines()
		if err != nil {
			return err
		}
		t.cursor = count
		t.log.Info("tail mode: cursor set to end of file", "lines", count)
		return nil

	case ModeAll:
		lines, err := t.readLines()
		if err != nil {
			return err
		}
		if err := t.processLines(ctx, lines, len(lines)); err != nil {
			return err
		}

	case ModeLastN:
		lines, err := t.readLines()
		if err != nil {
			return err
		}
		start := 0
		if len(lines) > t.cfg.LastN {
			start = len(lines) - t.cfg.LastN
		}
		// The skipped prefix counts as consumed.
		t.cursor = start
		if err := t.processLines(ctx, lines[start:], len(lines)-start); err != nil {
			return err
		}
	}

	// The cursor sits at the end of the snapshot we replayed. Lines
	// appended mid-replay are past it and land on the first poll.
	t.log.Info("initialized", "mode", t.cfg.Mode, "cursor", t.cursor)
	return nil
}

// Poll ingests lines appended since the last poll. File open/read
// failures are returned to the caller, whose polling loop decides when to
// retry; malformed lines never abort the batch.
func (t *Tailer) Poll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	count, err := t.countLines()
	if err != nil {
		return err
	}

	if count < t.cursor {
		// Truncated or rotated underneath us. Start over from the new
		// end rather than replaying an unrelated file body.
		t.log.Warn("file shrank, resetting cursor", "had", t.cursor, "now", count)
		t.cursor = count
		return nil
	}
	if count == t.cursor {
		return nil
	}

	lines, err := t.readLines()
	if err != nil {
		return err
	}
	if t.cursor > len(lines) {
		return nil
	}
	delta := lines[t.cursor:]
	t.log.Info("new lines found", "count", len(delta), "cursor", t.cursor)
	return t.processLines(ctx, delta, len(delta))
}

// Run polls at the given interval until ctx is done. A watcher on the
// file triggers an early poll when the file grows between ticks. Poll
// errors are logged and retried on the next cycle.
func (t *Tailer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	wake := t.watchFile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := t.Poll(ctx); err != nil {
			t.log.Error("poll failed", "error", err)
		}
	}
}

// watchFile starts an fsnotify watcher on the log file and returns a
// channel that fires, debounced, when the file is written to. Watch
// setup failures degrade to ticker-only polling.
func (t *Tailer) watchFile(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Warn("file watcher unavailable, polling only", "error", err)
		return wake
	}
	if err := watcher.Add(t.cfg.Path); err != nil {
		t.log.Warn("cannot watch file, polling only", "path", t.cfg.Path, "error", err)
		watcher.Close()
		return wake
	}

	go func() {
		defer watcher.Close()
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				now := time.Now()
				if now.Sub(last) < watchDebounce {
					continue
				}
				last = now
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.log.Warn("watch error", "error", err)
			}
		}
	}()

	return wake
}

// countLines counts the file's lines, re-counting up to three times and
// accepting the value once two consecutive counts agree. This tolerates
// the file being appended to while we count.
func (t *Tailer) countLines() (int, error) {
	var last, stable int
	for attempt := 0; attempt < countAttempts; attempt++ {
		count, err := t.countOnce()
		if err != nil {
			return 0, err
		}
		if attempt == 0 {
			last, stable = count, count
			continue
		}
		if count == last {
			return count, nil
		}
		last, stable = count, count
		time.Sleep(countSettle)
	}
	return stable, nil
}

func (t *Tailer) countOnce() (int, error) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	count := 0
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("counting lines: %w", err)
	}
	return count, nil
}

func (t *Tailer) readLines() ([]string, error) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	return lines, nil
}

// processLines parses and inserts lines in fixed-size chunks. Lines within
// a chunk are parsed in parallel (the parser is pure), inserts run
// sequentially per chunk, and the cursor advances only after a chunk's
// inserts complete. Must be called with t.mu held.
func (t *Tailer) processLines(ctx context.Context, lines []string, total int) error {
	progress := NewReporter(t.cfg.Progress)
	chunk := t.cfg.ChunkSize

	processed := 0
	dropped := 0
	guessed := 0

	for start := 0; start < len(lines); start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunk
		if end > len(lines) {
			end = len(lines)
		}
		batch := lines[start:end]

		results := make([]*parser.Result, len(batch))
		eg, _ := errgroup.WithContext(ctx)
		eg.SetLimit(runtime.GOMAXPROCS(0))
		for i, line := range batch {
			i, line := i, line
			eg.Go(func() error {
				if res, ok := t.parser.Parse(line); ok {
					results[i] = &res
				}
				return nil
			})
		}
		// Workers never return errors; Wait is a join point.
		_ = eg.Wait()

		for _, res := range results {
			if res == nil {
				dropped++
				continue
			}
			if res.TimestampGuessed {
				guessed++
			}
			t.db.Insert(res.Record)
		}

		t.cursor += len(batch)
		processed += len(batch)
		progress.Update(processed, total)
	}

	if dropped > 0 || guessed > 0 {
		t.log.Info("batch finished",
			"lines", processed, "dropped", dropped, "timestamp_guessed", guessed)
	}
	return nil
}
