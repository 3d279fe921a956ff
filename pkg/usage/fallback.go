package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/systmms/tenantkeys/internal/logging"
)

// FallbackLog is an append-only JSONL file of events that could not be
// published. Writes are synced before Append returns.
type FallbackLog struct {
	path   string
	logger *logging.Logger
	mu     sync.Mutex
	// replayMu serializes replays; mu is never held across a publish.
	replayMu sync.Mutex
}

// FallbackOption configures a FallbackLog.
type FallbackOption func(*FallbackLog)

// WithFallbackLogger sets the logger that reports unreadable lines.
func WithFallbackLogger(l *logging.Logger) FallbackOption {
	return func(f *FallbackLog) {
		f.logger = l
	}
}

// NewFallbackLog creates a log at path. The file is created on first append.
func NewFallbackLog(path string, opts ...FallbackOption) *FallbackLog {
	l := &FallbackLog{path: path, logger: logging.Discard()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the backing file.
func (l *FallbackLog) Path() string {
	return l.path
}

// Append writes ev as one line.
func (l *FallbackLog) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create fallback log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open fallback log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to fallback log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync fallback log: %w", err)
	}
	return nil
}

// Events returns every readable event in the log, oldest first. Torn or
// malformed lines, e.g. from a crash mid-append, are skipped and reported.
func (l *FallbackLog) Events() ([]Event, error) {
	l.mu.Lock()
	lines, err := l.readLines()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(lines))
	skipped := 0
	for i, line := range lines {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			l.logger.Debug("Fallback log %s line %d unreadable: %v", l.path, i+1, err)
			continue
		}
		events = append(events, ev)
	}
	if skipped > 0 {
		l.logger.Warn("Skipped %d unreadable lines in fallback log %s", skipped, l.path)
	}
	return events, nil
}

// EventsForDate returns the events on the UTC day of date.
func (l *FallbackLog) EventsForDate(_ context.Context, date time.Time) ([]Event, error) {
	all, err := l.Events()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.OnDay(date) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Replayed  int
	Remaining int
}

// Replay publishes every logged event and removes the published lines.
// Lines that failed, unparseable lines and lines appended while the replay
// was publishing are kept. Appends are not blocked by slow publishes.
func (l *FallbackLog) Replay(ctx context.Context, publish func(context.Context, Event) error) (ReplayResult, error) {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()

	l.mu.Lock()
	snapshot, err := l.readLines()
	l.mu.Unlock()
	if err != nil {
		return ReplayResult{}, err
	}

	var result ReplayResult
	published := make(map[string]int)
	for _, line := range snapshot {
		if ctx.Err() != nil {
			break
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if err := publish(ctx, ev); err != nil {
			continue
		}
		published[string(line)]++
		result.Replayed++
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.readLines()
	if err != nil {
		return result, err
	}
	remaining := make([][]byte, 0, len(current))
	for _, line := range current {
		if published[string(line)] > 0 {
			published[string(line)]--
			continue
		}
		remaining = append(remaining, line)
	}
	result.Remaining = len(remaining)

	if result.Replayed == 0 {
		return result, ctx.Err()
	}
	if err := l.rewrite(remaining); err != nil {
		return result, err
	}
	return result, ctx.Err()
}

func (l *FallbackLog) readLines() ([][]byte, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open fallback log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fallback log: %w", err)
	}
	return lines, nil
}

func (l *FallbackLog) rewrite(lines [][]byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".usage-fallback-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to rewrite fallback log: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to rewrite fallback log: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to rewrite fallback log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to rewrite fallback log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to rewrite fallback log: %w", err)
	}
	return os.Rename(tmp.Name(), l.path)
}
