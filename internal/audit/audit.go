// Package audit keeps the append-only execution trail: one JSON line per
// terminal execution. Writes are best-effort; an unwritable audit file warns
// and never fails the execution it describes.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// Log appends entries to a single file under a process-local mutex.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates the log file and any missing parent directories.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{f: f, path: path}, nil
}

// Record appends one entry. Failures are warned and swallowed so an audit
// outage never blocks executions.
func (l *Log) Record(entry connector.AuditEntry) {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("audit marshal failed", "appId", entry.AppID, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		slog.Warn("audit write failed", "path", l.path, "error", err)
	}
}

// Read returns the last limit entries in file order; limit <= 0 returns all.
// Lines that fail to parse are skipped.
func (l *Log) Read(limit int) ([]connector.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var entries []connector.AuditEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e connector.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
