// Package log writes the append-only audit trail of consensus events and
// migration activity as hour-rotated, zstd-compressed JSONL, beside the
// database. The DB is the queryable record; these files are the cheap
// replayable one.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/migration"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
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
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err
}

// ConsensusLogger appends one JSONL entry per consensus event.
type ConsensusLogger struct{ w *JSONLZstdWriter }

func NewConsensusLogger(dataDir string) *ConsensusLogger {
	return &ConsensusLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "consensus"), "consensus")}
}

func (l *ConsensusLogger) ConsensusReached(ev hive.ConsensusEvent) { _ = l.w.Write(ev) }
func (l *ConsensusLogger) Close() error                            { return l.w.Close() }

// MigrationLogger appends one JSONL entry per migration batch progress
// report.
type MigrationLogger struct{ w *JSONLZstdWriter }

func NewMigrationLogger(dataDir string) *MigrationLogger {
	return &MigrationLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "migration"), "migration")}
}

func (l *MigrationLogger) MigrationProgress(p migration.Progress) { _ = l.w.Write(p) }
func (l *MigrationLogger) Close() error                           { return l.w.Close() }
