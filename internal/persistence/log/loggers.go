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

	"singularitytrainer.ai/internal/trainer"
)

// JSONLZstdWriter appends JSON lines to hourly files
// <baseDir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
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
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
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
	path := w.pathForHour(hour)
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

// RunEntry marks a session boundary in the runs log.
type RunEntry struct {
	Event string           `json:"event"`
	At    time.Time        `json:"at"`
	RunID string           `json:"run_id"`
	Info  *trainer.RunInfo `json:"info,omitempty"`
}

// TickLogger records tick reports under <dataDir>/ticks and session
// boundaries under <dataDir>/runs.
type TickLogger struct {
	ticks *JSONLZstdWriter
	runs  *JSONLZstdWriter
}

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{
		ticks: NewJSONLZstdWriter(filepath.Join(dataDir, "ticks"), "ticks"),
		runs:  NewJSONLZstdWriter(filepath.Join(dataDir, "runs"), "runs"),
	}
}

func (l *TickLogger) RecordTick(r trainer.TickReport) error { return l.ticks.Write(r) }

func (l *TickLogger) OpenRun(info trainer.RunInfo) error {
	return l.runs.Write(RunEntry{Event: "open", At: info.StartedAt, RunID: info.RunID, Info: &info})
}

func (l *TickLogger) CloseRun(runID string, at time.Time) error {
	return l.runs.Write(RunEntry{Event: "close", At: at, RunID: runID})
}

func (l *TickLogger) Close() error {
	err := l.ticks.Close()
	if err2 := l.runs.Close(); err == nil {
		err = err2
	}
	return err
}
