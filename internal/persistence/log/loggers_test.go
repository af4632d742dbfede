package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"singularitytrainer.ai/internal/trainer"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()
	var out []string
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "ticks")
	now := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"tick": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"tick": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a := readLines(t, filepath.Join(dir, "ticks-2024-05-01-10.jsonl.zst"))
	b := readLines(t, filepath.Join(dir, "ticks-2024-05-01-11.jsonl.zst"))
	if len(a) != 1 || a[0] != `{"tick":1}` || len(b) != 1 || b[0] != `{"tick":2}` {
		t.Fatalf("a=%v b=%v", a, b)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "ticks")
		w.now = func() time.Time { return now }
		if err := w.Write(map[string]int{"i": i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	lines := readLines(t, filepath.Join(dir, "ticks-2024-05-01-10.jsonl.zst"))
	if len(lines) != 2 {
		t.Fatalf("lines=%v want 2 concatenated frames", lines)
	}
}

func TestTickLogger_RecordsTicksAndRuns(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	at := time.Now().UTC()
	if err := l.OpenRun(trainer.RunInfo{RunID: "r1", StartedAt: at, Codec: "json"}); err != nil {
		t.Fatalf("open run: %v", err)
	}
	rep := trainer.TickReport{RunID: "r1", Tick: 1, Outcome: trainer.OutcomeOK, Contexts: []int{0}, Rewards: []float64{0.5}, Dones: []bool{false}}
	if err := l.RecordTick(rep); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.CloseRun("r1", at); err != nil {
		t.Fatalf("close run: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ticks, _ := filepath.Glob(filepath.Join(dir, "ticks", "ticks-*.jsonl.zst"))
	if len(ticks) != 1 {
		t.Fatalf("tick files=%v", ticks)
	}
	lines := readLines(t, ticks[0])
	if len(lines) != 1 {
		t.Fatalf("lines=%v", lines)
	}
	var got trainer.TickReport
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != "r1" || got.Outcome != trainer.OutcomeOK || got.Rewards[0] != 0.5 {
		t.Fatalf("got=%+v", got)
	}

	// The open and close can straddle an hour boundary.
	runs, _ := filepath.Glob(filepath.Join(dir, "runs", "runs-*.jsonl.zst"))
	var entries []RunEntry
	for _, p := range runs {
		for _, line := range readLines(t, p) {
			var e RunEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				t.Fatalf("unmarshal run: %v", err)
			}
			entries = append(entries, e)
		}
	}
	if len(entries) != 2 || entries[0].Event != "open" || entries[0].Info == nil || entries[1].Event != "close" {
		t.Fatalf("run entries=%+v", entries)
	}
}
