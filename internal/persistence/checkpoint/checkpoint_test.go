package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"singularitytrainer.ai/internal/observation"
)

func TestNormalizerCheckpoint_RoundTrip(t *testing.T) {
	n := observation.NewNormalizer(3, 5)
	batch := [][]float64{{1, 2, 3}, {4, 5, 6}, {-1, 0, 1}}
	if err := n.Process(batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	st := n.State()

	path := filepath.Join(t.TempDir(), "ckpt", "normalizer.ckpt.zst")
	if err := WriteNormalizer(path, "run-1", st); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	got, h, err := LoadNormalizer(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.Version != Version || h.RunID != "run-1" || h.Width != 3 {
		t.Fatalf("header=%+v", h)
	}
	if !reflect.DeepEqual(got.State(), st) {
		t.Fatalf("state=%+v want=%+v", got.State(), st)
	}
	if got.Steps() != n.Steps() {
		t.Fatalf("steps=%d want=%d", got.Steps(), n.Steps())
	}
}

func TestReadNormalizer_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadNormalizer(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}
	junk := filepath.Join(dir, "junk")
	if err := os.WriteFile(junk, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadNormalizer(junk); err == nil {
		t.Fatalf("expected error for junk file")
	}
}
