// Package checkpoint persists observation normalizer statistics between
// runs. Files are zstd-compressed: a JSON header line followed by a gob body.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"singularitytrainer.ai/internal/observation"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	RunID   string    `json:"run_id"`
	Width   int       `json:"width"`
	SavedAt time.Time `json:"saved_at"`
}

type NormalizerV1 struct {
	Header Header                      `json:"header"`
	State  observation.NormalizerState `json:"state"`
}

// WriteNormalizer replaces path atomically.
func WriteNormalizer(path, runID string, st observation.NormalizerState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, NormalizerV1{
		Header: Header{Version: Version, RunID: runID, Width: len(st.Mean), SavedAt: time.Now().UTC()},
		State:  st,
	}); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, ckpt NormalizerV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(enc)

	hb, _ := json.Marshal(ckpt.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&ckpt); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadNormalizer(path string) (NormalizerV1, error) {
	var ckpt NormalizerV1
	f, err := os.Open(path)
	if err != nil {
		return ckpt, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return ckpt, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return ckpt, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return ckpt, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return ckpt, fmt.Errorf("unsupported checkpoint version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&ckpt); err != nil {
		return ckpt, fmt.Errorf("gob decode: %w", err)
	}
	if len(ckpt.State.Mean) != ckpt.Header.Width {
		return ckpt, fmt.Errorf("checkpoint width=%d mean=%d", ckpt.Header.Width, len(ckpt.State.Mean))
	}
	return ckpt, nil
}

// LoadNormalizer reads path and rebuilds the normalizer it holds.
func LoadNormalizer(path string) (*observation.Normalizer, Header, error) {
	ckpt, err := ReadNormalizer(path)
	if err != nil {
		return nil, ckpt.Header, err
	}
	n, err := observation.RestoreNormalizer(ckpt.State)
	return n, ckpt.Header, err
}
