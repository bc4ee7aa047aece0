package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
)

// WriteArchive stores records as brotli-compressed JSON lines in dir and
// returns the file path. Nothing is written for an empty slice.
func WriteArchive(dir string, records []Record, now time.Time) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	name := fmt.Sprintf("audit-%s.jsonl.br", now.UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	bw := brotli.NewWriterLevel(f, brotli.DefaultCompression)
	enc := json.NewEncoder(bw)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = bw.Close()
			_ = f.Close()
			return "", fmt.Errorf("failed to encode archive record: %w", err)
		}
	}
	if err := bw.Close(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	return path, nil
}

// ReadArchive decodes a file written by WriteArchive.
func ReadArchive(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(brotli.NewReader(f)))
	var out []Record
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode archive %s: %w", path, err)
		}
		out = append(out, r)
	}
}
