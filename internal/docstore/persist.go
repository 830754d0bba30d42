package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Persister is the only component that touches the storage medium.
// Load returns the raw parsed payload, ErrNotFound when nothing is stored
// yet, or a *CorruptError when stored bytes cannot be read or parsed.
type Persister interface {
	Load(ctx context.Context) (any, error)
	Save(ctx context.Context, doc *Document) error
}

// FileWriter persists the document as a single pretty-printed JSON file.
type FileWriter struct {
	path string
	now  func() time.Time
}

// NewFileWriter creates a file-backed persister for path.
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: strings.TrimSpace(path), now: time.Now}
}

// Path returns the data file location.
func (w *FileWriter) Path() string {
	return w.path
}

func (w *FileWriter) Load(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &CorruptError{Path: w.path, Err: fmt.Errorf("read: %w", err)}
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptError{Path: w.path, Err: fmt.Errorf("parse: %w", err)}
	}
	return raw, nil
}

// Save writes doc to a temporary file next to the destination and renames it
// into place, so a failed write never leaves a truncated data file behind.
func (w *FileWriter) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		cleanup()
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// Quarantine moves an unreadable data file aside so reseeding does not
// destroy it. It returns the new location.
func (w *FileWriter) Quarantine() (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", w.path, w.now().Unix())
	if err := os.Rename(w.path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("quarantine data file: %w", err)
	}
	return dest, nil
}

// Writable checks that the data directory accepts new files.
func (w *FileWriter) Writable() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// Encode renders the document in its stable on-disk form.
func Encode(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("encode document: nil document")
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return append(payload, '\n'), nil
}

// Decode parses and normalizes an encoded document.
func Decode(data []byte) (*Document, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Normalize(raw), nil
}
