// Package jsonstore implements the persisted JSON stores shared between
// the operator, the scheduler and external tooling.
//
// Stores are single-writer but multi-reader (outside processes may
// watch them), so every write is a whole-file atomic replace. Reads are
// strict: malformed content is an error and never replaces in-memory
// state.
package jsonstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Load reads and strictly decodes a JSON store file.
func Load[T any](path string) (T, error) {
	var v T
	b, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := Decode(b, &v); err != nil {
		return v, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// LoadOr returns def when the store file does not exist yet.
func LoadOr[T any](path string, def T) (T, error) {
	v, err := Load[T](path)
	if os.IsNotExist(err) {
		return def, nil
	}
	return v, err
}

// Decode strictly decodes a single JSON document.
func Decode[T any](b []byte, v *T) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON document")
	}
	return nil
}

// Save atomically replaces the store file with the indented JSON
// encoding of v, creating parent directories as needed.
func Save(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := renameio.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
