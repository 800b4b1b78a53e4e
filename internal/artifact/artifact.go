// Package artifact reads and writes the JSON dataset files produced by ingestion.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known artifact file names inside the data directory.
const (
	CrosswalkFile = "zip-county-crosswalk.json"
	CensusFile    = "census-data.json"
	SpendingFile  = "spending-by-county.json"
)

// Paths locates the three artifacts under one directory.
type Paths struct {
	Dir string
}

func (p Paths) Crosswalk() string { return filepath.Join(p.Dir, CrosswalkFile) }
func (p Paths) Census() string    { return filepath.Join(p.Dir, CensusFile) }
func (p Paths) Spending() string  { return filepath.Join(p.Dir, SpendingFile) }

// File is one artifact in a WriteAll batch.
type File struct {
	Path  string
	Value any
}

// WriteJSON writes v to path through a temporary file in the same directory and a rename,
// so readers see either the previous file or the complete new one.
func WriteJSON(path string, v any) error {
	return WriteAll(File{Path: path, Value: v})
}

// WriteAll replaces every file or none. All values are encoded to temporary files and
// the current targets are hard-linked aside before any target is renamed over; a failed
// rename puts the already replaced targets back.
func WriteAll(files ...File) error {
	staged := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}()
	for _, f := range files {
		tmp, err := stage(f.Path, f.Value)
		if err != nil {
			return err
		}
		staged = append(staged, tmp)
	}

	backups := make([]string, len(files))
	defer func() {
		for _, b := range backups {
			if b != "" {
				_ = os.Remove(b)
			}
		}
	}()
	for i, f := range files {
		if _, err := os.Lstat(f.Path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		b := staged[i] + ".prev"
		if err := os.Link(f.Path, b); err != nil {
			return fmt.Errorf("keep previous artifact %s: %w", filepath.Base(f.Path), err)
		}
		backups[i] = b
	}

	for i, f := range files {
		if err := os.Rename(staged[i], f.Path); err != nil {
			restore(files[:i], backups[:i])
			return fmt.Errorf("replace artifact %s: %w", f.Path, err)
		}
	}
	return nil
}

// restore undoes the renames WriteAll already made.
func restore(files []File, backups []string) {
	for i, f := range files {
		if backups[i] == "" {
			_ = os.Remove(f.Path)
			continue
		}
		_ = os.Rename(backups[i], f.Path)
	}
}

// stage encodes v into a temporary file next to path and returns its name.
func stage(path string, v any) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "", fmt.Errorf("replace artifact %s: target is a directory", path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("encode artifact %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("chmod artifact: %w", err)
	}
	return tmpName, nil
}

// ReadJSON decodes the artifact at path into v.
func ReadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode artifact %s: %w", filepath.Base(path), err)
	}
	return nil
}
