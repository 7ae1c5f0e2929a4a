// Package persist stores the node's state snapshot on disk as
// gzip-compressed JSON. Writes are atomic (temp file, fsync, rename) so
// a crash mid-save leaves the previous snapshot intact. The snapshot
// embeds the circle secrets, so files are 0600 and the directory 0700,
// and a world-readable file refuses to load.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/felundnet/felund/internal/state"
)

// SnapshotFile is the snapshot's filename inside the state directory.
const SnapshotFile = "state.json.gz"

const (
	dirMode  = 0700
	fileMode = 0600
)

// FileStore reads and writes snapshots under one state directory. It
// implements state.Saver.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir, creating the directory on
// first use.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the snapshot's full path.
func (fs *FileStore) Path() string {
	return filepath.Join(fs.dir, SnapshotFile)
}

// Save atomically replaces the on-disk snapshot. Called by the store
// with its mutex held, so it must not block on anything but disk.
func (fs *FileStore) Save(snap *state.Snapshot) error {
	if err := os.MkdirAll(fs.dir, dirMode); err != nil {
		return fmt.Errorf("persist: create state dir: %w", err)
	}
	path := fs.Path()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("persist: create temp snapshot: %w", err)
	}
	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist: flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist: replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns ErrNoState so a fresh
// installation is distinguishable from a broken one. A snapshot written
// by a newer build fails fast with ErrSchemaTooNew.
func (fs *FileStore) Load() (*state.Snapshot, error) {
	path := fs.Path()
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoState, path)
		}
		return nil, fmt.Errorf("persist: open snapshot: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("persist: snapshot %s is not gzip: %w", path, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("persist: read snapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("persist: decode snapshot %s: %w", path, err)
	}
	// Snapshots written before versioning decode as version 0.
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = 1
	}
	if snap.SchemaVersion > state.SchemaVersion {
		return nil, fmt.Errorf("%w: snapshot schema %d is newer than supported %d; upgrade felund before using this state directory",
			ErrSchemaTooNew, snap.SchemaVersion, state.SchemaVersion)
	}
	snap.SchemaVersion = state.SchemaVersion
	return &snap, nil
}

// checkFilePermissions refuses snapshots readable by group or others.
// The file holds circle secrets.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // access errors surface on open
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("state file %s has overly permissive mode %04o; expected 0600; fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}
