package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type jsonStore struct {
	folder string
}

func newJSONStore(folder string) (jsonStore, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return jsonStore{}, fmt.Errorf("fail to create folder %s, %w", folder, err)
	}
	return jsonStore{folder: folder}, nil
}

func (store jsonStore) path(filename string) string {
	return filepath.Join(store.folder, filename)
}

// writeJSON replaces filename atomically, readers see either the old or the new content.
func (store jsonStore) writeJSON(filename string, v any) error {
	f, err := os.CreateTemp(store.folder, filename+".tmp-*")
	if err != nil {
		return fmt.Errorf("fail to create file, %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("fail to encode %s, %w", filename, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fail to sync %s, %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, store.path(filename)); err != nil {
		return fmt.Errorf("fail to rename %s, %w", filename, err)
	}
	return syncDir(store.folder)
}

// readJSON returns os.ErrNotExist (wrapped) when the file is missing.
func (store jsonStore) readJSON(filename string, v any) error {
	f, err := os.Open(store.path(filename))
	if err != nil {
		return fmt.Errorf("fail to open file, %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("fail to decode %s, %w", filename, err)
	}
	return nil
}

func syncDir(folder string) error {
	d, err := os.Open(folder)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
