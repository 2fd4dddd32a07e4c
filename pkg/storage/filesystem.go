package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/sandbox"
)

// FileSystemStore implements Store on the local filesystem.
//
// Layout:
//
//	root/plugins/<id>/record.json
//	root/plugins/<id>/versions/<version>/plugin.yaml
//	root/plugins/<id>/versions/<version>/artifact.lua
//	root/data/<id>/<key>
//
// Version directories are retained across updates so the prior artifact is
// available for rollback. record.json is written last via temp+rename; its
// presence implies the referenced version directory is complete.
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a filesystem-backed store.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	for _, dir := range []string{filepath.Join(root, "plugins"), filepath.Join(root, "data")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) pluginDir(id string) string {
	return filepath.Join(s.root, "plugins", id)
}

func (s *FileSystemStore) versionDir(id, version string) string {
	return filepath.Join(s.pluginDir(id), "versions", version)
}

// Save implements Store.Save.
func (s *FileSystemStore) Save(ctx context.Context, rec *Record, m *manifest.Manifest, artifact []byte) error {
	verDir := s.versionDir(rec.ID, rec.Version)
	if err := os.MkdirAll(verDir, 0755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}

	// Artifact and manifest first; the record references them.
	if err := os.WriteFile(filepath.Join(verDir, "artifact.lua"), artifact, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := manifest.Save(m, filepath.Join(verDir, manifest.ManifestFileName)); err != nil {
		return err
	}

	return s.SaveRecord(ctx, rec)
}

// SaveRecord implements Store.SaveRecord with temp+rename atomicity.
func (s *FileSystemStore) SaveRecord(_ context.Context, rec *Record) error {
	dir := s.pluginDir(rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp := filepath.Join(dir, ".record.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "record.json")); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Load implements Store.Load.
func (s *FileSystemStore) Load(ctx context.Context, id string) (*Record, *manifest.Manifest, []byte, error) {
	rec, err := s.loadRecord(id)
	if err != nil {
		return nil, nil, nil, err
	}
	m, artifact, err := s.LoadVersion(ctx, id, rec.Version)
	if err != nil {
		return nil, nil, nil, err
	}
	return rec, m, artifact, nil
}

// LoadVersion implements Store.LoadVersion.
func (s *FileSystemStore) LoadVersion(_ context.Context, id, version string) (*manifest.Manifest, []byte, error) {
	verDir := s.versionDir(id, version)
	m, err := manifest.Load(filepath.Join(verDir, manifest.ManifestFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, errdefs.ErrNotFound
		}
		return nil, nil, err
	}
	artifact, err := os.ReadFile(filepath.Join(verDir, "artifact.lua"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return m, artifact, nil
}

func (s *FileSystemStore) loadRecord(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.pluginDir(id), "record.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// Delete implements Store.Delete.
func (s *FileSystemStore) Delete(_ context.Context, id string, preserveData bool) error {
	if err := os.RemoveAll(s.pluginDir(id)); err != nil {
		return fmt.Errorf("failed to remove plugin directory: %w", err)
	}
	if !preserveData {
		if err := os.RemoveAll(filepath.Join(s.root, "data", id)); err != nil {
			return fmt.Errorf("failed to purge plugin data: %w", err)
		}
	}
	return nil
}

// PurgeData implements Store.PurgeData.
func (s *FileSystemStore) PurgeData(_ context.Context, id string) error {
	if err := os.RemoveAll(filepath.Join(s.root, "data", id)); err != nil {
		return fmt.Errorf("failed to purge plugin data: %w", err)
	}
	return nil
}

// List implements Store.List.
func (s *FileSystemStore) List(_ context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "plugins"))
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.loadRecord(entry.Name())
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				continue // incomplete install, never committed
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Manifests implements Store.Manifests.
func (s *FileSystemStore) Manifests(ctx context.Context) ([]*manifest.Manifest, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	manifests := make([]*manifest.Manifest, 0, len(records))
	for _, rec := range records {
		m, _, err := s.LoadVersion(ctx, rec.ID, rec.Version)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Data implements Store.Data.
func (s *FileSystemStore) Data(id string) sandbox.KVStore {
	return &fsKV{dir: filepath.Join(s.root, "data", id)}
}

// HealthCheck implements Store.HealthCheck.
func (s *FileSystemStore) HealthCheck(_ context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

// fsKV is the filesystem plugin data area: one file per key.
type fsKV struct {
	dir string
}

func (kv *fsKV) Put(key string, value []byte) error {
	if err := os.MkdirAll(kv.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(kv.dir, sanitizeKey(key)), value, 0644)
}

func (kv *fsKV) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(kv.dir, sanitizeKey(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.ErrNotFound
	}
	return data, err
}

func (kv *fsKV) Delete(key string) error {
	err := os.Remove(filepath.Join(kv.dir, sanitizeKey(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// sanitizeKey keeps keys inside the data directory.
func sanitizeKey(key string) string {
	return filepath.Base(filepath.Clean("/" + key))
}
