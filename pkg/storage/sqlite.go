package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/sandbox"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plugins (
	id TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	record JSON NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_versions (
	plugin_id TEXT NOT NULL,
	version TEXT NOT NULL,
	manifest BLOB NOT NULL,
	artifact BLOB NOT NULL,
	PRIMARY KEY (plugin_id, version)
);
CREATE TABLE IF NOT EXISTS plugin_data (
	plugin_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (plugin_id, key)
);
`

// SQLiteStore implements Store on an embedded SQLite database. Every Save
// runs in a transaction so a record and its version row commit together.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreWithDB wraps an existing database handle. The schema is
// assumed to exist. Used by tests.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save implements Store.Save.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record, m *manifest.Manifest, artifact []byte) error {
	manifestData, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	recordData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plugin_versions (plugin_id, version, manifest, artifact) VALUES (?, ?, ?, ?)
		 ON CONFLICT (plugin_id, version) DO UPDATE SET manifest = excluded.manifest, artifact = excluded.artifact`,
		rec.ID, rec.Version, manifestData, artifact); err != nil {
		return fmt.Errorf("failed to save version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plugins (id, version, record) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, record = excluded.record`,
		rec.ID, rec.Version, recordData); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SaveRecord implements Store.SaveRecord.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	recordData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET version = ?, record = ? WHERE id = ?`,
		rec.Version, recordData, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.ErrNotFound
	}
	return nil
}

// Load implements Store.Load.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, *manifest.Manifest, []byte, error) {
	var recordData []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM plugins WHERE id = ?`, id).Scan(&recordData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to query record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(recordData, &rec); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	m, artifact, err := s.LoadVersion(ctx, id, rec.Version)
	if err != nil {
		return nil, nil, nil, err
	}
	return &rec, m, artifact, nil
}

// LoadVersion implements Store.LoadVersion.
func (s *SQLiteStore) LoadVersion(ctx context.Context, id, version string) (*manifest.Manifest, []byte, error) {
	var manifestData, artifact []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest, artifact FROM plugin_versions WHERE plugin_id = ? AND version = ?`,
		id, version).Scan(&manifestData, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query version: %w", err)
	}
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, nil, err
	}
	return m, artifact, nil
}

// Delete implements Store.Delete.
func (s *SQLiteStore) Delete(ctx context.Context, id string, preserveData bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_versions WHERE plugin_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete versions: %w", err)
	}
	if !preserveData {
		if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_id = ?`, id); err != nil {
			return fmt.Errorf("failed to purge plugin data: %w", err)
		}
	}
	return tx.Commit()
}

// PurgeData implements Store.PurgeData.
func (s *SQLiteStore) PurgeData(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge plugin data: %w", err)
	}
	return nil
}

// List implements Store.List.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Manifests implements Store.Manifests.
func (s *SQLiteStore) Manifests(ctx context.Context) ([]*manifest.Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.manifest FROM plugins p
		 JOIN plugin_versions v ON v.plugin_id = p.id AND v.version = p.version
		 ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*manifest.Manifest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		m, err := manifest.Parse(data)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// Data implements Store.Data.
func (s *SQLiteStore) Data(id string) sandbox.KVStore {
	return &sqliteKV{db: s.db, pluginID: id}
}

// HealthCheck implements Store.HealthCheck.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// sqliteKV is the SQLite plugin data area.
type sqliteKV struct {
	db       *sql.DB
	pluginID string
}

func (kv *sqliteKV) Put(key string, value []byte) error {
	_, err := kv.db.Exec(
		`INSERT INTO plugin_data (plugin_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (plugin_id, key) DO UPDATE SET value = excluded.value`,
		kv.pluginID, key, value)
	return err
}

func (kv *sqliteKV) Get(key string) ([]byte, error) {
	var value []byte
	err := kv.db.QueryRow(
		`SELECT value FROM plugin_data WHERE plugin_id = ? AND key = ?`,
		kv.pluginID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrNotFound
	}
	return value, err
}

func (kv *sqliteKV) Delete(key string) error {
	_, err := kv.db.Exec(
		`DELETE FROM plugin_data WHERE plugin_id = ? AND key = ?`,
		kv.pluginID, key)
	return err
}

// NewStore builds a Store from config.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "filesystem":
		return NewFileSystemStore(cfg.Root)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
