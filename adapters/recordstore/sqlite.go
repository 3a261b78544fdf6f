// Package recordstore provides RecordStore implementations for the asset
// rows the pipeline reads and writes.
package recordstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLite is a RecordStore backed by a single SQLite file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger core.Logger
}

// SetLogger sets where unreadable rows are reported.  The default discards.
func (s *SQLite) SetLogger(l core.Logger) {
	if l == nil {
		l = core.NopLogger{}
	}
	s.logger = l
}

// OpenSQLite opens or creates the database at path.  Use ":memory:" in
// tests.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}
	dsn := path
	if path != ":memory:" {
		// busy_timeout is per connection, so it goes in the DSN for the pool.
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path, logger: core.NopLogger{}}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

const assetColumns = `id, original_url, filename, extension, width, height, variants_json`

// needsProcessingClause matches rows missing width, height or variants.
// A variants column that is not a JSON object counts as missing.
const needsProcessingClause = `(width IS NULL OR height IS NULL OR variants_json IS NULL OR variants_json IN ('', '{}', 'null')
    OR CASE WHEN json_valid(variants_json) THEN json_type(variants_json) != 'object' ELSE 1 END)`

// timestampLayout is fixed width so created_at sorts correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// CreateAsset inserts a new asset row without metadata or variants.
func (s *SQLite) CreateAsset(ctx context.Context, a core.SourceAsset) error {
	if a.ID == "" || a.OriginalURL == "" {
		return apperrors.New(apperrors.CategoryInput, "records.create", errors.New("id and original url are required"))
	}
	now := time.Now().UTC().Format(timestampLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, original_url, filename, extension, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OriginalURL, a.Filename, a.Extension, now, now,
	)
	if err != nil {
		return apperrors.New(apperrors.CategoryPersist, "records.create", err)
	}
	return nil
}

// GetAsset loads one row.  Missing rows return ErrNotFound.
func (s *SQLite) GetAsset(ctx context.Context, id string) (core.SourceAsset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	a, err := s.scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SourceAsset{}, apperrors.New(apperrors.CategoryInput, "records.get", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	if err != nil {
		return core.SourceAsset{}, apperrors.Wrap(apperrors.CategoryStorage, "records.get", err)
	}
	return a, nil
}

// GetMetadata returns the stored metadata of id, if any has been written.
func (s *SQLite) GetMetadata(ctx context.Context, id string) (core.ImageMetadata, bool, error) {
	var (
		w, h, size   sql.NullInt64
		mime, format sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT width, height, file_size, mime_type, format FROM assets WHERE id = ?`, id,
	).Scan(&w, &h, &size, &mime, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ImageMetadata{}, false, apperrors.New(apperrors.CategoryInput, "records.metadata", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	if err != nil {
		return core.ImageMetadata{}, false, apperrors.Wrap(apperrors.CategoryStorage, "records.metadata", err)
	}
	if !w.Valid || !h.Valid {
		return core.ImageMetadata{}, false, nil
	}
	return core.ImageMetadata{
		Width:         int(w.Int64),
		Height:        int(h.Int64),
		FileSizeBytes: size.Int64,
		MIMEType:      mime.String,
		Format:        core.Format(format.String),
	}, true, nil
}

// FindAssetsNeedingProcessing returns the rows selected by f, oldest first.
// A MediaID selects that row whatever its state; Force selects every row.
func (s *SQLite) FindAssetsNeedingProcessing(ctx context.Context, f core.Filter) ([]core.SourceAsset, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case f.MediaID != "":
		where = append(where, "id = ?")
		args = append(args, f.MediaID)
	case !f.Force:
		where = append(where, needsProcessingClause)
	}

	q := `SELECT ` + assetColumns + ` FROM assets`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "records.find", err)
	}
	defer rows.Close()

	var out []core.SourceAsset
	for rows.Next() {
		a, err := s.scanAsset(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryStorage, "records.find.scan", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "records.find", err)
	}
	return out, nil
}

// UpdateAssetMetadataAndVariants overwrites metadata and the variant map in
// a single statement.
func (s *SQLite) UpdateAssetMetadataAndVariants(ctx context.Context, id string, meta core.ImageMetadata, variants core.VariantSet) error {
	if variants == nil {
		variants = core.VariantSet{}
	}
	vj, err := json.Marshal(variants)
	if err != nil {
		return apperrors.New(apperrors.CategoryPersist, "records.update", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets
            SET width = ?, height = ?, file_size = ?, mime_type = ?, format = ?,
                variants_json = ?, updated_at = ?
          WHERE id = ?`,
		meta.Width, meta.Height, meta.FileSizeBytes, meta.MIMEType, string(meta.Format),
		string(vj), time.Now().UTC().Format(timestampLayout), id,
	)
	if err != nil {
		return apperrors.New(apperrors.CategoryPersist, "records.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.CategoryPersist, "records.update", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAsset reads one row.  An undecodable variant map is logged and left
// nil so the row reads as needing processing instead of failing the query.
func (s *SQLite) scanAsset(r rowScanner) (core.SourceAsset, error) {
	var (
		a        core.SourceAsset
		w, h     sql.NullInt64
		variants sql.NullString
	)
	if err := r.Scan(&a.ID, &a.OriginalURL, &a.Filename, &a.Extension, &w, &h, &variants); err != nil {
		return a, err
	}
	if w.Valid {
		v := int(w.Int64)
		a.Width = &v
	}
	if h.Valid {
		v := int(h.Int64)
		a.Height = &v
	}
	if variants.Valid && variants.String != "" {
		if err := json.Unmarshal([]byte(variants.String), &a.Variants); err != nil {
			s.logger.Warn("unreadable variants column, asset will be reprocessed",
				"asset_id", a.ID,
				"error", err.Error(),
			)
			a.Variants = nil
		}
	}
	return a, nil
}

var _ core.RecordStore = (*SQLite)(nil)
