package database

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"nftguard/catalog"
	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/types"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite database holding catalog assets, model blobs and
// the verdict ledger
type Store struct {
	db *sql.DB
}

// InitDatabase opens the database and creates or migrates the schema
func InitDatabase(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// Create tables if they don't exist
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		rarity_score REAL NOT NULL,
		num_sales INTEGER NOT NULL,
		artist_reputation REAL NOT NULL,
		price REAL,
		image_ref TEXT,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		digest TEXT,
		average_hash TEXT,
		fingerprint BLOB NOT NULL,
		created_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_assets_average_hash ON assets(average_hash);
	CREATE TABLE IF NOT EXISTS models (
		name TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		samples INTEGER,
		trained_at TEXT
	);
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		flagged INTEGER NOT NULL,
		reason TEXT NOT NULL,
		top_match TEXT,
		top_score REAL,
		predicted_price REAL,
		threshold REAL,
		catalog_size INTEGER,
		payload TEXT,
		evaluated_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_verdicts_asset ON verdicts(asset_id);`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// migrate adds columns introduced after the first schema version
func (s *Store) migrate() error {
	columns := []struct {
		table, name, ddl string
	}{
		{"assets", "digest", "ALTER TABLE assets ADD COLUMN digest TEXT;"},
		{"assets", "average_hash", "ALTER TABLE assets ADD COLUMN average_hash TEXT;"},
		{"verdicts", "payload", "ALTER TABLE verdicts ADD COLUMN payload TEXT;"},
	}

	for _, col := range columns {
		var hasColumn bool
		err := s.db.QueryRow(
			fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name=?", col.table), col.name,
		).Scan(&hasColumn)
		if err != nil {
			return fmt.Errorf("error checking for %s.%s column: %w", col.table, col.name, err)
		}
		if hasColumn {
			continue
		}
		if _, err := s.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("error adding %s.%s column: %w", col.table, col.name, err)
		}
		logging.DebugLog("Added '%s' column to existing %s table", col.name, col.table)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// AssetExists checks if an asset id is already stored
func (s *Store) AssetExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("database error for %s: %w", id, err)
	}
	return count > 0, nil
}

// StoreAsset inserts an asset; an existing id is an error
func (s *Store) StoreAsset(ctx context.Context, asset *types.Asset) error {
	blob, err := compressPix(asset.Fingerprint.Pix())
	if err != nil {
		return fmt.Errorf("cannot compress fingerprint for %s: %w", asset.ID, err)
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO assets (
			id, rarity_score, num_sales, artist_reputation, price, image_ref,
			width, height, digest, average_hash, fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("cannot prepare statement for %s: %w", asset.ID, err)
	}
	defer stmt.Close()

	var price sql.NullFloat64
	if asset.ObservedPrice != nil {
		price = sql.NullFloat64{Float64: *asset.ObservedPrice, Valid: true}
	}

	_, err = stmt.ExecContext(ctx,
		asset.ID,
		asset.Attributes.RarityScore,
		asset.Attributes.NumSales,
		asset.Attributes.ArtistReputation,
		price,
		asset.ImageRef,
		asset.Fingerprint.Width(),
		asset.Fingerprint.Height(),
		asset.Fingerprint.Digest(),
		asset.Fingerprint.AverageHash(),
		blob,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("cannot insert asset %s: %w", asset.ID, err)
	}
	return nil
}

// LoadAssets returns every stored asset in insertion order
func (s *Store) LoadAssets(ctx context.Context) ([]*types.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rarity_score, num_sales, artist_reputation, price, image_ref,
			width, height, digest, fingerprint
		FROM assets ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []*types.Asset
	for rows.Next() {
		var (
			asset         types.Asset
			price         sql.NullFloat64
			imageRef      sql.NullString
			digest        sql.NullString
			width, height int
			blob          []byte
		)
		if err := rows.Scan(
			&asset.ID,
			&asset.Attributes.RarityScore,
			&asset.Attributes.NumSales,
			&asset.Attributes.ArtistReputation,
			&price,
			&imageRef,
			&width,
			&height,
			&digest,
			&blob,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}

		pix, err := decompressPix(blob)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.ID, err)
		}
		fp, err := imageprocessor.RestoreFingerprint(width, height, pix, digest.String)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.ID, err)
		}

		asset.Fingerprint = fp
		asset.ImageRef = imageRef.String
		if price.Valid {
			p := price.Float64
			asset.ObservedPrice = &p
		}
		assets = append(assets, &asset)
	}
	return assets, rows.Err()
}

// LoadCatalog restores every stored asset into cat
func (s *Store) LoadCatalog(ctx context.Context, cat *catalog.Catalog) (int, error) {
	assets, err := s.LoadAssets(ctx)
	if err != nil {
		return 0, err
	}
	for _, asset := range assets {
		if err := cat.Add(asset); err != nil {
			return 0, fmt.Errorf("restore asset %s: %w", asset.ID, err)
		}
	}
	logging.LogInfo("Restored %d assets from database", len(assets))
	return len(assets), nil
}

// SaveModelBlob stores a serialized valuation model under name
func (s *Store) SaveModelBlob(ctx context.Context, name string, blob []byte, samples int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO models (name, blob, samples, trained_at) VALUES (?, ?, ?, ?)`,
		name, blob, samples, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cannot store model %s: %w", name, err)
	}
	return nil
}

// ErrModelNotFound is returned when no blob is stored under a model name
var ErrModelNotFound = errors.New("model not found")

// LoadModelBlob returns the serialized model stored under name
func (s *Store) LoadModelBlob(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT blob FROM models WHERE name = ?", name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load model %s: %w", name, err)
	}
	return blob, nil
}

// VerdictRow is one ledger entry
type VerdictRow struct {
	ID             string
	AssetID        string
	Flagged        bool
	Reason         string
	TopMatch       string
	TopScore       float64
	PredictedPrice float64
	Threshold      float64
	CatalogSize    int
	Payload        string
	EvaluatedAt    time.Time
}

// RecordVerdict appends a verdict to the ledger
func (s *Store) RecordVerdict(ctx context.Context, row VerdictRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts (
			id, asset_id, flagged, reason, top_match, top_score,
			predicted_price, threshold, catalog_size, payload, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.AssetID, row.Flagged, row.Reason, row.TopMatch, row.TopScore,
		row.PredictedPrice, row.Threshold, row.CatalogSize, row.Payload,
		row.EvaluatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("cannot record verdict %s: %w", row.ID, err)
	}
	return nil
}

// ListVerdicts returns the ledger entries of an asset, oldest first. An empty
// asset id lists every entry.
func (s *Store) ListVerdicts(ctx context.Context, assetID string) ([]VerdictRow, error) {
	query := `SELECT id, asset_id, flagged, reason, top_match, top_score,
		predicted_price, threshold, catalog_size, payload, evaluated_at FROM verdicts`
	var args []interface{}
	if assetID != "" {
		query += " WHERE asset_id = ?"
		args = append(args, assetID)
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var out []VerdictRow
	for rows.Next() {
		var (
			row       VerdictRow
			topMatch  sql.NullString
			payload   sql.NullString
			evaluated string
		)
		if err := rows.Scan(&row.ID, &row.AssetID, &row.Flagged, &row.Reason, &topMatch, &row.TopScore,
			&row.PredictedPrice, &row.Threshold, &row.CatalogSize, &payload, &evaluated); err != nil {
			return nil, fmt.Errorf("failed to scan verdict row: %w", err)
		}
		row.TopMatch = topMatch.String
		row.Payload = payload.String
		if ts, err := time.Parse(time.RFC3339Nano, evaluated); err == nil {
			row.EvaluatedAt = ts
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CatalogStats contains statistics about the stored catalog and ledger
type CatalogStats struct {
	TotalAssets     int
	PricedAssets    int
	UniqueHashes    int
	TotalVerdicts   int
	FlaggedVerdicts int
}

// GetCatalogStats retrieves statistics about stored assets and verdicts
func (s *Store) GetCatalogStats(ctx context.Context) (*CatalogStats, error) {
	var stats CatalogStats

	queries := []struct {
		sql  string
		dest *int
		what string
	}{
		{"SELECT COUNT(*) FROM assets", &stats.TotalAssets, "total assets"},
		{"SELECT COUNT(*) FROM assets WHERE price IS NOT NULL", &stats.PricedAssets, "priced assets"},
		{"SELECT COUNT(DISTINCT average_hash) FROM assets", &stats.UniqueHashes, "unique hashes"},
		{"SELECT COUNT(*) FROM verdicts", &stats.TotalVerdicts, "verdicts"},
		{"SELECT COUNT(*) FROM verdicts WHERE flagged = 1", &stats.FlaggedVerdicts, "flagged verdicts"},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", q.what, err)
		}
	}
	return &stats, nil
}

func compressPix(pix []uint8) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(pix); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPix(blob []byte) ([]uint8, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty fingerprint blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
