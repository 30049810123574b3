package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// SQLiteStore implements Store on a single-file SQLite database —
// adequate for the single-process deployment spec.md §9 describes as the
// core's boundary; multi-process deployments externalize state elsewhere.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (creating if absent) the database at dbPath.
func NewSQLiteStore(dbPath string, log *logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, acmeerr.Storage("failed to create database directory").WithUnderlying(err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, acmeerr.Storage("failed to open database").WithUnderlying(err)
	}

	store := &SQLiteStore{db: db, logger: log.WithComponent("sqlite-store")}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("sqlite store initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		key_pem BLOB,
		url TEXT
	);

	CREATE TABLE IF NOT EXISTS certificates (
		fingerprint TEXT PRIMARY KEY,
		chain_pem BLOB NOT NULL,
		key_pem BLOB NOT NULL,
		not_before TEXT,
		not_after TEXT,
		serial TEXT,
		renewal_failed_reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_not_after ON certificates(not_after);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return acmeerr.Storage("failed to initialize schema").WithUnderlying(err)
	}
	return nil
}

func (s *SQLiteStore) SaveAccountKey(ctx context.Context, pkcs8PEM []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account (id, key_pem) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET key_pem = excluded.key_pem`, pkcs8PEM)
	if err != nil {
		return acmeerr.Storage("failed to save account key").WithUnderlying(err)
	}
	return nil
}

func (s *SQLiteStore) LoadAccountKey(ctx context.Context) ([]byte, error) {
	var keyPEM []byte
	err := s.db.QueryRowContext(ctx, `SELECT key_pem FROM account WHERE id = 1`).Scan(&keyPEM)
	if err == sql.ErrNoRows || keyPEM == nil {
		return nil, acmeerr.Storage("no account key persisted")
	}
	if err != nil {
		return nil, acmeerr.Storage("failed to load account key").WithUnderlying(err)
	}
	return keyPEM, nil
}

func (s *SQLiteStore) SaveAccountURL(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account (id, url) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url`, url)
	if err != nil {
		return acmeerr.Storage("failed to save account url").WithUnderlying(err)
	}
	return nil
}

func (s *SQLiteStore) LoadAccountURL(ctx context.Context) (string, error) {
	var url sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT url FROM account WHERE id = 1`).Scan(&url)
	if err == sql.ErrNoRows || !url.Valid {
		return "", acmeerr.Storage("no account url persisted")
	}
	if err != nil {
		return "", acmeerr.Storage("failed to load account url").WithUnderlying(err)
	}
	return url.String, nil
}

func (s *SQLiteStore) SaveCertificate(ctx context.Context, fingerprint string, chainPEM, keyPEM []byte, meta CertMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (fingerprint, chain_pem, key_pem, not_before, not_after, serial, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(fingerprint) DO UPDATE SET
			chain_pem = excluded.chain_pem,
			key_pem = excluded.key_pem,
			not_before = excluded.not_before,
			not_after = excluded.not_after,
			serial = excluded.serial,
			renewal_failed_reason = NULL,
			updated_at = CURRENT_TIMESTAMP`,
		fingerprint, chainPEM, keyPEM, meta.NotBefore, meta.NotAfter, meta.Serial)
	if err != nil {
		return acmeerr.Storage("failed to save certificate").WithUnderlying(err)
	}
	return nil
}

func (s *SQLiteStore) LoadCertificate(ctx context.Context, fingerprint string) ([]byte, []byte, CertMeta, error) {
	var chainPEM, keyPEM []byte
	var meta CertMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_pem, key_pem, not_before, not_after, serial
		FROM certificates WHERE fingerprint = ?`, fingerprint,
	).Scan(&chainPEM, &keyPEM, &meta.NotBefore, &meta.NotAfter, &meta.Serial)
	if err == sql.ErrNoRows {
		return nil, nil, CertMeta{}, acmeerr.Storage(fmt.Sprintf("no certificate persisted for %s", fingerprint))
	}
	if err != nil {
		return nil, nil, CertMeta{}, acmeerr.Storage("failed to load certificate").WithUnderlying(err)
	}
	return chainPEM, keyPEM, meta, nil
}

func (s *SQLiteStore) ListCertificates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM certificates`)
	if err != nil {
		return nil, acmeerr.Storage("failed to list certificates").WithUnderlying(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, acmeerr.Storage("failed to scan certificate row").WithUnderlying(err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRenewalFailed(ctx context.Context, fingerprint string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE certificates SET renewal_failed_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE fingerprint = ?`, reason, fingerprint)
	if err != nil {
		return acmeerr.Storage("failed to mark renewal failed").WithUnderlying(err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
