package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/cculver78/WireWarden/internal/domain"
)

const historyDBName = "history.db"

// EncryptedHistory implements domain.HistoryStore using a SQLCipher
// encrypted SQLite database. Transition records name tunnels and carry
// raw tool output, which can reveal network layout, so they do not sit
// on disk in the clear.
type EncryptedHistory struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedHistory opens (or creates) the encrypted history database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedHistory(dataDir string, key []byte) (*EncryptedHistory, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, historyDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify the key actually decrypts the database.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedHistory{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *EncryptedHistory) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel TEXT NOT NULL,
		verb TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT DEFAULT '',
		exit_code INTEGER DEFAULT 0,
		elapsed_ms INTEGER DEFAULT 0,
		origin TEXT NOT NULL,
		occurred_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_occurred ON transitions(occurred_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one transition record.
func (s *EncryptedHistory) Append(rec domain.TransitionRecord) error {
	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO transitions (tunnel, verb, outcome, detail, exit_code, elapsed_ms, origin, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Tunnel, rec.Verb, rec.Outcome, rec.Detail, rec.ExitCode, rec.ElapsedMs, rec.Origin, occurred.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *EncryptedHistory) Recent(limit int) ([]domain.TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, tunnel, verb, outcome, detail, exit_code, elapsed_ms, origin, occurred_at
		FROM transitions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var records []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var occurredAt int64
		if err := rows.Scan(&rec.ID, &rec.Tunnel, &rec.Verb, &rec.Outcome, &rec.Detail,
			&rec.ExitCode, &rec.ElapsedMs, &rec.Origin, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.OccurredAt = time.Unix(occurredAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneOlderThan deletes records older than the cutoff and returns how
// many were removed.
func (s *EncryptedHistory) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transitions WHERE occurred_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *EncryptedHistory) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *EncryptedHistory) Path() string {
	return s.dbPath
}

// Ensure EncryptedHistory implements domain.HistoryStore.
var _ domain.HistoryStore = (*EncryptedHistory)(nil)
