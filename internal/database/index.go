package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry describes one cached file.
type Entry struct {
	Database  string
	Filename  string
	SHA256    string
	Size      int64
	FetchedAt time.Time
}

// Index records which database files are in the cache and their digests.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cached_files (
			database TEXT NOT NULL,
			filename TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			size INTEGER NOT NULL,
			fetched_at DATETIME NOT NULL,
			PRIMARY KEY (database, filename)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the index.
func (x *Index) Close() error {
	return x.db.Close()
}

// Lookup returns the entry for database/filename, or nil.
func (x *Index) Lookup(database, filename string) (*Entry, error) {
	var e Entry
	err := x.db.QueryRow(`
		SELECT database, filename, sha256, size, fetched_at
		FROM cached_files WHERE database = ? AND filename = ?
	`, database, filename).Scan(&e.Database, &e.Filename, &e.SHA256, &e.Size, &e.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", database, filename, err)
	}
	return &e, nil
}

// Put records or replaces an entry.
func (x *Index) Put(e Entry) error {
	_, err := x.db.Exec(`
		INSERT OR REPLACE INTO cached_files (database, filename, sha256, size, fetched_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Database, e.Filename, e.SHA256, e.Size, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Database, e.Filename, err)
	}
	return nil
}

// Remove forgets an entry.
func (x *Index) Remove(database, filename string) error {
	_, err := x.db.Exec(`DELETE FROM cached_files WHERE database = ? AND filename = ?`, database, filename)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", database, filename, err)
	}
	return nil
}

// List returns every entry, ordered by database then filename.
func (x *Index) List() ([]Entry, error) {
	rows, err := x.db.Query(`
		SELECT database, filename, sha256, size, fetched_at
		FROM cached_files ORDER BY database, filename
	`)
	if err != nil {
		return nil, fmt.Errorf("list cached files: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Database, &e.Filename, &e.SHA256, &e.Size, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan cached file: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
