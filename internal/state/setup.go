package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SetupManifest records what the last setup materialized, so `caseflow run`
// and `caseflow status` can work from the work directory alone.
type SetupManifest struct {
	CreatedAt time.Time `json:"created_at"`
	// Tasks are canonical task paths.
	Tasks []string `json:"tasks"`
	// Steps are canonical step paths, each set up once.
	Steps []string `json:"steps"`
}

// SaveSetup stores m as the current manifest, replacing older ones in the
// same transaction.
func (db *DB) SaveSetup(m *SetupManifest) error {
	tasks, err := json.Marshal(m.Tasks)
	if err != nil {
		return fmt.Errorf("marshal setup tasks: %w", err)
	}
	steps, err := json.Marshal(m.Steps)
	if err != nil {
		return fmt.Errorf("marshal setup steps: %w", err)
	}
	err = db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO setups (created_at, tasks, steps) VALUES (?, ?, ?)
		`, formatTime(m.CreatedAt), string(tasks), string(steps))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM setups WHERE id < ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("save setup: %w", err)
	}
	return nil
}

// LoadSetup returns the newest manifest, or nil if setup never ran.
func (db *DB) LoadSetup() (*SetupManifest, error) {
	row := db.QueryRow(`SELECT created_at, tasks, steps FROM setups ORDER BY id DESC LIMIT 1`)

	var m SetupManifest
	var createdAt, tasks, steps string
	err := row.Scan(&createdAt, &tasks, &steps)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load setup: %w", err)
	}
	m.CreatedAt, _ = parseTime(createdAt)
	if err := json.Unmarshal([]byte(tasks), &m.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal setup tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &m.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal setup steps: %w", err)
	}
	return &m, nil
}
