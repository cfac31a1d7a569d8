// Package storage - Preload stockpile operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Preload errors
var (
	ErrTypeNotFound    = errors.New("preload type not found")
	ErrTypeOutputsDiff = errors.New("preload type outputs changed")
)

// PreloadType is a registered bundle shape.
type PreloadType struct {
	ID        int64
	Name      string
	Outputs   string // JSON array of denominations in satoshis
	CreatedAt time.Time
}

// StoredBundle is one stockpiled bundle row. Data is the opaque bundle
// JSON written by the preload manager.
type StoredBundle struct {
	BundleID string
	Data     []byte
}

// EnsureType registers a preload type, returning its id. Re-registering
// an existing name with different outputs is an error; the operator must
// rename the type instead of silently redefining stockpiled bundles.
func (s *Storage) EnsureType(name, outputs string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var stored string
	err := s.db.QueryRow(`SELECT id, outputs FROM preload_types WHERE name = ?`, name).
		Scan(&id, &stored)
	if err == nil {
		if stored != outputs {
			return 0, fmt.Errorf("%w: type %s has outputs %s, requested %s",
				ErrTypeOutputsDiff, name, stored, outputs)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up preload type: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO preload_types (name, outputs, created_at) VALUES (?, ?, ?)
	`, name, outputs, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to register preload type: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read preload type id: %w", err)
	}
	return id, nil
}

// PruneTypes deletes registered types not in keep that have no
// stockpiled bundles. Types with remaining bundles are left so their
// stockpile stays claimable after a config change.
func (s *Storage) PruneTypes(keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT t.id, t.name FROM preload_types t
		WHERE NOT EXISTS (SELECT 1 FROM preloads p WHERE p.type_id = t.id)
	`)
	if err != nil {
		return fmt.Errorf("failed to list empty preload types: %w", err)
	}
	defer rows.Close()

	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[name] = true
	}

	var prune []int64
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("failed to scan preload type: %w", err)
		}
		if !kept[name] {
			prune = append(prune, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate preload types: %w", err)
	}

	for _, id := range prune {
		if _, err := s.db.Exec(`DELETE FROM preload_types WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to prune preload type %d: %w", id, err)
		}
	}
	return nil
}

// CountBundles returns the number of stockpiled bundles for a type.
func (s *Storage) CountBundles(typeID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM preloads WHERE type_id = ?`, typeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count preloads: %w", err)
	}
	return count, nil
}

// InsertBundles stores a batch of bundles in a single transaction. Either
// all bundles land or none do.
func (s *Storage) InsertBundles(typeID int64, bundles []StoredBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO preloads (type_id, bundle_id, data, created_at) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, b := range bundles {
		if _, err := stmt.Exec(typeID, b.BundleID, string(b.Data), now); err != nil {
			return fmt.Errorf("failed to insert bundle %s: %w", b.BundleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bundles: %w", err)
	}
	return nil
}

// ClaimBundle removes and returns the oldest stockpiled bundle of a type.
// The second return is false when the stockpile is empty.
func (s *Storage) ClaimBundle(typeID int64) (*StoredBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bundle StoredBundle
	var data string
	err := s.db.QueryRow(`
		DELETE FROM preloads
		WHERE id = (SELECT id FROM preloads WHERE type_id = ? ORDER BY id LIMIT 1)
		RETURNING bundle_id, data
	`, typeID).Scan(&bundle.BundleID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim bundle: %w", err)
	}

	bundle.Data = []byte(data)
	return &bundle, true, nil
}
