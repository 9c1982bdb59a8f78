package store

import (
	"database/sql"

	"github.com/jingkaihe/projgate/internal/errx"
)

// RootStore is the persistent root registry backed by the state
// database.
type RootStore struct {
	db *sql.DB
}

func NewRootStore(db *sql.DB) *RootStore {
	return &RootStore{db: db}
}

// SaveRoot records a root path. Saving an already known path is a no-op.
func (s *RootStore) SaveRoot(path string) error {
	if _, err := s.db.Exec(
		`INSERT INTO roots(path) VALUES (?) ON CONFLICT(path) DO NOTHING`, path,
	); err != nil {
		return errx.Wrap(ErrSaveRoot, err)
	}
	return nil
}

// ListRoots returns every recorded root path, sorted.
func (s *RootStore) ListRoots() ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM roots ORDER BY path`)
	if err != nil {
		return nil, errx.Wrap(ErrListRoots, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errx.Wrap(ErrListRoots, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrListRoots, err)
	}
	return paths, nil
}

// RemoveRoot forgets a root path.
func (s *RootStore) RemoveRoot(path string) error {
	if _, err := s.db.Exec(`DELETE FROM roots WHERE path = ?`, path); err != nil {
		return errx.Wrap(ErrRemoveRoot, err)
	}
	return nil
}
