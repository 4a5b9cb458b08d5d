package user

import (
	"context"
	"database/sql"
)

// Repository reads the users table kept by the external directory service.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// MissingUsers returns the ids in ids that have no users row, in input order.
func (r *Repository) MissingUsers(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// OpenDirectory accepts every user id. It backs the memory driver, where no
// directory service is attached.
type OpenDirectory struct{}

func (OpenDirectory) MissingUsers(context.Context, []string) ([]string, error) {
	return nil, nil
}
