package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"Bt1QRec/db"
)

// TaxonomyRepository defines lookups from category ids to display names.
type TaxonomyRepository interface {
	GenreNames(ids []string) (map[string]string, error)
	TagNames(ids []string) (map[string]string, error)
	MoodNames(ids []string) (map[string]string, error)
}

// mysqlTaxonomyRepository implements TaxonomyRepository for MySQL.
type mysqlTaxonomyRepository struct {
	DB *sql.DB
}

// NewMySQLTaxonomyRepository creates a new instance of mysqlTaxonomyRepository.
func NewMySQLTaxonomyRepository() TaxonomyRepository {
	return &mysqlTaxonomyRepository{DB: db.DB}
}

func (r *mysqlTaxonomyRepository) GenreNames(ids []string) (map[string]string, error) {
	return r.namesByIDs("genres", ids)
}

func (r *mysqlTaxonomyRepository) TagNames(ids []string) (map[string]string, error) {
	return r.namesByIDs("tags", ids)
}

func (r *mysqlTaxonomyRepository) MoodNames(ids []string) (map[string]string, error) {
	return r.namesByIDs("moods", ids)
}

// namesByIDs resolves ids to names from one of the taxonomy tables.
// Unknown ids are simply absent from the result map.
func (r *mysqlTaxonomyRepository) namesByIDs(table string, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`SELECT id, name FROM %s WHERE id IN (%s)`, table, placeholders)

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s names: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan %s name row: %w", table, err)
		}
		names[id] = name
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for %s names: %w", table, err)
	}

	return names, nil
}
