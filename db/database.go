package db

import (
	"database/sql"
	"fmt"
	"log"

	"Bt1QRec/config"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to the database.")
	return nil
}

// InitDB initializes the taxonomy lookup tables used by the API layer.
// The beat catalog itself is owned by the upstream loader; we only make sure
// the name lookup tables exist so a fresh dev environment can boot.
func InitDB() error {
	if err := createTaxonomyTables(); err != nil {
		return err
	}
	log.Println("Database initialization completed.")
	return nil
}

func createTaxonomyTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS genres (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(100) NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(100) NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS moods (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(100) NOT NULL
		);`,
	}
	for _, query := range queries {
		if _, err := DB.Exec(query); err != nil {
			return fmt.Errorf("failed to create taxonomy table: %w", err)
		}
	}
	log.Println("Taxonomy tables initialized successfully (or already exist).")
	return nil
}
