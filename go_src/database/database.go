package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"futuresdash/go_src/configuration"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/sirupsen/logrus"
)

const (
	duckDBMemoryLimit = "256MB"
	duckDBThreads     = "2"
)

// DashDB manages the DuckDB connection holding the dashboard's local state.
type DashDB struct {
	db       *sql.DB
	dbPath   string
	inMemory bool
}

// NewDashDB opens the database named in config. An in-memory database is used
// when useInMemory is set or config.Database.InMemory is true.
func NewDashDB(config *configuration.Config, useInMemory bool) (*DashDB, error) {
	if config != nil && config.Database.InMemory {
		useInMemory = true
	}

	dbPath := ":memory:"
	if !useInMemory {
		if config == nil || config.Database.DBName == "" {
			return nil, fmt.Errorf("database path (DBName) not provided in configuration")
		}
		dbPath = config.Database.DBName
		dbDir := filepath.Dir(dbPath)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if mkDirErr := os.MkdirAll(dbDir, 0755); mkDirErr != nil {
				return nil, fmt.Errorf("failed to create database directory '%s': %w", dbDir, mkDirErr)
			}
		}
	}

	connStr := ""
	if !useInMemory {
		connStr = fmt.Sprintf("%s?access_mode=READ_WRITE", dbPath)
	}
	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB database at %s: %w", dbPath, err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB database at %s: %w", dbPath, err)
	}

	for _, confSQL := range []string{
		fmt.Sprintf("SET memory_limit='%s';", duckDBMemoryLimit),
		fmt.Sprintf("SET threads=%s;", duckDBThreads),
	} {
		if _, err := db.Exec(confSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply initial config '%s': %w", confSQL, err)
		}
	}

	logrus.Infof("Database: Opened DuckDB at %s", dbPath)
	return &DashDB{db: db, dbPath: dbPath, inMemory: useInMemory}, nil
}

// Close closes the database connection.
func (d *DashDB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// DB returns the underlying sql.DB object.
func (d *DashDB) DB() *sql.DB {
	return d.db
}

// Path returns the file path, or ":memory:".
func (d *DashDB) Path() string {
	return d.dbPath
}
