// Package db opens and pools the record-store connections. SQLite is the
// default backend; PostgreSQL is used when database.host is configured.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/webmixgamer/trinity/internal/common/config"
)

// Open builds a Pool for the configured backend.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.UsePostgres() {
		pg, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		// pgx pools internally; reads and writes share one *sqlx.DB.
		return NewPool(pg, pg), nil
	}

	path := expandHome(cfg.Path)
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	return NewPool(writer, reader), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
