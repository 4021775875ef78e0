package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Open builds the Store selected by driver ("sqlite" or "postgres"). For
// sqlite an explicit dsn wins over path.
func Open(ctx context.Context, driver, dsn, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(dsn) == "" {
			var err error
			dsn, err = SQLiteDSNForFile(path)
			if err != nil {
				return nil, err
			}
		}
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql", "pgx":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown chat store driver %q", driver)
	}
}
