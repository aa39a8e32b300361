package db

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ConcurrencyConflict reports an optimistic version mismatch on update.
type ConcurrencyConflict struct {
	Entity string
	ID     int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency_conflict: %s %d was modified concurrently", e.Entity, e.ID)
}

// IsConcurrencyConflict reports whether err carries a ConcurrencyConflict.
func IsConcurrencyConflict(err error) bool {
	var cc *ConcurrencyConflict
	return errors.As(err, &cc)
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}
