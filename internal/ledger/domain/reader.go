package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Reader is the read interface onto the billing store.
type Reader interface {
	// ReadAccount reads balance and outstanding lines through db, which may be a
	// transaction holding the account row lock.
	ReadAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (Snapshot, error)
	// ListAccountIDs returns up to limit account ids greater than afterID, ascending.
	ListAccountIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}

var ErrAccountNotFound = errors.New("account_not_found")

// ExternalReadError wraps a failure reading from the billing store.
type ExternalReadError struct {
	Op  string
	Err error
}

func (e *ExternalReadError) Error() string {
	return fmt.Sprintf("external_read_error: %s: %v", e.Op, e.Err)
}

func (e *ExternalReadError) Unwrap() error { return e.Err }
