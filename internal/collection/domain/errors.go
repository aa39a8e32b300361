package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type IntegrityKind string

const (
	KindBucketMismatch    IntegrityKind = "bucket_mismatch"
	KindIllegalTransition IntegrityKind = "illegal_transition"
)

// DataIntegrityError marks state the engine refuses to apply.
type DataIntegrityError struct {
	Kind      IntegrityKind
	AccountID snowflake.ID
	Detail    string
	Err       error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data_integrity_error: %s on account %d: %s", e.Kind, e.AccountID, e.Detail)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

func IsDataIntegrity(err error) bool {
	var die *DataIntegrityError
	return errors.As(err, &die)
}

var (
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidActivity    = errors.New("invalid_activity_type")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrInvalidSettlement  = errors.New("invalid_settlement_amount")
	ErrMissingTransaction = errors.New("collection_requires_transaction")
)
