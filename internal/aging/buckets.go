// Package aging classifies outstanding charge lines into age windows.
package aging

import (
	"errors"
	"fmt"
)

type Bucket string

const (
	Bucket0To30  Bucket = "0_30"
	Bucket31To60 Bucket = "31_60"
	Bucket61To90 Bucket = "61_90"
	Bucket91Plus Bucket = "91_plus"
)

var ErrUnknownBucket = errors.New("unknown_aging_bucket")

// Tolerance is the allowed difference between the bucket sum and the balance, in minor units.
const Tolerance int64 = 1

func ParseBucket(raw string) (Bucket, error) {
	switch Bucket(raw) {
	case Bucket0To30, Bucket31To60, Bucket61To90, Bucket91Plus:
		return Bucket(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBucket, raw)
	}
}

// Buckets holds the per-window outstanding amounts in minor units.
type Buckets struct {
	D0To30  int64 `json:"0_30"`
	D31To60 int64 `json:"31_60"`
	D61To90 int64 `json:"61_90"`
	D91Plus int64 `json:"91_plus"`
}

func (b Buckets) Total() int64 {
	return b.D0To30 + b.D31To60 + b.D61To90 + b.D91Plus
}

// PastDue is everything beyond the first window.
func (b Buckets) PastDue() int64 {
	return b.D31To60 + b.D61To90 + b.D91Plus
}

func (b Buckets) Amount(bucket Bucket) int64 {
	switch bucket {
	case Bucket0To30:
		return b.D0To30
	case Bucket31To60:
		return b.D31To60
	case Bucket61To90:
		return b.D61To90
	case Bucket91Plus:
		return b.D91Plus
	default:
		return 0
	}
}

func (b Buckets) Map() map[string]any {
	return map[string]any{
		string(Bucket0To30):  b.D0To30,
		string(Bucket31To60): b.D31To60,
		string(Bucket61To90): b.D61To90,
		string(Bucket91Plus): b.D91Plus,
	}
}

// MismatchError reports buckets that do not sum to the ledger balance.
type MismatchError struct {
	Balance int64
	Total   int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("aging buckets sum to %d but balance is %d", e.Total, e.Balance)
}

// Verify checks the bucket sum against balance within Tolerance.
func (b Buckets) Verify(balance int64) error {
	diff := b.Total() - balance
	if diff < 0 {
		diff = -diff
	}
	if diff > Tolerance {
		return &MismatchError{Balance: balance, Total: b.Total()}
	}
	return nil
}
