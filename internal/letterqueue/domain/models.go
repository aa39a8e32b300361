package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/arengine/pkg/money"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// MaxAttempts is how many publish failures an entry survives before it is parked as failed.
const MaxAttempts = 5

// Entry is an outbox row for a letter that notification delivery must send.
type Entry struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID         snowflake.ID `gorm:"not null;index" json:"account_id"`
	RuleID            snowflake.ID `gorm:"not null" json:"rule_id"`
	Template          string       `gorm:"not null" json:"template"`
	TriggerActivityID snowflake.ID `gorm:"not null" json:"trigger_activity_id"`
	// Balance and Currency are the account balance when the letter was queued.
	Balance           int64        `gorm:"not null;default:0" json:"balance"`
	Currency          string       `gorm:"not null;default:USD" json:"currency"`
	DedupKey          string       `gorm:"not null;uniqueIndex" json:"dedup_key"`
	Status            Status       `gorm:"not null;default:pending;index" json:"status"`
	Attempts          int          `gorm:"not null" json:"attempts"`
	LastError         string       `json:"last_error,omitempty"`
	PublishedAt       *time.Time   `json:"published_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Entry) TableName() string { return "collection_letter_queue" }

// Message is the payload published to the letters queue.
type Message struct {
	LetterID   string `json:"letter_id"`
	AccountID  string `json:"account_id"`
	Template   string `json:"template"`
	ActivityID string `json:"activity_id"`
	// Balance is a decimal string at the currency's scale, e.g. "1200.00".
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

func (e Entry) Message() Message {
	return Message{
		LetterID:   e.ID.String(),
		AccountID:  e.AccountID.String(),
		Template:   e.Template,
		ActivityID: e.TriggerActivityID.String(),
		Balance:    money.Format(e.Balance, e.Currency),
		Currency:   e.Currency,
	}
}

type Repository interface {
	// Insert reports false when an entry with the same dedup key already exists.
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
}

// Publisher hands a letter to the transport. It must be safe to call again for
// the same entry; consumers dedup on the message id.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
}

var (
	ErrPublisherClosed = errors.New("letter_publisher_closed")
	ErrPublishNacked   = errors.New("letter_publish_nacked")
)
