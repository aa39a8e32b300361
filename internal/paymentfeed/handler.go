package paymentfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/arengine/internal/paymentplan/domain"
	"github.com/smallbiznis/arengine/pkg/money"
	"go.uber.org/zap"
)

var ErrMalformedEvent = errors.New("malformed_payment_event")

// Event is the payment_posted message body. Amount may be a JSON string or number.
type Event struct {
	PaymentID string          `json:"payment_id"`
	PlanID    json.Number     `json:"plan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	PostedAt  time.Time       `json:"posted_at"`
}

// Decode parses and validates a message body into a posted payment.
func Decode(body []byte) (plandomain.PostedPayment, error) {
	var evt Event
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&evt); err != nil {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	paymentID := strings.TrimSpace(evt.PaymentID)
	if paymentID == "" {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: payment_id required", ErrMalformedEvent)
	}
	planID, err := strconv.ParseInt(strings.TrimSpace(evt.PlanID.String()), 10, 64)
	if err != nil || planID <= 0 {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: invalid plan_id %q", ErrMalformedEvent, evt.PlanID)
	}
	if evt.PostedAt.IsZero() {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: posted_at required", ErrMalformedEvent)
	}
	if !evt.Amount.IsPositive() {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: amount must be positive", ErrMalformedEvent)
	}
	amount, err := money.ToMinor(evt.Amount, evt.Currency)
	if err != nil {
		return plandomain.PostedPayment{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return plandomain.PostedPayment{
		PaymentID: paymentID,
		PlanID:    snowflake.ID(planID),
		Amount:    amount,
		Currency:  strings.ToUpper(strings.TrimSpace(evt.Currency)),
		PostedAt:  evt.PostedAt.UTC(),
	}, nil
}

// Handler applies decoded payments to their plans.
type Handler struct {
	plans plandomain.Service
	log   *zap.Logger
}

func NewHandler(plans plandomain.Service, log *zap.Logger) *Handler {
	return &Handler{plans: plans, log: log.Named("paymentfeed.handler")}
}

func (h *Handler) Handle(ctx context.Context, body []byte) error {
	payment, err := Decode(body)
	if err != nil {
		return err
	}
	_, err = h.plans.ApplyPayment(ctx, payment)
	return err
}

// Permanent reports errors that retrying the same message cannot fix.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, ErrMalformedEvent),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, plandomain.ErrPlanNotActive),
		errors.Is(err, plandomain.ErrCurrencyMismatch),
		errors.Is(err, plandomain.ErrInvalidAmount),
		errors.Is(err, plandomain.ErrInvalidPaymentID),
		errors.Is(err, plandomain.ErrInvalidPostedAt):
		return true
	}
	return false
}
