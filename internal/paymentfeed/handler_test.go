package paymentfeed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	plandomain "github.com/smallbiznis/arengine/internal/paymentplan/domain"
	"github.com/smallbiznis/arengine/internal/paymentplan/domain/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDecodeEvent(t *testing.T) {
	body := []byte(`{"payment_id":" pmt-1 ","plan_id":"1234","amount":"100.25","currency":"usd","posted_at":"2026-05-01T10:00:00+07:00","source":"lockbox"}`)

	payment, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "pmt-1", payment.PaymentID)
	assert.Equal(t, snowflake.ID(1234), payment.PlanID)
	assert.Equal(t, int64(10_025), payment.Amount)
	assert.Equal(t, "USD", payment.Currency)
	assert.Equal(t, time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC), payment.PostedAt)
}

func TestDecodeNumericAmount(t *testing.T) {
	payment, err := Decode([]byte(`{"payment_id":"p","plan_id":77,"amount":42.5,"currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4_250), payment.Amount)
	assert.Equal(t, snowflake.ID(77), payment.PlanID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"no payment id": `{"plan_id":"1","amount":"1","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`,
		"bad plan id":   `{"payment_id":"p","plan_id":"abc","amount":"1","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`,
		"no posted at":  `{"payment_id":"p","plan_id":"1","amount":"1","currency":"USD"}`,
		"zero amount":   `{"payment_id":"p","plan_id":"1","amount":"0","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`,
		"sub cent":      `{"payment_id":"p","plan_id":"1","amount":"1.005","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedEvent)
			assert.True(t, Permanent(err))
		})
	}
}

func TestHandleAppliesPayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	plans := mocks.NewMockService(ctrl)
	handler := NewHandler(plans, zaptest.NewLogger(t))
	body := []byte(`{"payment_id":"p1","plan_id":"9","amount":"10","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`)

	plans.EXPECT().
		ApplyPayment(gomock.Any(), plandomain.PostedPayment{
			PaymentID: "p1",
			PlanID:    9,
			Amount:    1_000,
			Currency:  "USD",
			PostedAt:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		}).
		Return(plandomain.PostingResult{PlanID: 9, PaymentID: "p1", Applied: 1_000}, nil).
		Times(1)

	require.NoError(t, handler.Handle(context.Background(), body))
}

func TestHandleSurfacesPlanErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	plans := mocks.NewMockService(ctrl)
	handler := NewHandler(plans, zaptest.NewLogger(t))
	body := []byte(`{"payment_id":"p2","plan_id":"9","amount":"10","currency":"USD","posted_at":"2026-05-01T00:00:00Z"}`)

	plans.EXPECT().
		ApplyPayment(gomock.Any(), gomock.Any()).
		Return(plandomain.PostingResult{}, plandomain.ErrPlanNotFound)

	err := handler.Handle(context.Background(), body)
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
	assert.True(t, Permanent(err))
}

func TestHandleRejectsMalformedWithoutApplying(t *testing.T) {
	ctrl := gomock.NewController(t)
	plans := mocks.NewMockService(ctrl)
	handler := NewHandler(plans, zaptest.NewLogger(t))

	plans.EXPECT().ApplyPayment(gomock.Any(), gomock.Any()).Times(0)

	err := handler.Handle(context.Background(), []byte(`{"payment_id":"p3"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestPermanentClassification(t *testing.T) {
	assert.True(t, Permanent(fmt.Errorf("apply: %w", plandomain.ErrPlanNotFound)))
	assert.True(t, Permanent(plandomain.ErrPlanNotActive))
	assert.True(t, Permanent(plandomain.ErrCurrencyMismatch))
	assert.False(t, Permanent(errors.New("connection reset")))
	assert.False(t, Permanent(context.DeadlineExceeded))
}
