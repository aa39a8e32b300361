package aging

import (
	"testing"
	"time"

	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func line(daysAgo int, amount int64) ledgerdomain.ChargeLine {
	return ledgerdomain.ChargeLine{
		ServiceDate:       now.Add(-time.Duration(daysAgo) * 24 * time.Hour),
		OutstandingAmount: amount,
	}
}

func TestFortyFiveDayLineLandsInThirtyOneToSixty(t *testing.T) {
	got := classify(t, []ledgerdomain.ChargeLine{line(45, 20000)}, now)
	assert.Equal(t, Buckets{D31To60: 20000}, got)
}

func TestWindowBoundaries(t *testing.T) {
	cases := []struct {
		days int
		want Bucket
	}{
		{0, Bucket0To30},
		{30, Bucket0To30},
		{31, Bucket31To60},
		{60, Bucket31To60},
		{61, Bucket61To90},
		{90, Bucket61To90},
		{91, Bucket91Plus},
		{400, Bucket91Plus},
		{-5, Bucket0To30},
	}
	for _, tc := range cases {
		got := classify(t, []ledgerdomain.ChargeLine{line(tc.days, 100)}, now)
		assert.Equal(t, int64(100), got.Amount(tc.want), "days=%d", tc.days)
		assert.Equal(t, int64(100), got.Total(), "days=%d", tc.days)
	}
}

func TestPartialDayDoesNotRoundUp(t *testing.T) {
	l := ledgerdomain.ChargeLine{ServiceDate: now.Add(-(30*24 + 23) * time.Hour), OutstandingAmount: 5}
	assert.Equal(t, int64(5), classify(t, []ledgerdomain.ChargeLine{l}, now).D0To30)
}

func TestZeroAndNegativeLinesIgnored(t *testing.T) {
	got := classify(t, []ledgerdomain.ChargeLine{line(10, 0), line(100, -50), line(100, 70)}, now)
	assert.Equal(t, Buckets{D91Plus: 70}, got)
}

func TestBucketSumEqualsBalance(t *testing.T) {
	lines := []ledgerdomain.ChargeLine{
		line(1, 1500), line(29, 2500), line(33, 10000), line(62, 777), line(95, 12345), line(365, 1),
	}
	var balance int64
	for _, l := range lines {
		balance += l.OutstandingAmount
	}
	got := classify(t, lines, now)
	assert.Equal(t, balance, got.Total())
	assert.NoError(t, got.Verify(balance))
	assert.NoError(t, got.Verify(balance+1))

	err := got.Verify(balance + 2)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, balance+2, mismatch.Balance)
}

func TestClassifyIsDeterministic(t *testing.T) {
	lines := []ledgerdomain.ChargeLine{line(5, 1), line(50, 2), line(80, 3), line(120, 4)}
	assert.Equal(t, classify(t, lines, now), classify(t, lines, now))
}

func TestCustomWindows(t *testing.T) {
	c, err := NewClassifier([]config.AgingBucket{
		{Label: "0-14", MinDays: 0, MaxDays: ptr(14)},
		{Label: "15-45", MinDays: 15, MaxDays: ptr(45)},
		{Label: "46-120", MinDays: 46, MaxDays: ptr(120)},
		{Label: "121+", MinDays: 121},
	})
	require.NoError(t, err)
	got := c.Classify([]ledgerdomain.ChargeLine{line(20, 10), line(100, 20), line(150, 30)}, now)
	assert.Equal(t, Buckets{D31To60: 10, D61To90: 20, D91Plus: 30}, got)

	_, err = NewClassifier([]config.AgingBucket{{MinDays: 0}})
	assert.Error(t, err)
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("91_plus")
	require.NoError(t, err)
	assert.Equal(t, Bucket91Plus, b)

	_, err = ParseBucket("120_plus")
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestDaysOutstandingFloorsNegative(t *testing.T) {
	assert.Equal(t, -1, DaysOutstanding(now.Add(time.Hour), now))
	assert.Equal(t, -1, DaysOutstanding(now.Add(24*time.Hour), now))
	assert.Equal(t, 1, DaysOutstanding(now.Add(-25*time.Hour), now))
}

func ptr(v int) *int { return &v }

func classify(t *testing.T, lines []ledgerdomain.ChargeLine, now time.Time) Buckets {
	t.Helper()
	c, err := NewClassifier(config.DefaultCollectionsConfig().AgingBuckets)
	require.NoError(t, err)
	return c.Classify(lines, now)
}
