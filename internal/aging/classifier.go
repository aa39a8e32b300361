package aging

import (
	"time"

	"github.com/smallbiznis/arengine/internal/config"
	ledgerdomain "github.com/smallbiznis/arengine/internal/ledger/domain"
)

var order = [4]Bucket{Bucket0To30, Bucket31To60, Bucket61To90, Bucket91Plus}

type window struct {
	bucket  Bucket
	maxDays int // inclusive; -1 when unbounded
}

// Classifier assigns lines to windows. It is immutable and safe for concurrent use.
type Classifier struct {
	windows [4]window
}

// NewClassifier builds a classifier from configured windows, which must be
// contiguous from day 0 with an unbounded last window.
func NewClassifier(buckets []config.AgingBucket) (*Classifier, error) {
	if err := config.ValidateAgingBuckets(buckets); err != nil {
		return nil, err
	}

	c := &Classifier{}
	for i, b := range buckets {
		maxDays := -1
		if b.MaxDays != nil {
			maxDays = *b.MaxDays
		}
		c.windows[i] = window{bucket: order[i], maxDays: maxDays}
	}
	return c, nil
}

// Classify sums outstanding amounts per window relative to now. Lines dated in
// the future land in the first window.
func (c *Classifier) Classify(lines []ledgerdomain.ChargeLine, now time.Time) Buckets {
	var out Buckets
	for _, line := range lines {
		if line.OutstandingAmount <= 0 {
			continue
		}
		switch c.bucketFor(DaysOutstanding(line.ServiceDate, now)) {
		case Bucket0To30:
			out.D0To30 += line.OutstandingAmount
		case Bucket31To60:
			out.D31To60 += line.OutstandingAmount
		case Bucket61To90:
			out.D61To90 += line.OutstandingAmount
		default:
			out.D91Plus += line.OutstandingAmount
		}
	}
	return out
}

func (c *Classifier) bucketFor(days int) Bucket {
	if days < 0 {
		days = 0
	}
	for _, w := range c.windows {
		if w.maxDays < 0 || days <= w.maxDays {
			return w.bucket
		}
	}
	return Bucket91Plus
}

// DaysOutstanding is whole elapsed days between the service date and now.
func DaysOutstanding(serviceDate, now time.Time) int {
	const day = 24 * time.Hour
	d := now.Sub(serviceDate)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

