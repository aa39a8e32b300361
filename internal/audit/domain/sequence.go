package domain

import (
	"context"
	"sync/atomic"
)

// Sequencer numbers audit records within one unit of work.
type Sequencer struct {
	n atomic.Int64
}

func (s *Sequencer) Next() int64 {
	return s.n.Add(1)
}

type sequencerKey struct{}

// WithSequencer starts a fresh unit-of-work sequence on ctx.
func WithSequencer(ctx context.Context) context.Context {
	return context.WithValue(ctx, sequencerKey{}, &Sequencer{})
}

// NextSequence returns the next number on ctx's sequencer, or 1 when the
// record is a unit of work on its own.
func NextSequence(ctx context.Context) int64 {
	if s, ok := ctx.Value(sequencerKey{}).(*Sequencer); ok && s != nil {
		return s.Next()
	}
	return 1
}
