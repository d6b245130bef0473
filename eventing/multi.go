package eventing

import (
	"context"

	"github.com/sharedcode/tcoord"
)

// MultiSink fans a single Publish out to every wrapped sink. Used to publish to both
// the in-process Feed and an optional durable KafkaSink.
type MultiSink struct {
	sinks []tcoord.EventSink
}

// NewMultiSink wraps sinks, skipping any nil entries.
func NewMultiSink(sinks ...tcoord.EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

var _ tcoord.EventSink = (*MultiSink)(nil)

func (m *MultiSink) Publish(ctx context.Context, ev tcoord.GlobalTransactionEvent) {
	for _, s := range m.sinks {
		s.Publish(ctx, ev)
	}
}

func (m *MultiSink) Close() error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
