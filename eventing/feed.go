// Package eventing provides EventSink implementations for GlobalTransactionEvent
// (spec.md §4.5): an in-process fan-out sink and an optional durable Kafka sink.
package eventing

import (
	"context"

	"github.com/ethereum/go-ethereum/event"

	"github.com/sharedcode/tcoord"
)

// Feed is an in-process tcoord.EventSink backed by go-ethereum's event.Feed.
// In-process observers receive every published event through Subscribe.
type Feed struct {
	feed event.Feed
}

// NewFeed returns an empty Feed ready to Publish/Subscribe.
func NewFeed() *Feed { return &Feed{} }

var _ tcoord.EventSink = (*Feed)(nil)

// Publish sends ev to every current subscriber. event.Feed.Send blocks until each
// subscribed channel has accepted ev, so a subscriber that stops receiving stalls
// Publish and the coordinator call that triggered it.
func (f *Feed) Publish(ctx context.Context, ev tcoord.GlobalTransactionEvent) {
	f.feed.Send(ev)
}

// Close is a no-op; event.Feed has no explicit shutdown.
func (f *Feed) Close() error { return nil }

// Subscribe registers ch to receive every event published until the returned
// Subscription is unsubscribed.
func (f *Feed) Subscribe(ch chan<- tcoord.GlobalTransactionEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}
