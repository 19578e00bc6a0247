// Package eventbus fans manager events out to subscribers by topic.
package eventbus

import (
	"reflect"
	"sync/atomic"

	"github.com/cskr/pubsub/v2"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the per-subscriber buffer size.
const DefaultCapacity = 32

// Subscription receives the messages published on its topics.
type Subscription chan any

// Bus is a topic-keyed publish/subscribe hub. Publishing never blocks: a
// subscriber whose buffer is full misses the message.
type Bus struct {
	ps     *pubsub.PubSub[string, any]
	logger *logrus.Logger
	closed atomic.Bool
}

// New creates a bus with the given per-subscriber capacity.
func New(capacity int, logger *logrus.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		ps:     pubsub.New[string, any](capacity),
		logger: logger,
	}
}

// Publish sends msg to every subscriber of topic.
func (b *Bus) Publish(topic string, msg any) {
	if b.closed.Load() {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"topic":        topic,
		"payload_type": payloadType(msg),
	}).Trace("publish")
	b.ps.TryPub(msg, topic)
}

// Subscribe returns a subscription to the given topics.
func (b *Bus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.WithField("topics", topics).Debug("subscribe")
	return ch
}

// Unsubscribe removes ch from topics, or from every topic if none are given.
// The channel is closed once it has no topics left.
func (b *Bus) Unsubscribe(ch Subscription, topics ...string) {
	if b.closed.Load() {
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.WithField("topics", topics).Debug("unsubscribe")
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.ps.Shutdown()
	}
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
