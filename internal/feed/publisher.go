// Package feed delivers the queue change feed to display consumers
// over redis pub/sub. One channel per queue; events are JSON encoded
// and carry the per-queue version so consumers can detect gaps and
// drop at-least-once duplicates.
package feed

import (
	"context"
	"fmt"
	"time"

	"order-router/internal/queue"
	"order-router/internal/redis"
)

const defaultPublishTimeout = 2 * time.Second

// Publisher implements queue.Publisher over redis pub/sub.
type Publisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewPublisher creates a publisher. prefix namespaces the channels,
// defaulting to "queue-feed".
func NewPublisher(client *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "queue-feed"
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		timeout: defaultPublishTimeout,
	}
}

// Channel returns the pub/sub channel for one queue.
func (p *Publisher) Channel(queueID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, queueID)
}

// Publish sends one event. The queue manager treats an error here as
// log-and-continue; queue mutation never blocks on the feed.
func (p *Publisher) Publish(event queue.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.Channel(event.QueueID), event)
}
