package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router/internal/queue"
	"order-router/internal/redis"
)

func TestPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	publisher := NewPublisher(client, "")
	assert.Equal(t, "queue-feed:kitchen", publisher.Channel("kitchen"))

	ctx := context.Background()
	sub := client.Subscribe(ctx, publisher.Channel("kitchen"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	event := queue.Event{
		QueueID: "kitchen",
		Version: 3,
		Kind:    queue.EventItemMoved,
		ItemID:  "item-1",
		OrderID: "order-1",
		Status:  queue.StatusQueued,
		At:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.Publish(event))

	select {
	case msg := <-sub.Channel():
		var decoded queue.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
		assert.Equal(t, event, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("no feed event received")
	}
}

func TestPublisher_CustomPrefix(t *testing.T) {
	publisher := NewPublisher(nil, "orders")
	assert.Equal(t, "orders:bar", publisher.Channel("bar"))
}
