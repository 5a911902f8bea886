package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	return New(circuitbreaker.NewRedisWrapper(client, logger), Config{}, logger), s
}

func sampleTask(convID string) Task {
	return Task{
		CustomerPhone:  "+15551234567",
		Message:        "where is my order",
		ConversationID: convID,
		CorrelationID:  "corr-1",
		Platform:       "whatsapp",
		SourceLanguage: "en",
	}
}

func TestEnqueueDequeueRoundtrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	want := sampleTask("conv-1")
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, sampleTask("conv-1")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("conv-2")))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "conv-1", first.ConversationID)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "conv-2", second.ConversationID)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	task, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestDequeueDropsMalformedPayload(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	s.Lpush(q.Key(), "%%%not json%%%")
	require.NoError(t, q.Enqueue(ctx, sampleTask("conv-ok")))

	// The malformed entry is consumed and dropped, not returned.
	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv-ok", got.ConversationID)
}

func TestDepth(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	require.NoError(t, q.Enqueue(ctx, sampleTask("conv-1")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("conv-2")))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestDefaultKey(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Equal(t, DefaultKey, q.Key())
}
