package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSubscriber(t *testing.T) (*miniredis.Miniredis, *RedisSubscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	sub := NewRedisSubscriber(Options{Addr: mr.Addr()}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sub.Close() })
	return mr, sub
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return Message{}
	}
}

func TestRedisSubscriberPing(t *testing.T) {
	_, sub := newTestSubscriber(t)
	require.NoError(t, sub.Ping(context.Background()))

	down := NewRedisSubscriber(Options{Addr: "127.0.0.1:1"}, nil)
	defer down.Close()
	assert.Error(t, down.Ping(context.Background()))
}

func TestRedisSubscriberDeliversPatternMatches(t *testing.T) {
	mr, sub := newTestSubscriber(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx, "relay-*")
	require.NoError(t, err)

	mr.Publish("other-private-conversation.1", `{"event":"ignored"}`)
	mr.Publish("relay-private-conversation.42", `{"event":"message.new","data":{"id":1}}`)
	mr.Publish("relay-private-user.7", `{"event":"notification","data":null}`)

	first := receive(t, ch)
	assert.Equal(t, Message{
		Pattern: "relay-*",
		Channel: "relay-private-conversation.42",
		Payload: `{"event":"message.new","data":{"id":1}}`,
	}, first)

	second := receive(t, ch)
	assert.Equal(t, "relay-private-user.7", second.Channel)
}

func TestRedisSubscriberClosesChannelOnCancel(t *testing.T) {
	_, sub := newTestSubscriber(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := sub.Subscribe(ctx, "relay-*")
	require.NoError(t, err)

	_, err = sub.Subscribe(ctx, "relay-*")
	assert.Error(t, err, "second subscription must be refused")

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
