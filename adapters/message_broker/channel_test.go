package message_broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/domain"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	broker := NewChannelMessageBroker()
	defer broker.Close()
	ctx := context.Background()

	events, err := broker.Subscribe(ctx, domain.TurnEventsTopic, "session-1")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, domain.TurnEventsTopic, "session-1", []byte(`{"type":"delta"}`)))

	select {
	case msg := <-events:
		require.Equal(t, domain.TurnEventsTopic, msg.Topic)
		require.Equal(t, "session-1", msg.RoutingKey)
		require.JSONEq(t, `{"type":"delta"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestRoutingKeysIsolateSessions(t *testing.T) {
	broker := NewChannelMessageBroker()
	defer broker.Close()
	ctx := context.Background()

	a, err := broker.Subscribe(ctx, domain.TurnEventsTopic, "session-a")
	require.NoError(t, err)
	b, err := broker.Subscribe(ctx, domain.TurnEventsTopic, "session-b")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, domain.TurnEventsTopic, "session-a", []byte("for-a")))

	select {
	case msg := <-a:
		require.Equal(t, "for-a", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("subscriber a received nothing")
	}

	select {
	case msg := <-b:
		t.Fatalf("subscriber b received unexpected message: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	broker := NewChannelMessageBroker()
	require.NoError(t, broker.Close())
	require.True(t, broker.IsClosed())

	err := broker.Publish(context.Background(), domain.TurnEventsTopic, "s1", []byte("x"))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := NewChannelMessageBroker()
	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())
}

func TestPublishFullChannel(t *testing.T) {
	broker := NewChannelMessageBroker()
	defer broker.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, broker.Publish(ctx, domain.TurnEventsTopic, "s1", []byte("x")))
	}
	err := broker.Publish(ctx, domain.TurnEventsTopic, "s1", []byte("overflow"))
	require.Error(t, err)
}

func TestTopicCount(t *testing.T) {
	broker := NewChannelMessageBroker()
	defer broker.Close()
	ctx := context.Background()

	require.Zero(t, broker.TopicCount())
	_, err := broker.Subscribe(ctx, domain.TurnEventsTopic, "s1")
	require.NoError(t, err)
	_, err = broker.Subscribe(ctx, domain.TurnEventsTopic, "s2")
	require.NoError(t, err)
	require.Equal(t, 2, broker.TopicCount())
}
