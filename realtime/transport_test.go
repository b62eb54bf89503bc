package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectResubscribe(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	received := make(chan *ChangeEvent, 8)
	channel := client.Channel("todos")
	err := channel.OnInsert(
		ChangeFilter{Schema: "public", Table: "todos", Predicate: "user_id=eq.U1"},
		func(event *ChangeEvent) {
			received <- event
		},
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)
	assert.Equal(t, server.helloCountSnapshot(), 1)

	server.dropConnections()

	// the transport reconnects and silently resubscribes.
	// the caller never re-registers listeners.
	waitFor(t, 10*time.Second, func() bool {
		return server.helloCountSnapshot() == 2
	})
	waitFor(t, 10*time.Second, func() bool {
		return channel.State() == ChannelSubscribed
	})
	assert.Equal(t, server.subscribeCount(), 2)

	// events delivered post-reconnect reach the original callback
	server.send(insertMessage("todos", "public", "todos", &todoRecord{Id: 1, UserId: "U1"}))
	select {
	case event := <-received:
		assert.Equal(t, event.Kind, ChangeInsert)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestReconnectResendsUnackedSubscribe(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	// hold the acknowledgment so the first subscription stays in flight
	server.mutex.Lock()
	server.ackSubscribes = false
	server.mutex.Unlock()

	channel := client.Channel("todos")
	assert.Equal(t, channel.OnInsert(ChangeFilter{Schema: "public", Table: "todos"}, func(event *ChangeEvent) {}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), false), nil)
	waitFor(t, 5*time.Second, func() bool {
		return server.subscribeCount() == 1
	})

	server.mutex.Lock()
	server.ackSubscribes = true
	server.mutex.Unlock()
	server.dropConnections()

	// the transport dropped before the acknowledgment. the reconnect
	// re-sends the request; the channel is never stranded in subscribing.
	waitFor(t, 10*time.Second, func() bool {
		return server.subscribeCount() == 2
	})
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)
	assert.Equal(t, channel.State(), ChannelSubscribed)
}

func TestStaleBroadcastNotReplayed(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()

	channel := client.Channel("room")
	assert.Equal(t, channel.OnBroadcast("cursor", func(event *BroadcastEvent) {}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), false), nil)

	// a broadcast that slipped into the queue as its session ended.
	// application data is not retried, so a later connection must not
	// transmit it. the queued subscription is re-sent instead.
	client.transport.controls <- &Message{
		Topic: "room",
		Event: EventBroadcast,
		Ref:   client.transport.nextRef(),
		Payload: requirePayload(&BroadcastPayload{
			Event:   "cursor",
			Payload: requirePayload(map[string]int{"x": 1}),
		}),
	}

	assert.Equal(t, client.Connect(), nil)
	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelSubscribed
	})
	server.mutex.Lock()
	broadcastCount := len(server.broadcasts)
	server.mutex.Unlock()
	assert.Equal(t, broadcastCount, 0)
}

func TestDropMarksChannelsResubscribing(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	settings := testSettings()
	// hold the transport in backoff long enough to observe the state
	settings.ReconnectMinTimeout = 1 * time.Second
	settings.ReconnectMaxTimeout = 2 * time.Second
	client := NewClient(context.Background(), server.url(), nil, settings)
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	channel := client.Channel("todos")
	assert.Equal(t, channel.OnInsert(ChangeFilter{Schema: "public", Table: "todos"}, func(event *ChangeEvent) {}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)

	server.dropConnections()

	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelSubscribing
	})
	// listener registrations are preserved across the reconnect window
	channel.stateMutex.Lock()
	listenerCount := len(channel.changeListeners)
	channel.stateMutex.Unlock()
	assert.Equal(t, listenerCount, 1)
}

func TestResubscriptionFailureSurfaced(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	surfaced := make(chan error, 8)
	channel := client.Channel("todos")
	channel.OnError(func(err error) {
		surfaced <- err
	})
	assert.Equal(t, channel.OnInsert(ChangeFilter{Schema: "public", Table: "todos"}, func(event *ChangeEvent) {}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)

	// reject the resubscription after the drop
	server.mutex.Lock()
	server.ackSubscribes = false
	server.mutex.Unlock()
	server.dropConnections()

	waitFor(t, 10*time.Second, func() bool {
		return server.subscribeCount() == 2
	})
	server.mutex.Lock()
	request := server.subscribes[1]
	server.mutex.Unlock()
	server.send(&Message{
		Topic:   request.Topic,
		Event:   EventReply,
		Ref:     request.Ref,
		Payload: requirePayload(&ReplyPayload{Status: "error", Reason: "table gone"}),
	})

	select {
	case err := <-surfaced:
		assert.Equal(t, errorIs(err, ErrResubscriptionFailed), true)
	case <-time.After(5 * time.Second):
		t.Fatal("resubscription failure not surfaced")
	}
	// the channel stays subscribing. the next reconnect retries.
	assert.Equal(t, channel.State(), ChannelSubscribing)
}

func TestConnectTimeout(t *testing.T) {
	settings := testSettings()
	settings.ConnectTimeout = 200 * time.Millisecond
	settings.WsHandshakeTimeout = 100 * time.Millisecond

	// nothing listens here
	client := NewClient(context.Background(), "ws://127.0.0.1:1", nil, settings)
	defer client.Disconnect()

	err := client.Connect()
	assert.Equal(t, errorIs(err, ErrConnect), true)
	// the caller may retry
	err = client.Connect()
	assert.Equal(t, errorIs(err, ErrConnect), true)
}

func TestConnectAfterDisconnect(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	assert.Equal(t, client.Connect(), nil)
	client.Disconnect()

	// disconnect is terminal for this client instance
	err := client.Connect()
	assert.Equal(t, errorIs(err, ErrConnect), true)
	assert.Equal(t, client.State(), StateDisconnected)
}

func TestReconnectBackoffBounds(t *testing.T) {
	backoff := newReconnect(100*time.Millisecond, 400*time.Millisecond)
	assert.Equal(t, backoff.timeout, 100*time.Millisecond)
	backoff.After()
	assert.Equal(t, backoff.timeout, 200*time.Millisecond)
	backoff.After()
	backoff.After()
	// capped
	assert.Equal(t, backoff.timeout, 400*time.Millisecond)
	backoff.Reset()
	assert.Equal(t, backoff.timeout, 100*time.Millisecond)
}

func TestQueuedControlsDrainOnConnect(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()

	// subscribe before connect. the subscription takes effect on connect.
	channel := client.Channel("todos")
	assert.Equal(t, channel.OnInsert(ChangeFilter{Schema: "public", Table: "todos"}, func(event *ChangeEvent) {}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), false), nil)
	assert.Equal(t, channel.State(), ChannelSubscribing)

	assert.Equal(t, client.Connect(), nil)
	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelSubscribed
	})
	assert.Equal(t, server.subscribeCount(), 1)
}

func TestStateTransitions(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	assert.Equal(t, client.State(), StateDisconnected)
	assert.Equal(t, client.Connect(), nil)
	assert.Equal(t, client.State(), StateConnected)
	client.Disconnect()
	waitFor(t, 5*time.Second, func() bool {
		return client.State() == StateDisconnected
	})
}

func TestRouteDropsUnknownTopic(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	// events for a topic with no channel are dropped, not fatal
	server.send(insertMessage("nobody", "public", "todos", &todoRecord{Id: 1}))

	received := make(chan *ChangeEvent, 1)
	channel := client.Channel("todos")
	assert.Equal(t, channel.OnInsert(ChangeFilter{Schema: "public", Table: "todos"}, func(event *ChangeEvent) {
		received <- event
	}), nil)
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)
	server.send(insertMessage("todos", "public", "todos", &todoRecord{Id: 2}))

	select {
	case event := <-received:
		record, err := DecodeNew[todoRecord](event)
		assert.Equal(t, err, nil)
		assert.Equal(t, record.Id, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}
