package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.Send():
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_RoutesByUser(t *testing.T) {
	hub := startHub(t)
	alice := NewClient(hub, "alice")
	bob := NewClient(hub, "bob")
	hub.Register(alice)
	hub.Register(bob)

	b := NewEventBroadcaster(hub)
	conn := &models.Connection{ID: "conn-1", UserID: "alice", Provider: models.ProviderGoogle}
	b.SyncCompleted(conn, &models.SyncLog{ID: "log-1", Trigger: models.TriggerWebhook, Status: models.SyncStatusSuccess, EventsCreated: 2})

	msg := receive(t, alice)
	assert.Equal(t, TypeSyncCompleted, msg.Type)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, "conn-1", payload["connection_id"])
	assert.Equal(t, "webhook", payload["trigger"])
	assert.EqualValues(t, 2, payload["events_created"])

	assertSilent(t, bob)
}

func TestBroadcaster_FailureCodes(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, "")
	hub.Register(client)

	b := NewEventBroadcaster(hub)
	conn := &models.Connection{ID: "conn-1", UserID: "alice", Provider: models.ProviderGoogle}

	b.SyncFailed(conn, &models.SyncLog{ID: "log-1"}, provider.ErrAuth)
	msg := receive(t, client)
	assert.Equal(t, TypeSyncFailed, msg.Type)
	assert.Equal(t, "auth_error", msg.Payload.(map[string]any)["error"])

	b.ConnectionDegraded(conn, errors.New("invalid_grant"))
	msg = receive(t, client)
	assert.Equal(t, TypeConnectionDegraded, msg.Type)
	assert.Equal(t, "google", msg.Payload.(map[string]any)["provider"])

	b.ConflictDetected(conn, &models.Conflict{
		ID:               "c-1",
		EventID:          "e-1",
		Kind:             models.ConflictUpdateDelete,
		InternalSnapshot: models.Snapshot{Title: "Mine"},
		ExternalSnapshot: models.Snapshot{Title: "Theirs"},
	})
	msg = receive(t, client)
	assert.Equal(t, TypeConflictDetected, msg.Type)
	assert.Equal(t, "update_delete", msg.Payload.(map[string]any)["kind"])
}

func TestClient_Subscriptions(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, "alice")
	hub.Register(client)

	ack := client.Handle([]byte(`{"type":"subscribe","payload":{"connection_ids":["conn-2"]}}`))
	assert.Equal(t, TypeSubscribeAck, ack.Type)
	assert.Equal(t, []string{"conn-2"}, ack.Payload.(SubscribePayload).ConnectionIDs)

	hub.Publish("alice", "conn-1", []byte(`{"type":"sync.completed"}`))
	assertSilent(t, client)

	hub.Publish("alice", "conn-2", []byte(`{"type":"sync.completed"}`))
	assert.Equal(t, TypeSyncCompleted, receive(t, client).Type)

	client.Handle([]byte(`{"type":"unsubscribe","payload":{"connection_ids":["conn-2"]}}`))
	hub.Publish("alice", "conn-1", []byte(`{"type":"sync.completed"}`))
	assert.Equal(t, TypeSyncCompleted, receive(t, client).Type)
}

func TestClient_Commands(t *testing.T) {
	client := NewClient(NewHub(), "")

	assert.Equal(t, TypePong, client.Handle([]byte(`{"type":"ping"}`)).Type)

	reply := client.Handle([]byte(`not json`))
	assert.Equal(t, TypeError, reply.Type)

	reply = client.Handle([]byte(`{"type":"calendar.refresh"}`))
	require.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "unknown_type", reply.Payload.(ErrorPayload).Code)
}

func TestHub_Unregister(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, "")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-client.Send()
	assert.False(t, open)
}

func TestClient_Reply(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, "alice")
	assert.False(t, client.Reply([]byte(`{}`)), "unregistered client")

	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	reply, err := client.Handle([]byte(`{"type":"ping"}`)).JSON()
	require.NoError(t, err)
	require.True(t, client.Reply(reply))
	assert.Equal(t, TypePong, receive(t, client).Type)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, client.Reply(reply))
}
