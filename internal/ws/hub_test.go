package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/models"
)

const testConv = "0b6f2c1e-4a53-4c1b-9a4e-3f1f6f0a9d11"

func newTestClient(userID string) *Client {
	return newClient(userID, nil, ConnInfo{})
}

func receive(t *testing.T, c *Client) models.Event {
	t.Helper()
	select {
	case raw := <-c.send:
		var evt models.Event
		require.NoError(t, json.Unmarshal(raw, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatalf("expected a frame for %s", c.UserID)
		return models.Event{}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.UserID, raw)
	default:
	}
}

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub(nil)
	c := newTestClient("a1")
	hub.Register(c)

	hub.Join(testConv, c)
	hub.Join(testConv, c)
	assert.True(t, hub.InRoom(testConv, c))
	assert.Len(t, hub.rooms[testConv], 1)

	hub.Leave(testConv, c)
	hub.Leave(testConv, c)
	assert.False(t, hub.InRoom(testConv, c))
	assert.Empty(t, hub.rooms)
}

func TestHubJoinRequiresRegistration(t *testing.T) {
	hub := NewHub(nil)
	c := newTestClient("a1")

	hub.Join(testConv, c)
	assert.False(t, hub.InRoom(testConv, c))
	assert.Empty(t, hub.rooms)
}

func TestHubUnregisterClearsBothScopes(t *testing.T) {
	hub := NewHub(nil)
	c := newTestClient("a1")
	hub.Register(c)
	hub.Join(testConv, c)

	hub.Unregister(c)
	assert.Empty(t, hub.rooms)
	assert.Empty(t, hub.users)
	assert.Empty(t, hub.clients)
}

func TestHubToRoomExcludesUser(t *testing.T) {
	hub := NewHub(nil)
	a := newTestClient("a1")
	b := newTestClient("b1")
	hub.Register(a)
	hub.Register(b)
	hub.Join(testConv, a)
	hub.Join(testConv, b)

	hub.ToRoom(testConv, models.Event{Event: models.EventTyping}, "a1")

	assert.Equal(t, models.EventTyping, receive(t, b).Event)
	assertNoFrame(t, a)
}

func TestHubRoomAndPersonalScopesAreIndependent(t *testing.T) {
	hub := NewHub(nil)
	a := newTestClient("a1")
	hub.Register(a)

	// Not joined: room broadcasts skip it, personal channel still reaches it.
	hub.ToRoom(testConv, models.Event{Event: models.EventMessageNew}, "")
	assertNoFrame(t, a)

	hub.ToUser("a1", models.Event{Event: models.EventConversationUpdate})
	assert.Equal(t, models.EventConversationUpdate, receive(t, a).Event)

	// Leaving a room does not affect the personal channel.
	hub.Join(testConv, a)
	hub.Leave(testConv, a)
	hub.ToUser("a1", models.Event{Event: models.EventNotify})
	assert.Equal(t, models.EventNotify, receive(t, a).Event)
}

func TestHubToUserReachesEveryDevice(t *testing.T) {
	hub := NewHub(nil)
	phone := newTestClient("b1")
	laptop := newTestClient("b1")
	hub.Register(phone)
	hub.Register(laptop)

	hub.ToUser("b1", models.Event{Event: models.EventConversationUpdate})

	assert.Equal(t, models.EventConversationUpdate, receive(t, phone).Event)
	assert.Equal(t, models.EventConversationUpdate, receive(t, laptop).Event)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	c := newTestClient("a1")
	hub.Register(c)

	for i := 0; i < sendBufferSize+1; i++ {
		hub.ToUser("a1", models.Event{Event: models.EventNotify})
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("expected slow client to be closed")
	}
	assert.Empty(t, hub.users)
}
