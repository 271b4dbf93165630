package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
)

type stubVerifier struct{}

func (stubVerifier) ValidateToken(_ context.Context, token string) (string, error) {
	if strings.HasPrefix(token, "t-") {
		return strings.TrimPrefix(token, "t-"), nil
	}
	return "", errors.New("invalid token")
}

// panicConv makes stubChat.Typing panic.
const panicConv = "6a1f3a52-8a35-4a8e-9c8e-0d7c1f9bdead"

type typingCall struct {
	me, conversationID string
	isTyping           bool
}

type stubChat struct {
	sent   chan chat.SendInput
	typing chan typingCall
}

func (s *stubChat) CanAccess(_ context.Context, me, conversationID string) error {
	if err := chat.ValidateConversationID(conversationID); err != nil {
		return err
	}
	if me != "a1" && me != "b1" {
		return chat.ErrForbidden
	}
	return nil
}

func (s *stubChat) Send(_ context.Context, in chat.SendInput) (chat.SendResult, error) {
	s.sent <- in
	if in.Text == "" {
		return chat.SendResult{}, chat.NewValidationError("empty message")
	}
	return chat.SendResult{Message: models.Message{ID: "m1", ConversationID: in.ConversationID, SenderID: in.UserID, Text: in.Text}}, nil
}

func (s *stubChat) MarkRead(_ context.Context, me, conversationID string, until time.Time) (chat.ReadResult, error) {
	return chat.ReadResult{ConversationID: conversationID, Until: until, Marked: 1}, nil
}

func (s *stubChat) Typing(_ context.Context, me, conversationID string, isTyping bool) error {
	if conversationID == panicConv {
		panic("typing exploded")
	}
	if err := chat.ValidateConversationID(conversationID); err != nil {
		return err
	}
	s.typing <- typingCall{me: me, conversationID: conversationID, isTyping: isTyping}
	return nil
}

func startGateway(t *testing.T) (*Hub, *stubChat, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	svc := &stubChat{sent: make(chan chat.SendInput, 4), typing: make(chan typingCall, 4)}
	router := gin.New()
	router.GET("/ws", NewGateway(hub, svc, stubVerifier{}, nil).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, svc, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type ackFrame struct {
	Event string            `json:"event"`
	AckID string            `json:"ackId"`
	Data  models.AckPayload `json:"data"`
}

func readAck(t *testing.T, conn *websocket.Conn) ackFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ackFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, models.EventAck, frame.Event)
	return frame
}

func TestGatewayRejectsInvalidCredential(t *testing.T) {
	_, _, url := startGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=bogus", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayJoinAndRoomDelivery(t *testing.T) {
	hub, _, url := startGateway(t)
	conn := dial(t, url, http.Header{"Authorization": {"Bearer t-a1"}})

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": models.EventConversationJoin,
		"ackId": "1",
		"data":  map[string]string{"conversationId": testConv},
	}))
	ack := readAck(t, conn)
	assert.Equal(t, "1", ack.AckID)
	assert.True(t, ack.Data.OK)

	hub.ToRoom(testConv, models.Event{Event: models.EventMessageNew, Data: map[string]string{"conversationId": testConv}}, "")
	var evt models.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, models.EventMessageNew, evt.Event)

	hub.ToUser("a1", models.Event{Event: models.EventConversationUpdate})
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, models.EventConversationUpdate, evt.Event)
}

func TestGatewayJoinMalformedIDCreatesNoSubscription(t *testing.T) {
	hub, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": models.EventConversationJoin,
		"ackId": "j",
		"data":  map[string]string{"conversationId": "not-a-uuid"},
	}))
	ack := readAck(t, conn)
	assert.False(t, ack.Data.OK)
	require.NotNil(t, ack.Data.Error)
	assert.Equal(t, string(chat.KindValidation), ack.Data.Error.Code)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.rooms)
}

func TestGatewayJoinForbidden(t *testing.T) {
	hub, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-z9", nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": models.EventConversationJoin,
		"ackId": "j",
		"data":  map[string]string{"conversationId": testConv},
	}))
	ack := readAck(t, conn)
	require.NotNil(t, ack.Data.Error)
	assert.Equal(t, string(chat.KindForbidden), ack.Data.Error.Code)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.rooms)
}

func TestGatewaySendAcksWithResult(t *testing.T) {
	_, svc, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": models.EventMessageSend,
		"ackId": "s1",
		"data": map[string]any{
			"conversationId":  testConv,
			"text":            "hi",
			"clientMessageId": "c1",
		},
	}))
	ack := readAck(t, conn)
	assert.Equal(t, "s1", ack.AckID)
	assert.True(t, ack.Data.OK)

	in := <-svc.sent
	assert.Equal(t, "a1", in.UserID)
	assert.Equal(t, "c1", in.ClientMessageID)
}

func TestGatewayBadFrameKeepsConnectionOpen(t *testing.T) {
	_, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ack := readAck(t, conn)
	assert.False(t, ack.Data.OK)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "nope", "ackId": "u"}))
	ack = readAck(t, conn)
	assert.Equal(t, "u", ack.AckID)
	assert.Equal(t, string(chat.KindValidation), ack.Data.Error.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": models.EventMessageMarkRead,
		"ackId": "r",
		"data":  map[string]string{"conversationId": testConv},
	}))
	ack = readAck(t, conn)
	assert.True(t, ack.Data.OK)
}

func sendFrame(t *testing.T, conn *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "ackId": ackID, "data": data}))
}

func TestGatewayLeaveStopsRoomDelivery(t *testing.T) {
	hub, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	sendFrame(t, conn, models.EventConversationJoin, "j", map[string]string{"conversationId": testConv})
	require.True(t, readAck(t, conn).Data.OK)

	sendFrame(t, conn, models.EventConversationLeave, "l", map[string]string{"conversationId": testConv})
	ack := readAck(t, conn)
	assert.Equal(t, "l", ack.AckID)
	assert.True(t, ack.Data.OK)

	hub.ToRoom(testConv, models.Event{Event: models.EventMessageNew}, "")

	// the next frame must be the ack below, not the room event
	sendFrame(t, conn, models.EventConversationLeave, "bad", map[string]string{"conversationId": "not-a-uuid"})
	ack = readAck(t, conn)
	assert.Equal(t, "bad", ack.AckID)
	assert.False(t, ack.Data.OK)
	assert.Equal(t, string(chat.KindValidation), ack.Data.Error.Code)
}

func TestGatewayMarkReadAcksCutoff(t *testing.T) {
	_, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-b1", nil)

	sendFrame(t, conn, models.EventMessageMarkRead, "r1", map[string]string{
		"conversationId": testConv,
		"until":          "2024-05-01T12:05:00Z",
	})
	ack := readAck(t, conn)
	require.True(t, ack.Data.OK)
	result, ok := ack.Data.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, testConv, result["conversationId"])
	assert.Equal(t, "2024-05-01T12:05:00Z", result["until"])
	assert.EqualValues(t, 1, result["marked"])

	sendFrame(t, conn, models.EventMessageMarkRead, "r2", "not an object")
	ack = readAck(t, conn)
	assert.Equal(t, string(chat.KindValidation), ack.Data.Error.Code)
}

func TestGatewayTypingReachesService(t *testing.T) {
	_, svc, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	sendFrame(t, conn, models.EventTypingSignal, "ty", map[string]any{"conversationId": testConv, "isTyping": true})
	assert.True(t, readAck(t, conn).Data.OK)

	call := <-svc.typing
	assert.Equal(t, typingCall{me: "a1", conversationID: testConv, isTyping: true}, call)

	sendFrame(t, conn, models.EventTypingSignal, "", map[string]any{"conversationId": "nope", "isTyping": true})
	ack := readAck(t, conn)
	assert.Empty(t, ack.AckID)
	assert.Equal(t, string(chat.KindValidation), ack.Data.Error.Code)
}

func TestGatewayPanicInHandlerAcksInternal(t *testing.T) {
	_, _, url := startGateway(t)
	conn := dial(t, url+"?token=t-a1", nil)

	sendFrame(t, conn, models.EventTypingSignal, "p", map[string]any{"conversationId": panicConv, "isTyping": true})
	ack := readAck(t, conn)
	assert.Equal(t, "p", ack.AckID)
	assert.Equal(t, string(chat.KindInternal), ack.Data.Error.Code)
	assert.Equal(t, "internal error", ack.Data.Error.Message)

	sendFrame(t, conn, models.EventConversationJoin, "after", map[string]string{"conversationId": testConv})
	assert.True(t, readAck(t, conn).Data.OK)
}
