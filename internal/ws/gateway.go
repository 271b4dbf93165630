package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

// ChatService is the subset of chat.Service the live surface dispatches to.
type ChatService interface {
	CanAccess(ctx context.Context, me, conversationID string) error
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	MarkRead(ctx context.Context, me, conversationID string, until time.Time) (chat.ReadResult, error)
	Typing(ctx context.Context, me, conversationID string, isTyping bool) error
}

// Gateway authenticates live connections and routes their inbound frames.
type Gateway struct {
	hub      *Hub
	chat     ChatService
	verifier middleware.TokenVerifier
	logger   *slog.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(hub *Hub, service ChatService, verifier middleware.TokenVerifier, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{hub: hub, chat: service, verifier: verifier, logger: logger.With("component", "gateway")}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundFrame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

type roomRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendRequest struct {
	ConversationID  string         `json:"conversationId"`
	Text            string         `json:"text"`
	Images          []models.Image `json:"images"`
	ClientMessageID string         `json:"clientMessageId"`
}

type readRequest struct {
	ConversationID string     `json:"conversationId"`
	Until          *time.Time `json:"until"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Handle verifies the credential, upgrades the connection and binds it to the user.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}

	userID, err := g.verifier.ValidateToken(ctx, token)
	if err != nil {
		observability.IncWSEvent("connect", "unauthorized")
		span.SetStatus(codes.Error, "unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", userID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	meta := observability.ClientMetaFromRequest(c.Request)
	client := newClient(userID, conn, ConnInfo{
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	})
	g.hub.Register(client)
	client.Start()

	observability.IncWSEvent("connect", "ok")
	g.publishLifecycle(ctx, client, "ws_connect", "")

	go g.readLoop(context.WithoutCancel(ctx), client, conn)
}

func (g *Gateway) readLoop(ctx context.Context, client *Client, conn *websocket.Conn) {
	var closeReason string
	defer func() {
		g.hub.Unregister(client)
		client.Close(websocket.CloseNormalClosure, "")
		observability.IncWSEvent("disconnect", "ok")
		g.publishLifecycle(ctx, client, "ws_disconnect", closeReason)
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("read", "error")
				g.publishLifecycle(ctx, client, "ws_error", closeReason)
			}
			return
		}
		g.handleFrame(ctx, client, data)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, client *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.IncWSEvent("frame", "malformed")
		g.ack(client, "", nil, chat.NewValidationError("malformed frame"))
		return
	}

	result, err := g.safeDispatch(ctx, client, frame)
	if err != nil {
		observability.IncWSEvent(frame.Event, string(chat.KindOf(err)))
		if chat.KindOf(err) == chat.KindInternal {
			g.logger.Error("live event failed", "event", frame.Event, "user_id", client.UserID, "error", err)
		}
	} else {
		observability.IncWSEvent(frame.Event, "ok")
	}

	if frame.AckID == "" && err == nil {
		return
	}
	g.ack(client, frame.AckID, result, err)
}

// safeDispatch confines a panic to the frame that caused it.
func (g *Gateway) safeDispatch(ctx context.Context, client *Client, frame inboundFrame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.IncWSEvent(frame.Event, "panic")
			g.logger.Error("live event panicked", "event", frame.Event, "user_id", client.UserID,
				"panic", r, "stack", string(debug.Stack()))
			result, err = nil, chat.NewInternalError(fmt.Errorf("panic: %v", r))
		}
	}()
	return g.dispatch(ctx, client, frame)
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, frame inboundFrame) (any, error) {
	switch frame.Event {
	case models.EventConversationJoin:
		var req roomRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		if err := g.chat.CanAccess(ctx, client.UserID, req.ConversationID); err != nil {
			return nil, err
		}
		g.hub.Join(req.ConversationID, client)
		return req, nil

	case models.EventConversationLeave:
		var req roomRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		if err := chat.ValidateConversationID(req.ConversationID); err != nil {
			return nil, err
		}
		g.hub.Leave(req.ConversationID, client)
		return req, nil

	case models.EventMessageSend:
		var req sendRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		return g.chat.Send(ctx, chat.SendInput{
			UserID:          client.UserID,
			ConversationID:  req.ConversationID,
			Text:            req.Text,
			Images:          req.Images,
			ClientMessageID: req.ClientMessageID,
		})

	case models.EventMessageMarkRead:
		var req readRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		var until time.Time
		if req.Until != nil {
			until = *req.Until
		}
		return g.chat.MarkRead(ctx, client.UserID, req.ConversationID, until)

	case models.EventTypingSignal:
		var req typingRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		return nil, g.chat.Typing(ctx, client.UserID, req.ConversationID, req.IsTyping)
	}
	return nil, chat.NewValidationError("unknown event")
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return chat.NewValidationError("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return chat.NewValidationError("malformed data")
	}
	return nil
}

func (g *Gateway) ack(client *Client, ackID string, result any, err error) {
	payload := models.AckPayload{OK: err == nil, Result: result}
	if err != nil {
		payload.Result = nil
		payload.Error = &models.AckError{Code: string(chat.KindOf(err)), Message: chat.PublicMessage(err)}
	}
	frame, mErr := json.Marshal(models.Event{Event: models.EventAck, AckID: ackID, Data: payload})
	if mErr != nil {
		g.logger.Error("encode ack", "error", mErr)
		return
	}
	_ = client.Send(frame)
}

func (g *Gateway) publishLifecycle(ctx context.Context, client *Client, event, reason string) {
	info := client.Info
	envelope := observability.WSLifecycleEvent(event, info.ConnID, info.UserID, info.DeviceID, info.IP,
		reason, time.Since(info.ConnectedAt).Milliseconds())
	if err := observability.PublishEvent(ctx, wsRoutingKey, envelope, observability.BuildHeaders(info.RequestID, info.TraceID)); err != nil {
		g.logger.Debug("ws lifecycle event not published", "event", event, "error", err)
	}
}
