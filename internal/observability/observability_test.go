package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingPublisher struct {
	routingKey string
	headers    map[string]string
}

func (p *recordingPublisher) PublishJSON(_ context.Context, routingKey string, _ interface{}, headers map[string]string) error {
	p.routingKey = routingKey
	p.headers = headers
	return nil
}

func TestClientMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-Device-Id", "phone")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	meta := ClientMetaFromRequest(req)
	assert.Equal(t, "req-1", meta.RequestID)
	assert.Equal(t, "phone", meta.DeviceID)
	assert.Equal(t, "203.0.113.7", meta.IP)

	bare := httptest.NewRequest("GET", "/ws", nil)
	bare.RemoteAddr = "192.0.2.1:5555"
	meta = ClientMetaFromRequest(bare)
	assert.NotEmpty(t, meta.RequestID)
	assert.Equal(t, "192.0.2.1", meta.IP)
}

func TestPublishEvent(t *testing.T) {
	t.Cleanup(func() { SetPublisher(nil) })

	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "ws_events.chats", nil, nil))

	pub := &recordingPublisher{}
	SetPublisher(pub)
	evt := WSLifecycleEvent("ws_connect", "conn-1", "a1", "", "127.0.0.1", "", 0)
	assert.NoError(t, PublishEvent(context.Background(), "ws_events.chats", evt, BuildHeaders("req-1", "")))
	assert.Equal(t, "ws_events.chats", pub.routingKey)
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, pub.headers)
	assert.Equal(t, "ws_connect", evt.EventName)
}
