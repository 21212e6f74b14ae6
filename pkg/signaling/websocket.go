package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matrix-org/meshcall/pkg/common"
	"github.com/sirupsen/logrus"
)

const maxEnvelopeSize = 1 << 20

// WebSocketTransport reaches the signaling server over a websocket carrying one
// JSON envelope per text frame.
type WebSocketTransport struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *logrus.Entry
}

func NewWebSocketTransport(config WebSocketConfig, logger *logrus.Entry) *WebSocketTransport {
	return &WebSocketTransport{
		config: config.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.WithField("transport", TransportWebSocket),
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.config.Token != "" {
		header.Set("Authorization", "Bearer "+t.config.Token)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.config.URL, err)
	}

	ws.SetReadLimit(maxEnvelopeSize)

	conn := &webSocketConn{
		ws:           ws,
		writeTimeout: t.config.WriteTimeout,
		done:         make(chan struct{}),
	}

	heartbeat := common.Heartbeat{
		Interval: t.config.PingInterval,
		Timeout:  t.config.PongTimeout,
		SendPing: func() bool {
			deadline := time.Now().Add(t.config.WriteTimeout)
			return ws.WriteControl(websocket.PingMessage, nil, deadline) == nil
		},
		OnTimeout: func() {
			t.logger.Warn("no pong from the signaling server, dropping the connection")
			conn.Close()
		},
	}

	pong := heartbeat.Start(conn.done)
	ws.SetPongHandler(func(string) error {
		select {
		case pong <- common.Pong{}:
		default:
		}
		return nil
	})

	t.logger.WithField("url", t.config.URL).Info("connected to the signaling server")

	return conn, nil
}

type webSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *webSocketConn) Read() (Envelope, error) {
	var envelope Envelope
	if err := c.ws.ReadJSON(&envelope); err != nil {
		return Envelope{}, err
	}

	return envelope, nil
}

func (c *webSocketConn) Write(envelope Envelope) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}

	return c.ws.WriteJSON(envelope)
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})

	return err
}
