package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buddy/internal/protocol"
	"buddy/internal/session"
)

// ErrSendTimeout means the client did not drain its send buffer in time
var ErrSendTimeout = errors.New("send buffer full")

// clientSettings are the keepalive and buffering limits of one connection
type clientSettings struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	sendBuffer     int
}

func newClientSettings(config *Config) clientSettings {
	pongWait := config.GetPongWait()
	return clientSettings{
		writeWait:      config.GetWriteWait(),
		pongWait:       pongWait,
		pingPeriod:     (pongWait * 9) / 10,
		maxMessageSize: config.Server.WebSocket.MaxMessageSize,
		sendBuffer:     config.Server.WebSocket.SendBuffer,
	}
}

type frame struct {
	messageType int
	data        []byte
}

// Client is one live websocket connection. Frames are written by a single
// writer goroutine so per-connection send order is the order of Send calls.
type Client struct {
	conn     *websocket.Conn
	settings clientSettings
	send     chan frame
	done     chan struct{}
	logger   zerolog.Logger

	// Cancelled when the socket goes away; scopes work started for this
	// connection such as speech relays
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, settings clientSettings, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		settings: settings,
		send:     make(chan frame, settings.sendBuffer),
		done:     make(chan struct{}),
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send queues an event for the writer. Audio events go out as binary frames.
func (c *Client) Send(ev protocol.Event) error {
	f := frame{messageType: websocket.BinaryMessage, data: ev.Audio}
	if !ev.IsBinary() {
		data, err := ev.Encode()
		if err != nil {
			return err
		}
		f = frame{messageType: websocket.TextMessage, data: data}
	}

	select {
	case <-c.done:
		return session.ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.settings.writeWait)
	defer timer.Stop()

	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return session.ErrConnectionClosed
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrSendTimeout, c.settings.writeWait)
	}
}

// Context is cancelled once the connection closes
func (c *Client) Context() context.Context {
	return c.ctx
}

// Close stops both pumps exactly once
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump hands every text frame to handle until the peer goes away
func (c *Client) readPump(handle func(data []byte)) {
	defer func() {
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Debug().Int("message_type", messageType).Msg("Ignoring non-text frame")
			continue
		}
		handle(data)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.settings.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.writeWait))
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.logger.Debug().Err(err).Msg("Websocket write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.writeWait))
			return
		}
	}
}
