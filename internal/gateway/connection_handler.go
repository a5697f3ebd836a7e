package gateway

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/registry"
)

type ConnectionHandler struct {
	conn         *websocket.Conn
	registry     *registry.Registry
	acks         Acknowledger
	clientID     string
	readTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.clientID)
		if err := c.conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.clientID, err)
		}
	}()

	session, err := c.registry.Register(c.conn)
	if err != nil {
		logger.WarnF("Fail to register connection from %s, details: %v", c.conn.RemoteAddr(), err)
		return
	}
	c.clientID = session.ID
	defer c.registry.Unregister(c.clientID)

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(done)

	c.handleFrames()
}

func (c *ConnectionHandler) handleFrames() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.registry.Touch(c.clientID)
		return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			handleReadError(c.clientID, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.registry.Touch(c.clientID)

		if messageType != websocket.TextMessage {
			logger.WarnF("[%s] Ignoring non-text frame", c.clientID)
			continue
		}
		c.handleFrame(data)
	}
}

func (c *ConnectionHandler) handleFrame(data []byte) {
	frame, err := protocol.ParseInbound(data)
	if err != nil {
		logger.WarnF("[%s] Error processing client message: %v", c.clientID, err)
		return
	}

	logger.DebugF("[%s] Receive %s frame", c.clientID, frame.Type)

	switch {
	case frame.IsAcknowledgment():
		if frame.MessageID == "" {
			logger.WarnF("[%s] Acknowledgment without messageId", c.clientID)
			return
		}
		c.acks.Acknowledge(frame.MessageID)
	default:
		logger.WarnF("[%s] %s frame has not been supported", c.clientID, frame.Type)
	}
}

func (c *ConnectionHandler) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.DebugF("[%s] Fail to send ping, details: %v", c.clientID, err)
				return
			}
		}
	}
}

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(clientID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.InfoF("[%s] Client close connection", clientID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", clientID)
	case isNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", clientID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", clientID, err)
	}
}
