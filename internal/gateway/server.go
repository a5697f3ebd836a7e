// Package gateway accepts WebSocket clients, registers them and routes their
// acknowledgment frames to the delivery manager.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/registry"
)

// Acknowledger resolves pending deliveries by message id.
type Acknowledger interface {
	Acknowledge(messageID string) bool
}

type Options struct {
	MaxConnections int
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// CheckOrigin decides cross-origin upgrades; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	registry     *registry.Registry
	acks         Acknowledger
	upgrader     websocket.Upgrader
	sem          chan struct{}
	readTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
}

func New(reg *registry.Registry, acks Acknowledger, opts Options) *Gateway {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Minute
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Gateway{
		registry: reg,
		acks:     acks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sem:          make(chan struct{}, opts.MaxConnections),
		readTimeout:  opts.ReadTimeout,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case g.sem <- struct{}{}:
	default:
		logger.WarnF("Connection limit reached, rejecting %s", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-g.sem }()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an HTTP error
		logger.WarnF("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

	handler := &ConnectionHandler{
		conn:         conn,
		registry:     g.registry,
		acks:         g.acks,
		readTimeout:  g.readTimeout,
		pingInterval: g.pingInterval,
		writeTimeout: g.writeTimeout,
	}
	handler.handleConnection()
}
