// Package registry tracks the live client connections.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/protocol"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrSessionClosed  = errors.New("session closed")
)

// Conn is the part of a WebSocket connection the registry writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Gauge receives the number of live sessions.
type Gauge interface {
	Set(float64)
}

// Session is one live connection. Writes are serialized per session.
type Session struct {
	ID string

	conn         Conn
	clock        clockwork.Clock
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64
	closed       atomic.Bool
}

func (s *Session) Send(v any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(s.clock.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("[%s] failed to send frame: %w", s.ID, err)
	}
	return nil
}

func (s *Session) IsOpen() bool {
	return !s.closed.Load()
}

func (s *Session) LastSeen() time.Time {
	return time.UnixMilli(s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(s.clock.Now().UnixMilli())
}

// Registry maps client ids to sessions.
type Registry struct {
	sessions     sync.Map
	count        atomic.Int64
	clock        clockwork.Clock
	writeTimeout time.Duration
	gauge        Gauge
}

type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.writeTimeout = d }
}

func WithGauge(g Gauge) Option {
	return func(r *Registry) { r.gauge = g }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:        clockwork.NewRealClock(),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a session for conn and tells the client its id.
func (r *Registry) Register(conn Conn) (*Session, error) {
	session := &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		clock:        r.clock,
		writeTimeout: r.writeTimeout,
	}
	session.touch()
	r.sessions.Store(session.ID, session)
	r.updateCount(1)
	logger.InfoF("Client %s connected", session.ID)

	if err := session.Send(protocol.NewConnectionFrame(session.ID)); err != nil {
		r.Unregister(session.ID)
		return nil, err
	}
	return session, nil
}

func (r *Registry) Lookup(clientID string) (*Session, bool) {
	if value, ok := r.sessions.Load(clientID); ok {
		return value.(*Session), true
	}
	return nil, false
}

// Unregister drops the session. Unknown ids are ignored.
func (r *Registry) Unregister(clientID string) {
	value, ok := r.sessions.LoadAndDelete(clientID)
	if !ok {
		return
	}
	value.(*Session).closed.Store(true)
	r.updateCount(-1)
	logger.InfoF("Client %s disconnected", clientID)
}

func (r *Registry) IsReachable(clientID string) bool {
	session, ok := r.Lookup(clientID)
	return ok && session.IsOpen()
}

func (r *Registry) Send(clientID string, frame any) error {
	session, ok := r.Lookup(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return session.Send(frame)
}

// Touch records activity from the client.
func (r *Registry) Touch(clientID string) {
	if session, ok := r.Lookup(clientID); ok {
		session.touch()
	}
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

func (r *Registry) updateCount(delta int64) {
	n := r.count.Add(delta)
	if r.gauge != nil {
		r.gauge.Set(float64(n))
	}
}
