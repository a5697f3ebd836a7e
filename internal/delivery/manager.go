// Package delivery sends messages to connected clients and re-sends them
// until the client acknowledges, disconnects or the retry budget runs out.
//
// Every message gets a MessageId and a pending entry. A timer per entry
// schedules the next attempt; when it fires it only enqueues a job, and the
// worker goroutines started by Run perform the retry. Retry delays grow
// linearly: baseDelay after the first send, then baseDelay*(n+1) after the
// n-th retry.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/protocol"
)

const (
	DefaultBaseDelay  = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultQueueSize  = 1024
)

var ErrClientUnreachable = errors.New("client unreachable")

// Directory resolves client ids to live connections.
type Directory interface {
	IsReachable(clientID string) bool
	Send(clientID string, frame any) error
}

// Metrics observes delivery activity.
type Metrics interface {
	ObserveSend(retry bool)
	ObserveOutcome(state State)
	ObserveUnreachable()
	SetPending(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSend(bool)     {}
func (nopMetrics) ObserveOutcome(State) {}
func (nopMetrics) ObserveUnreachable()  {}
func (nopMetrics) SetPending(int)       {}

type pendingDelivery struct {
	mu sync.Mutex

	messageID  string
	clientID   string
	frame      protocol.Delivery
	retryCount int
	maxRetries int
	timer      clockwork.Timer
	state      State
}

// retryJob names the attempt a timer was armed for. A job whose attempt no
// longer matches the entry's retryCount came from a superseded timer.
type retryJob struct {
	messageID string
	attempt   int
}

type Manager struct {
	directory Directory
	clock     clockwork.Clock
	baseDelay time.Duration
	workers   int
	metrics   Metrics

	mu      sync.Mutex
	pending map[string]*pendingDelivery

	queue    chan retryJob
	stopped  chan struct{}
	stopOnce sync.Once
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithBaseDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.baseDelay = d
		}
	}
}

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan retryJob, n)
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

func NewManager(directory Directory, opts ...Option) *Manager {
	m := &Manager{
		directory: directory,
		clock:     clockwork.NewRealClock(),
		baseDelay: DefaultBaseDelay,
		workers:   1,
		metrics:   nopMetrics{},
		pending:   make(map[string]*pendingDelivery),
		queue:     make(chan retryJob, DefaultQueueSize),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deliver sends payload to clientID as an event frame and tracks it until it
// is acknowledged. A client that is not reachable now is not retried.
func (m *Manager) Deliver(clientID, event string, payload map[string]any, maxRetries int) (string, error) {
	if !m.directory.IsReachable(clientID) {
		logger.InfoF("Client %s not available", clientID)
		m.metrics.ObserveUnreachable()
		return "", ErrClientUnreachable
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	messageID := uuid.NewString()
	p := &pendingDelivery{
		messageID:  messageID,
		clientID:   clientID,
		frame:      protocol.NewDelivery(event, messageID, m.clock.Now(), payload),
		maxRetries: maxRetries,
		state:      Sent,
	}

	// The entry is visible before the frame leaves so an immediate
	// acknowledgment finds it; it waits on p.mu until the timer is armed.
	p.mu.Lock()
	defer p.mu.Unlock()
	m.mu.Lock()
	m.pending[messageID] = p
	pending := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetPending(pending)

	if err := m.directory.Send(clientID, p.frame); err != nil {
		logger.WarnF("[%s] Fail to send message %s, details: %v", clientID, messageID, err)
	} else {
		logger.InfoF("Sent message %s to client %s", messageID, clientID)
	}
	m.metrics.ObserveSend(false)
	m.schedule(p, m.baseDelay)
	return messageID, nil
}

// Acknowledge resolves a pending delivery. It reports whether the id was
// pending; duplicates and late acknowledgments return false.
func (m *Manager) Acknowledge(messageID string) bool {
	m.mu.Lock()
	p, ok := m.pending[messageID]
	if ok {
		delete(m.pending, messageID)
	}
	pending := len(m.pending)
	m.mu.Unlock()
	if !ok {
		logger.DebugF("Ignoring acknowledgment for unknown message %s", messageID)
		return false
	}
	m.metrics.SetPending(pending)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.state = Acknowledged
	if p.timer != nil {
		p.timer.Stop()
	}
	logger.InfoF("Received acknowledgment for message %s", messageID)
	m.metrics.ObserveOutcome(Acknowledged)
	return true
}

// Pending reports the number of deliveries awaiting acknowledgment.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run processes retry jobs until ctx is done, then cancels every pending
// delivery. In-flight state is not kept across restarts.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.queue:
					m.retry(job)
				}
			}
		}()
	}
	logger.DebugF("Delivery manager started with %d workers", m.workers)

	<-ctx.Done()
	m.stop()
	wg.Wait()
	return nil
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.mu.Lock()
	dropped := m.pending
	m.pending = make(map[string]*pendingDelivery)
	m.mu.Unlock()
	m.metrics.SetPending(0)

	for _, p := range dropped {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.state = Canceled
		p.mu.Unlock()
	}
	if len(dropped) > 0 {
		logger.InfoF("Dropped %d pending deliveries on shutdown", len(dropped))
	}
}

// schedule arms the retry timer for p's current attempt. Caller holds p.mu.
func (m *Manager) schedule(p *pendingDelivery, delay time.Duration) {
	job := retryJob{messageID: p.messageID, attempt: p.retryCount}
	p.timer = m.clock.AfterFunc(delay, func() {
		m.enqueue(job)
	})
}

func (m *Manager) enqueue(job retryJob) {
	select {
	case m.queue <- job:
	case <-m.stopped:
	}
}

func (m *Manager) retry(job retryJob) {
	m.mu.Lock()
	p, ok := m.pending[job.messageID]
	m.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() || p.retryCount != job.attempt {
		return
	}

	if p.retryCount >= p.maxRetries {
		logger.WarnF("Max retries reached for message %s", p.messageID)
		m.finish(p, Exhausted)
		return
	}

	if !m.directory.IsReachable(p.clientID) {
		logger.InfoF("Client %s no longer available, stopping retries of message %s", p.clientID, p.messageID)
		m.finish(p, ClientLost)
		return
	}

	p.retryCount++
	logger.InfoF("Retrying delivery of message %s (attempt %d)", p.messageID, p.retryCount+1)
	if err := m.directory.Send(p.clientID, p.frame); err != nil {
		logger.WarnF("[%s] Fail to resend message %s, details: %v", p.clientID, p.messageID, err)
	}
	m.metrics.ObserveSend(true)
	m.schedule(p, m.baseDelay*time.Duration(p.retryCount+1))
}

// finish moves p to a terminal state and drops it. Caller holds p.mu.
func (m *Manager) finish(p *pendingDelivery, state State) {
	m.mu.Lock()
	if current, ok := m.pending[p.messageID]; ok && current == p {
		delete(m.pending, p.messageID)
	}
	pending := len(m.pending)
	m.mu.Unlock()

	p.state = state
	if p.timer != nil {
		p.timer.Stop()
	}
	m.metrics.SetPending(pending)
	m.metrics.ObserveOutcome(state)
}
