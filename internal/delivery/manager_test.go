package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseDelay = 5 * time.Second

type sentFrame struct {
	clientID string
	frame    protocol.Delivery
}

type fakeDirectory struct {
	mu        sync.Mutex
	reachable map[string]bool
	sendErr   error
	sent      chan sentFrame
}

func newFakeDirectory(clients ...string) *fakeDirectory {
	d := &fakeDirectory{
		reachable: make(map[string]bool),
		sent:      make(chan sentFrame, 100),
	}
	for _, c := range clients {
		d.reachable[c] = true
	}
	return d
}

func (d *fakeDirectory) IsReachable(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reachable[clientID]
}

func (d *fakeDirectory) Send(clientID string, frame any) error {
	d.mu.Lock()
	err := d.sendErr
	d.mu.Unlock()
	d.sent <- sentFrame{clientID: clientID, frame: frame.(protocol.Delivery)}
	return err
}

func (d *fakeDirectory) disconnect(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.reachable, clientID)
}

type recordingMetrics struct {
	mu          sync.Mutex
	initial     int
	retries     int
	outcomes    map[State]int
	unreachable int
	pending     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: make(map[State]int)}
}

func (r *recordingMetrics) ObserveSend(retry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retry {
		r.retries++
	} else {
		r.initial++
	}
}

func (r *recordingMetrics) ObserveOutcome(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[state]++
}

func (r *recordingMetrics) ObserveUnreachable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable++
}

func (r *recordingMetrics) SetPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = n
}

func (r *recordingMetrics) outcome(state State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[state]
}

type harness struct {
	t       *testing.T
	clock   clockwork.FakeClock
	dir     *fakeDirectory
	metrics *recordingMetrics
	manager *Manager
}

func newHarness(t *testing.T, clients ...string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClock(),
		dir:     newFakeDirectory(clients...),
		metrics: newRecordingMetrics(),
	}
	h.manager = NewManager(h.dir,
		WithClock(h.clock),
		WithBaseDelay(baseDelay),
		WithWorkers(2),
		WithMetrics(h.metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) expectSend() sentFrame {
	h.t.Helper()
	select {
	case s := <-h.dir.sent:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("expected a send")
		return sentFrame{}
	}
}

func (h *harness) expectNoSend() {
	h.t.Helper()
	select {
	case s := <-h.dir.sent:
		h.t.Fatalf("unexpected send of message %s", s.frame.MessageID())
	case <-time.After(50 * time.Millisecond):
	}
}

// advance moves the clock once the next retry timer is armed.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
}

func (h *harness) waitSettled() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.manager.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeliverSendsImmediately(t *testing.T) {
	h := newHarness(t, "client-42")
	payload := map[string]any{"shortenedUrl": "http://localhost/AbCdEfGhIj"}

	id, err := h.manager.Deliver("client-42", protocol.EventURLShortened, payload, 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := h.expectSend()
	assert.Equal(t, "client-42", sent.clientID)
	assert.Equal(t, id, sent.frame.MessageID())
	assert.Equal(t, protocol.EventURLShortened, sent.frame.Type())
	assert.Equal(t, h.clock.Now().UnixMilli(), sent.frame[protocol.FieldTimestamp])
	assert.Equal(t, "http://localhost/AbCdEfGhIj", sent.frame["shortenedUrl"])
	assert.Equal(t, 1, h.manager.Pending())
	h.expectNoSend()
}

func TestRetriesFollowLinearBackoffUntilExhausted(t *testing.T) {
	h := newHarness(t, "client-42")

	id, err := h.manager.Deliver("client-42", protocol.EventURLShortened, map[string]any{"k": "v"}, 3)
	require.NoError(t, err)
	first := h.expectSend()

	// retries land at +5s, +10s, +15s after the previous send
	for retry := 1; retry <= 3; retry++ {
		delay := baseDelay * time.Duration(retry)
		h.advance(delay - time.Second)
		h.expectNoSend()
		h.clock.Advance(time.Second)

		resent := h.expectSend()
		assert.Equal(t, first.frame, resent.frame, "retry %d must resend the identical frame", retry)
		assert.Equal(t, 1, h.manager.Pending())
	}

	// the fourth timer exhausts the delivery without sending
	h.advance(4 * baseDelay)
	h.waitSettled()
	h.expectNoSend()

	assert.False(t, h.manager.Acknowledge(id))
	assert.Equal(t, 1, h.metrics.outcome(Exhausted))
	assert.Equal(t, 3, h.metrics.retries)
	assert.Equal(t, 1, h.metrics.initial)
}

func TestAcknowledgeBeforeRetryPreventsSend(t *testing.T) {
	h := newHarness(t, "client-42")

	id, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()

	assert.True(t, h.manager.Acknowledge(id))
	assert.Zero(t, h.manager.Pending())

	h.clock.Advance(time.Minute)
	h.expectNoSend()
	assert.Equal(t, 1, h.metrics.outcome(Acknowledged))
}

func TestAcknowledgeAfterRetry(t *testing.T) {
	h := newHarness(t, "client-42")

	id, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()

	h.advance(baseDelay)
	h.expectSend()

	h.clock.BlockUntil(1)
	assert.True(t, h.manager.Acknowledge(id))
	h.clock.Advance(time.Minute)
	h.expectNoSend()
}

func TestDuplicateAndUnknownAcknowledgments(t *testing.T) {
	h := newHarness(t, "client-42")

	id, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()

	assert.True(t, h.manager.Acknowledge(id))
	assert.False(t, h.manager.Acknowledge(id))
	assert.False(t, h.manager.Acknowledge("never-sent"))
	assert.Equal(t, 1, h.metrics.outcome(Acknowledged))
}

func TestClientLostStopsRetries(t *testing.T) {
	h := newHarness(t, "client-42")

	_, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()

	h.dir.disconnect("client-42")
	h.advance(baseDelay)
	h.waitSettled()
	h.expectNoSend()
	assert.Equal(t, 1, h.metrics.outcome(ClientLost))

	h.clock.Advance(time.Hour)
	h.expectNoSend()
}

func TestUnreachableClientIsNotTracked(t *testing.T) {
	h := newHarness(t)

	id, err := h.manager.Deliver("ghost", protocol.EventURLShortened, nil, 3)
	assert.ErrorIs(t, err, ErrClientUnreachable)
	assert.Empty(t, id)
	assert.Zero(t, h.manager.Pending())
	h.expectNoSend()
	assert.Equal(t, 1, h.metrics.unreachable)
}

func TestFailedSendIsStillTracked(t *testing.T) {
	h := newHarness(t, "client-42")
	h.dir.sendErr = errors.New("write: broken pipe")

	_, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()
	assert.Equal(t, 1, h.manager.Pending())
}

func TestZeroRetriesExhaustsAfterBaseDelay(t *testing.T) {
	h := newHarness(t, "client-42")

	_, err := h.manager.Deliver("client-42", protocol.EventURLShortened, nil, 0)
	require.NoError(t, err)
	h.expectSend()

	h.advance(baseDelay)
	h.waitSettled()
	h.expectNoSend()
	assert.Equal(t, 1, h.metrics.outcome(Exhausted))
}

func TestStaleRetryJobIsIgnored(t *testing.T) {
	dir := newFakeDirectory("client-42")
	m := NewManager(dir, WithClock(clockwork.NewFakeClock()))

	id, err := m.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	<-dir.sent

	// a timer that fired for an attempt already handled
	m.retry(retryJob{messageID: id, attempt: 2})
	assert.Len(t, dir.sent, 0)

	// a timer that raced with the acknowledgment
	require.True(t, m.Acknowledge(id))
	m.retry(retryJob{messageID: id, attempt: 0})
	assert.Len(t, dir.sent, 0)
}

func TestDeliveriesAreIndependent(t *testing.T) {
	h := newHarness(t, "a", "b")

	idA, err := h.manager.Deliver("a", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()
	_, err = h.manager.Deliver("b", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	h.expectSend()
	assert.NotEqual(t, "", idA)

	require.True(t, h.manager.Acknowledge(idA))
	h.advance(baseDelay)

	resent := h.expectSend()
	assert.Equal(t, "b", resent.clientID)
	assert.Equal(t, 1, h.manager.Pending())
}

func TestRunDropsPendingOnShutdown(t *testing.T) {
	dir := newFakeDirectory("client-42")
	clock := clockwork.NewFakeClock()
	m := NewManager(dir, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := m.Deliver("client-42", protocol.EventURLShortened, nil, 3)
	require.NoError(t, err)
	<-dir.sent

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, m.Pending())

	clock.Advance(time.Minute)
	assert.Len(t, dir.sent, 0)
}

func TestConcurrentDeliverAndAcknowledge(t *testing.T) {
	clients := make([]string, 20)
	for i := range clients {
		clients[i] = fmt.Sprintf("client-%d", i)
	}
	h := newHarness(t, clients...)
	h.dir.sent = make(chan sentFrame, 1000)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id, err := h.manager.Deliver(clientID, protocol.EventURLShortened, nil, 3)
				if assert.NoError(t, err) {
					h.manager.Acknowledge(id)
				}
			}
		}(c)
	}
	wg.Wait()

	assert.Zero(t, h.manager.Pending())
	assert.Equal(t, 200, h.metrics.outcome(Acknowledged))
}
