// Package bus broadcasts execution events to WebSocket subscribers and
// brokers confirmation rendezvous between the engine and connected clients.
// It binds to loopback only; remote access is out of scope.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/pkg/models"
)

const (
	sendBuffer      = 256
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second

	// DefaultHeartbeatInterval spaces heartbeat frames.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultConfirmTimeout applies when a confirmation declares no timeout.
	DefaultConfirmTimeout = 60 * time.Second
)

// Bus is the event fan-out hub. Broadcast never blocks: a subscriber whose
// send buffer is full is unregistered and its connection closed.
type Bus struct {
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	heartbeat time.Duration

	// activeExecutions reports in-flight skill runs for heartbeat frames.
	activeExecutions func() int

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	// publishMu serializes fan-out so every subscriber observes the same
	// frame order.
	publishMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingConfirmation

	server   *http.Server
	listener net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type pendingConfirmation struct {
	executionID string
	stepID      string
	answer      chan string
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "bus")
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// WithActiveExecutions wires the engine's in-flight counter into heartbeats.
func WithActiveExecutions(fn func() int) Option {
	return func(b *Bus) {
		if fn != nil {
			b.activeExecutions = fn
		}
	}
}

// New creates a Bus. Call Listen to serve WebSocket clients, or mount
// Handler on an existing server in tests.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:           slog.Default().With("component", "bus"),
		now:              time.Now,
		heartbeat:        DefaultHeartbeatInterval,
		activeExecutions: func() int { return 0 },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
		pending:     make(map[string]*pendingConfirmation),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Listen binds the WebSocket endpoint and the prometheus handler on the
// given loopback address and starts the heartbeat loop. Port 0 picks a free
// port; Addr reports the bound address.
func (b *Bus) Listen(host string, port int) error {
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("bind event bus: %w", err)
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/ws", b.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	b.server = &http.Server{Handler: mux}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("event bus serve failed", "error", err)
		}
	}()
	go b.heartbeatLoop()

	b.logger.Info("event bus listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Listen.
func (b *Bus) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Close stops the heartbeat, shuts the HTTP server down, and drops all
// subscribers.
func (b *Bus) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })

	var err error
	if b.server != nil {
		err = b.server.Shutdown(ctx)
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*subscriber]struct{})
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
		if b.metrics != nil {
			b.metrics.ClientDisconnected()
		}
	}

	b.wg.Wait()
	return err
}

// Handler returns the WebSocket upgrade handler.
func (b *Bus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := &subscriber{
			bus:    b,
			conn:   conn,
			addr:   conn.RemoteAddr().String(),
			send:   make(chan []byte, sendBuffer),
			done:   make(chan struct{}),
			topics: map[models.Topic]struct{}{models.TopicAll: {}},
		}
		b.register(sub)
		go sub.writeLoop()
		sub.readLoop()
		b.unregister(sub)
	})
}

// ClientCount returns the number of connected subscribers.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish broadcasts one event to every subscriber whose topics match. The
// call never blocks; slow subscribers are silently unregistered.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	topic := models.TopicFor(ev.Type)

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.EventPublished(string(topic))
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var dropped []*subscriber
	for _, sub := range subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.logger.Warn("dropping slow subscriber", "addr", sub.addr)
		b.unregister(sub)
		sub.close()
	}
}

// ConfirmRequest describes a confirmation the engine is waiting on.
type ConfirmRequest struct {
	ExecutionID string
	StepID      string
	Message     string
	Options     []models.ConfirmOption
	Default     string
	Timeout     time.Duration
}

// AwaitConfirmation publishes confirmation_required and blocks until a
// matching answer arrives, the timeout elapses (the declared default is
// returned, never an error), or ctx is cancelled.
func (b *Bus) AwaitConfirmation(ctx context.Context, req ConfirmRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	id := uuid.NewString()
	pc := &pendingConfirmation{
		executionID: req.ExecutionID,
		stepID:      req.StepID,
		answer:      make(chan string, 1),
	}
	b.pendingMu.Lock()
	b.pending[id] = pc
	b.pendingMu.Unlock()
	if b.metrics != nil {
		b.metrics.ConfirmationOpened()
	}
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		if b.metrics != nil {
			b.metrics.ConfirmationClosed()
		}
	}()

	ev := models.NewEvent(models.EventConfirmationRequired, req.ExecutionID, models.ConfirmationRequiredData{
		ConfirmationID: id,
		StepID:         req.StepID,
		Message:        req.Message,
		Options:        req.Options,
		Default:        req.Default,
		TimeoutSeconds: int(timeout / time.Second),
	})
	b.Publish(ev)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-pc.answer:
		return answer, nil
	case <-timer.C:
		b.logger.Info("confirmation timed out, using default",
			"confirmation_id", id, "step", req.StepID, "default", req.Default)
		return req.Default, nil
	case <-ctx.Done():
		return "", models.NewToolError(models.KindCancelled, "confirmation %s cancelled", id)
	}
}

// Resolve delivers an answer to a pending confirmation. Unknown ids are
// ignored and reported false.
func (b *Bus) Resolve(confirmationID, answer string) bool {
	b.pendingMu.Lock()
	pc, ok := b.pending[confirmationID]
	if ok {
		delete(b.pending, confirmationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}

	select {
	case pc.answer <- answer:
	default:
	}
	b.Publish(models.NewEvent(models.EventConfirmationAnswer, pc.executionID, models.ConfirmationAnswerData{
		ConfirmationID: confirmationID,
		Answer:         answer,
	}))
	return true
}

func (b *Bus) register(sub *subscriber) {
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ClientConnected()
	}
	b.logger.Debug("subscriber connected", "addr", sub.addr, "clients", count)
}

func (b *Bus) unregister(sub *subscriber) {
	b.mu.Lock()
	_, present := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()
	if present && b.metrics != nil {
		b.metrics.ClientDisconnected()
	}
}

func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Publish(models.NewEvent(models.EventHeartbeat, "", models.HeartbeatData{
				ServerStatus:     "running",
				ActiveExecutions: b.activeExecutions(),
				ConnectedClients: b.ClientCount(),
			}))
		}
	}
}
