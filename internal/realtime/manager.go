package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/normalize"
)

// DefaultReconnectBackoff is the fixed delay between reconnect attempts.
const DefaultReconnectBackoff = time.Second

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock driving reconnect waits.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithReconnectBackoff sets the fixed reconnect delay.
func WithReconnectBackoff(delay time.Duration) ManagerOption {
	return func(m *Manager) {
		if delay > 0 {
			m.reconnectBackoff = delay
		}
	}
}

// Manager owns the set of live subscriptions. At most one live handle exists
// per topic name; subscribing again replaces the previous handle.
type Manager struct {
	mu               sync.Mutex
	transport        Transport
	logger           *zap.Logger
	clock            clock.Clock
	reconnectBackoff time.Duration
	live             map[string]*Handle
	closed           bool
}

// NewManager constructs a Manager over transport.
func NewManager(transport Transport, options ...ManagerOption) *Manager {
	manager := &Manager{
		transport:        transport,
		logger:           zap.NewNop(),
		clock:            clock.New(),
		reconnectBackoff: DefaultReconnectBackoff,
		live:             make(map[string]*Handle),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// Subscribe opens a subscription and returns its handle. onEvent runs on the
// subscription goroutine and must not call Unsubscribe for its own handle.
func (m *Manager) Subscribe(topic Topic, kinds []string, onEvent func(normalize.RawChange)) (*Handle, error) {
	if err := topic.validate(); err != nil {
		return nil, err
	}
	if onEvent == nil {
		return nil, fmt.Errorf("%w: nil event callback", ErrInvalidTopic)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	previous := m.live[topic.Name()]
	delete(m.live, topic.Name())
	m.mu.Unlock()

	if previous != nil {
		m.logger.Info("replacing live subscription", zap.String("topic", topic.Name()))
		previous.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		manager: m,
		topic:   topic,
		kinds:   append([]string(nil), kinds...),
		onEvent: onEvent,
		active:  true,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrManagerClosed
	}
	if other := m.live[topic.Name()]; other != nil {
		defer other.stop()
	}
	m.live[topic.Name()] = handle
	m.mu.Unlock()

	go handle.run(ctx)
	return handle, nil
}

// Unsubscribe tears the handle down. It is idempotent and once it returns the
// handle's callback never runs again.
func (m *Manager) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	if m.live[handle.topic.Name()] == handle {
		delete(m.live, handle.topic.Name())
	}
	m.mu.Unlock()
	handle.stop()
}

// Live returns the number of live subscriptions.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close unsubscribes everything and rejects further subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.live))
	for name, handle := range m.live {
		handles = append(handles, handle)
		delete(m.live, name)
	}
	m.mu.Unlock()
	for _, handle := range handles {
		handle.stop()
	}
}

// Handle is one subscription.
type Handle struct {
	manager *Manager
	topic   Topic
	kinds   []string
	onEvent func(normalize.RawChange)
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	state    State
	active   bool
	attempts int

	deliverMu sync.Mutex
	stopOnce  sync.Once
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() Topic {
	return h.topic
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts returns how many times the channel has been opened.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *Handle) setState(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	h.state = state
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.active = false
		h.state = StateClosed
		h.mu.Unlock()
		h.cancel()
		<-h.done
		// Wait out a delivery that raced with deactivation.
		h.deliverMu.Lock()
		h.deliverMu.Unlock()
	})
}

func (h *Handle) deliver(change normalize.RawChange) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if !active {
		return
	}
	h.onEvent(change)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	logger := h.manager.logger.With(zap.String("topic", h.topic.Name()))
	policy := backoff.WithContext(backoff.NewConstantBackOff(h.manager.reconnectBackoff), ctx)
	notify := func(err error, wait time.Duration) {
		h.setState(StateReconnecting)
		logger.Warn("realtime channel lost; reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int("attempt", h.Attempts()),
		)
	}
	err := backoff.RetryNotifyWithTimer(func() error {
		return h.session(ctx, logger)
	}, policy, notify, &clockTimer{clock: h.manager.clock})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("realtime subscription ended", zap.Error(err))
	}
}

// session joins the channel once and pumps it until it fails.
func (h *Handle) session(ctx context.Context, logger *zap.Logger) error {
	h.mu.Lock()
	h.attempts++
	h.mu.Unlock()
	h.setState(StateConnecting)

	channel, err := h.manager.transport.Open(ctx, h.topic, h.kinds)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("%w: open: %v", ErrChannelFailed, err)
	}
	defer func() {
		if closeErr := channel.Close(); closeErr != nil {
			logger.Debug("realtime channel close failed", zap.Error(closeErr))
		}
	}()

	messages := channel.Messages()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("%w: stream ended", ErrChannelFailed)
			}
			switch message.Status {
			case StatusSubscribed:
				h.setState(StateSubscribed)
				logger.Info("realtime channel subscribed")
			case StatusChannelError, StatusTimedOut, StatusClosed:
				return fmt.Errorf("%w: %s: %v", ErrChannelFailed, message.Status, message.Err)
			}
			if message.Change != nil {
				h.deliver(*message.Change)
			}
		}
	}
}

// clockTimer adapts a clock.Clock timer to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(duration time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.Timer(duration)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
