package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/countbot/countbot/internal/bus"
)

const (
	initialRestartBackoff = 5 * time.Second
	maxRestartBackoff     = 300 * time.Second

	// A channel that stayed up this long is considered healthy; its
	// backoff resets so a later crash restarts quickly.
	healthyRunThreshold = 60 * time.Second
)

// Manager supervises all registered channels and routes outbound messages
// from the bus to the right adapter.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a channel manager; adapters register before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// Register adds a channel. Call before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll launches a supervisor goroutine per channel plus the outbound
// dispatcher. Channel crashes are restarted with exponential backoff.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		m.wg.Add(1)
		go func(ch Channel) {
			defer m.wg.Done()
			m.supervise(ctx, ch)
		}(ch)
	}
}

// StopAll cancels the supervisors and stops every channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", ch.Name(), "error", err)
		}
	}
	m.wg.Wait()
	slog.Info("all channels stopped")
}

// supervise keeps one channel alive: run, wait, restart with backoff.
func (m *Manager) supervise(ctx context.Context, ch Channel) {
	backoff := initialRestartBackoff
	for {
		started := time.Now()
		err := ch.Start(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > healthyRunThreshold {
			backoff = initialRestartBackoff
		}
		slog.Error("channel exited, restarting",
			"channel", ch.Name(), "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

// dispatchOutbound drains the outbound queue. Messages to unknown
// channels and failed sends are logged and dropped, never retried: a
// crashing adapter must not wedge the queue.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel, "error", err)
		}
	}
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Status reports the running state of every registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
