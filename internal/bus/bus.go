// Package bus provides the in-process message bus connecting channel adapters
// to the agent runtime. Inbound messages flow through four priority queues with
// content deduplication, per-message retry and a dead-letter queue. Outbound
// messages flow through a single FIFO consumed by the channel dispatcher.
package bus

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRetries is how many delivery attempts a message gets before
	// landing in the dead-letter queue.
	DefaultMaxRetries = 3

	// dedupWindow is how long an identical (channel, chat, sender, content)
	// tuple is rejected after first sight.
	dedupWindow = 60 * time.Second
)

// MessageBus routes inbound and outbound messages between channels and the agent.
type MessageBus struct {
	mu   sync.Mutex
	cond *sync.Cond

	// One slice per priority, indexed by Priority. Drained urgent-first.
	inbound  [4][]QueuedMessage
	outbound []OutboundMessage

	// In-flight messages awaiting MarkDone/MarkFailed, keyed by message ID.
	inflight map[string]QueuedMessage

	dedup      map[string]time.Time
	deadLetter []DeadLetter

	persist *persister // nil when persistence is disabled
	closed  bool

	totalEnqueued     int64
	totalProcessed    int64
	totalFailed       int64
	totalDeduplicated int64
	totalRetried      int64

	now func() time.Time
}

// New creates a message bus. dataDir enables crash persistence of queued
// messages under <dataDir>/queue; pass "" to keep the queue memory-only.
func New(dataDir string) (*MessageBus, error) {
	b := &MessageBus{
		inflight: make(map[string]QueuedMessage),
		dedup:    make(map[string]time.Time),
		now:      time.Now,
	}
	b.cond = sync.NewCond(&b.mu)

	if dataDir != "" {
		p, err := newPersister(dataDir)
		if err != nil {
			return nil, fmt.Errorf("init queue persistence: %w", err)
		}
		b.persist = p
		recovered, err := p.recover()
		if err != nil {
			slog.Warn("queue recovery failed", "error", err)
		}
		for _, qm := range recovered {
			b.inbound[clampPriority(qm.Priority)] = append(b.inbound[clampPriority(qm.Priority)], qm)
		}
		if len(recovered) > 0 {
			slog.Info("recovered queued messages", "count", len(recovered))
		}
	}

	return b, nil
}

func clampPriority(p Priority) Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

func fingerprint(msg InboundMessage) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s:%s", msg.Channel, msg.ChatID, msg.SenderID, msg.Content)))
	return hex.EncodeToString(sum[:])
}

// PublishInbound enqueues a message at the given priority. Duplicate messages
// (same channel, chat, sender and content within the dedup window) are dropped
// and the message ID of the drop is empty.
func (b *MessageBus) PublishInbound(msg InboundMessage, priority Priority) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", false
	}

	fp := fingerprint(msg)
	now := b.now()
	if seen, ok := b.dedup[fp]; ok {
		if now.Sub(seen) < dedupWindow {
			b.totalDeduplicated++
			slog.Debug("duplicate message dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
			return "", false
		}
	}
	b.dedup[fp] = now
	b.pruneDedupLocked(now)

	qm := QueuedMessage{
		ID:         uuid.NewString(),
		Message:    msg,
		Priority:   clampPriority(priority),
		EnqueuedAt: now.Unix(),
		MaxRetries: DefaultMaxRetries,
	}

	b.inbound[qm.Priority] = append(b.inbound[qm.Priority], qm)
	b.totalEnqueued++

	if b.persist != nil {
		if err := b.persist.save(qm); err != nil {
			slog.Warn("failed to persist queued message", "id", qm.ID, "error", err)
		}
	}

	b.cond.Broadcast()
	return qm.ID, true
}

// pruneDedupLocked drops expired fingerprints. Called with b.mu held.
func (b *MessageBus) pruneDedupLocked(now time.Time) {
	if len(b.dedup) < 1024 {
		return
	}
	for fp, seen := range b.dedup {
		if now.Sub(seen) >= dedupWindow {
			delete(b.dedup, fp)
		}
	}
}

// ConsumeInbound blocks until a message is available or ctx is done, returning
// the highest-priority queued message. The message stays in-flight until the
// caller invokes MarkDone or MarkFailed with its ID.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (QueuedMessage, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if ctx.Err() != nil || b.closed {
			return QueuedMessage{}, false
		}
		for p := PriorityUrgent; p >= PriorityLow; p-- {
			q := b.inbound[p]
			if len(q) == 0 {
				continue
			}
			qm := q[0]
			b.inbound[p] = q[1:]
			b.inflight[qm.ID] = qm
			return qm, true
		}
		b.cond.Wait()
	}
}

// MarkDone acknowledges successful processing and removes any persisted copy.
func (b *MessageBus) MarkDone(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[id]; !ok {
		return
	}
	delete(b.inflight, id)
	b.totalProcessed++

	if b.persist != nil {
		b.persist.remove(id)
	}
}

// MarkFailed records a processing failure. The message is re-enqueued one
// priority level lower until its retries are exhausted, then moved to the
// dead-letter queue.
func (b *MessageBus) MarkFailed(id string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qm, ok := b.inflight[id]
	if !ok {
		return
	}
	delete(b.inflight, id)

	qm.RetryCount++
	if qm.RetryCount < qm.MaxRetries {
		if qm.Priority > PriorityLow {
			qm.Priority--
		}
		b.inbound[qm.Priority] = append(b.inbound[qm.Priority], qm)
		b.totalRetried++
		if b.persist != nil {
			if err := b.persist.save(qm); err != nil {
				slog.Warn("failed to persist retried message", "id", qm.ID, "error", err)
			}
		}
		slog.Warn("message retry scheduled",
			"id", qm.ID, "channel", qm.Message.Channel,
			"retry", qm.RetryCount, "priority", qm.Priority.String())
		b.cond.Broadcast()
		return
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	b.deadLetter = append(b.deadLetter, DeadLetter{Message: qm, Error: errText})
	b.totalFailed++
	if b.persist != nil {
		b.persist.remove(qm.ID)
	}
	slog.Error("message moved to dead-letter queue",
		"id", qm.ID, "channel", qm.Message.Channel, "error", errText)
}

// PublishOutbound queues a message for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.outbound = append(b.outbound, msg)
	b.cond.Broadcast()
}

// ConsumeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if ctx.Err() != nil || b.closed {
			return OutboundMessage{}, false
		}
		if len(b.outbound) > 0 {
			msg := b.outbound[0]
			b.outbound = b.outbound[1:]
			return msg, true
		}
		b.cond.Wait()
	}
}

// DLQ returns a copy of the dead-letter queue.
func (b *MessageBus) DLQ() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeadLetter, len(b.deadLetter))
	copy(out, b.deadLetter)
	return out
}

// InboundSize returns the total number of queued inbound messages.
func (b *MessageBus) InboundSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range b.inbound {
		n += len(q)
	}
	return n
}

// Stats returns a snapshot of queue metrics.
func (b *MessageBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	sizes := make(map[string]int, 4)
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		sizes[p.String()] = len(b.inbound[p])
	}
	return Stats{
		QueueSizes:        sizes,
		OutboundSize:      len(b.outbound),
		DeadLetterSize:    len(b.deadLetter),
		TotalEnqueued:     b.totalEnqueued,
		TotalProcessed:    b.totalProcessed,
		TotalFailed:       b.totalFailed,
		TotalDeduplicated: b.totalDeduplicated,
		TotalRetried:      b.totalRetried,
	}
}

// Close wakes all blocked consumers and rejects further publishes.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}
