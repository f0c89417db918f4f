package agent

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
)

const (
	// DefaultDebounceMs is the default debounce delay in milliseconds.
	DefaultDebounceMs = 1000
	// DefaultMaxPending is the default max queued messages per session.
	DefaultMaxPending = 20
	// DedupWindow drops a repeated message with the same content.
	DedupWindow = 5 * time.Second
)

// BatchFunc handles the messages collected for one session.
type BatchFunc func(sessionKey string, msgs []bus.InboundMessage)

// Queue debounces message bursts per session and runs at most one batch
// per session at a time. Messages that arrive while a batch is running are
// held and handled as the next batch.
type Queue struct {
	mu         sync.Mutex
	sessions   map[string]*sessionQueue
	debounce   time.Duration
	maxPending int
	dedup      time.Duration
	handle     BatchFunc
	stopped    bool
	wg         sync.WaitGroup
	logger     *slog.Logger
}

type sessionQueue struct {
	items      []queuedMessage
	timer      *time.Timer
	processing bool
}

type queuedMessage struct {
	msg      bus.InboundMessage
	enqueued time.Time
}

// NewQueue creates a queue that passes each batch to handle.
func NewQueue(debounceMs, maxPending int, handle BatchFunc, logger *slog.Logger) *Queue {
	if debounceMs <= 0 {
		debounceMs = DefaultDebounceMs
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sessions:   make(map[string]*sessionQueue),
		debounce:   time.Duration(debounceMs) * time.Millisecond,
		maxPending: maxPending,
		dedup:      DedupWindow,
		handle:     handle,
		logger:     logger.With("component", "message_queue"),
	}
}

// Enqueue adds msg to the session's pending batch and restarts its debounce
// timer. It returns false when the message was a duplicate or the queue is
// stopped.
func (q *Queue) Enqueue(sessionKey string, msg bus.InboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	sq, ok := q.sessions[sessionKey]
	if !ok {
		sq = &sessionQueue{items: make([]queuedMessage, 0, 4)}
		q.sessions[sessionKey] = sq
	}

	now := time.Now()
	for i, m := range sq.items {
		if m.msg.Content == msg.Content && now.Sub(m.enqueued) < q.dedup {
			// The kept message answers for the duplicate too.
			sq.items[i].msg.Metadata = withBatchID(m.msg.Metadata, msg.ID)
			q.logger.Debug("message deduplicated", "session", sessionKey)
			return false
		}
	}

	if len(sq.items) >= q.maxPending {
		sq.items = sq.items[1:]
		q.logger.Warn("message queue full, dropped oldest",
			"session", sessionKey,
			"max_pending", q.maxPending,
		)
	}
	sq.items = append(sq.items, queuedMessage{msg: msg, enqueued: now})

	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.timer = time.AfterFunc(q.debounce, func() { q.fire(sessionKey) })
	return true
}

// Pending returns the number of messages waiting for sessionKey.
func (q *Queue) Pending(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok := q.sessions[sessionKey]; ok {
		return len(sq.items)
	}
	return 0
}

func (q *Queue) fire(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok || q.stopped {
		return
	}
	sq.timer = nil
	if sq.processing || len(sq.items) == 0 {
		// finish reschedules once the running batch is done.
		return
	}

	msgs := make([]bus.InboundMessage, len(sq.items))
	for i, m := range sq.items {
		msgs[i] = m.msg
	}
	sq.items = sq.items[:0]
	sq.processing = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.finish(sessionKey)
		q.handle(sessionKey, msgs)
	}()
}

func (q *Queue) finish(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok {
		return
	}
	sq.processing = false
	switch {
	case q.stopped:
	case len(sq.items) > 0 && sq.timer == nil:
		sq.timer = time.AfterFunc(q.debounce, func() { q.fire(sessionKey) })
	case len(sq.items) == 0 && sq.timer == nil:
		delete(q.sessions, sessionKey)
	}
}

// Stop cancels pending timers and waits for running batches. Messages
// still pending are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	dropped := 0
	for _, sq := range q.sessions {
		if sq.timer != nil {
			sq.timer.Stop()
			sq.timer = nil
		}
		dropped += len(sq.items)
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn("queue stopped with pending messages", "dropped", dropped)
	}
	q.wg.Wait()
}

func withBatchID(metadata map[string]any, id string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	maps.Copy(out, metadata)
	out[bus.MetaBatchIDs] = append(slices.Clone(bus.BatchIDs(metadata)), id)
	return out
}

// BatchIDs returns the inbound IDs a batch answers, including folded
// duplicates.
func BatchIDs(msgs []bus.InboundMessage) []string {
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
		ids = append(ids, bus.BatchIDs(m.Metadata)...)
	}
	return ids
}

// CombineMessages merges a batch into one prompt.
func CombineMessages(msgs []bus.InboundMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	var b strings.Builder
	b.WriteString("[Multiple messages received while busy]\n")
	for i, m := range msgs {
		fmt.Fprintf(&b, "%d. %s", i+1, strings.TrimSpace(m.Content))
		if i < len(msgs)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
