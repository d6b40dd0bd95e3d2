// Package display tracks delivery of text destined for the wearer's
// display. Each outbound message carries an id; the glasses confirm
// rendering, and messages that go unconfirmed past the window are reported
// so the operator knows the wearer likely never saw them.
package display

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/shared"
)

// TimeoutFunc is called once per message whose confirmation window lapsed.
type TimeoutFunc func(messageID, text string)

type pending struct {
	text     string
	sentAt   time.Time
	timer    *time.Timer
	timedOut bool
}

// AckTracker holds messages awaiting display confirmation.
type AckTracker struct {
	logger    shared.LoggerAdapter
	window    time.Duration
	onTimeout TimeoutFunc

	mu      sync.Mutex
	entries map[string]*pending
	closed  bool
}

func NewAckTracker(logger shared.LoggerAdapter, window time.Duration, onTimeout TimeoutFunc) (*AckTracker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &AckTracker{
		logger:    logger,
		window:    window,
		onTimeout: onTimeout,
		entries:   make(map[string]*pending),
	}, nil
}

// Track registers an outbound message and arms its confirmation window.
func (a *AckTracker) Track(messageID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if old, ok := a.entries[messageID]; ok {
		old.timer.Stop()
	}
	p := &pending{text: text, sentAt: time.Now()}
	p.timer = time.AfterFunc(a.window, func() { a.expire(messageID) })
	a.entries[messageID] = p
}

// expire marks the entry timed out and reports it exactly once. The entry
// stays tracked so a late confirmation can still clear it.
func (a *AckTracker) expire(messageID string) {
	a.mu.Lock()
	p, ok := a.entries[messageID]
	if !ok || p.timedOut || a.closed {
		a.mu.Unlock()
		return
	}
	p.timedOut = true
	text := p.text
	fn := a.onTimeout
	a.mu.Unlock()

	a.logger.Warn("display confirmation window lapsed",
		zap.String("message_id", messageID))
	if fn != nil {
		fn(messageID, text)
	}
}

// Confirm clears a tracked message. A confirmation arriving after the
// window still clears the entry and reports success; an id that was never
// tracked is an anomaly and returns false.
func (a *AckTracker) Confirm(messageID string) bool {
	a.mu.Lock()
	p, ok := a.entries[messageID]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("confirmation for unknown message",
			zap.String("message_id", messageID))
		return false
	}
	p.timer.Stop()
	delete(a.entries, messageID)
	late := p.timedOut
	elapsed := time.Since(p.sentAt)
	a.mu.Unlock()

	a.logger.Info("display confirmed",
		zap.String("message_id", messageID),
		zap.Duration("elapsed", elapsed),
		zap.Bool("late", late))
	return true
}

// Pending reports how many messages await confirmation, timed out or not.
func (a *AckTracker) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close cancels all windows and drops the tracked entries.
func (a *AckTracker) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for id, p := range a.entries {
		p.timer.Stop()
		delete(a.entries, id)
	}
}
