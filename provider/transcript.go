package provider

import (
	"strings"
	"sync"

	"github.com/bt-bridge/realtime-bridge/shared"
)

// transcriptTracker accumulates streamed output text per response so the
// bridge can hand downstream consumers one reconciled string. The terminal
// event's full text is authoritative when present; the concatenated deltas
// are the fallback when it is not.
type transcriptTracker struct {
	mu        sync.Mutex
	buffers   map[string]*strings.Builder
	authority map[string]string
}

func newTranscriptTracker() *transcriptTracker {
	return &transcriptTracker{
		buffers:   make(map[string]*strings.Builder),
		authority: make(map[string]string),
	}
}

// Begin opens tracking for a response, clearing any stale state under the
// same id.
func (t *transcriptTracker) Begin(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers[responseID] = &strings.Builder{}
	delete(t.authority, responseID)
}

// Delta appends one streamed fragment.
func (t *transcriptTracker) Delta(responseID, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[responseID]
	if !ok {
		// Delta before response.created; start tracking anyway rather
		// than dropping text.
		b = &strings.Builder{}
		t.buffers[responseID] = b
	}
	b.WriteString(delta)
}

// SetAuthoritative records the full text from the terminal output event.
// An empty string is not authoritative.
func (t *transcriptTracker) SetAuthoritative(responseID, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authority[responseID] = text
}

// Partial returns the text accumulated so far without closing the response.
func (t *transcriptTracker) Partial(responseID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[responseID]; ok {
		return b.String()
	}
	return ""
}

// Finish reconciles and releases a response. The authoritative full text
// wins when present; otherwise the accumulated deltas stand in; a response
// that produced neither yields ErrTranscriptMissing.
func (t *transcriptTracker) Finish(responseID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	full, hasFull := t.authority[responseID]
	b, hasBuf := t.buffers[responseID]
	delete(t.authority, responseID)
	delete(t.buffers, responseID)
	if hasFull {
		return full, nil
	}
	if hasBuf && b.Len() > 0 {
		return b.String(), nil
	}
	return "", shared.ErrTranscriptMissing
}

// Drop discards all state for a response without reconciling.
func (t *transcriptTracker) Drop(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.authority, responseID)
	delete(t.buffers, responseID)
}
