package logging

import (
	"sync"
	"time"
)

// Notice is a user-visible message emitted by the capture subsystem when it
// degrades (missing anchor, first malformed mutation of a meeting). Notices
// are deduplicated by Key so a broken caption node cannot spam the user.
type Notice struct {
	Key     string
	Message string
	Time    time.Time
}

// Notifier receives notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// CollectingNotifier buffers notices in memory. The capture daemon drains it
// into the ingress status endpoint; tests read it directly.
type CollectingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

// NewCollectingNotifier creates an empty CollectingNotifier.
func NewCollectingNotifier() *CollectingNotifier {
	return &CollectingNotifier{}
}

// Notify appends the notice.
func (c *CollectingNotifier) Notify(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
}

// Notices returns a copy of the collected notices.
func (c *CollectingNotifier) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notice, len(c.notices))
	copy(out, c.notices)
	return out
}

// ResetKeys clears the notices without touching dedup state held by loggers.
func (c *CollectingNotifier) ResetKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = nil
}

// noticeDedup tracks which notice keys have already been emitted. Shared by
// all loggers derived from one root via With so a meeting-scoped key fires
// once regardless of which sub-logger reports it.
type noticeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newNoticeDedup() *noticeDedup {
	return &noticeDedup{seen: make(map[string]bool)}
}

// firstSighting reports whether key has not been seen before, and marks it seen.
func (d *noticeDedup) firstSighting(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}
