package pipeline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultNotifyInterval is the minimum gap between two status updates
const DefaultNotifyInterval = 500 * time.Millisecond

// ThrottledNotifier forwards at most one update per interval to the wrapped
// notifier, each on its own goroutine so the caller never waits on it
type ThrottledNotifier struct {
	next     StatusNotifier
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
	wg   sync.WaitGroup
}

// NewThrottledNotifier wraps next. A non-positive interval uses
// DefaultNotifyInterval.
func NewThrottledNotifier(next StatusNotifier, interval time.Duration) *ThrottledNotifier {
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	return &ThrottledNotifier{next: next, interval: interval, now: time.Now}
}

// ShowMatch forwards the update unless one was sent within the interval
func (t *ThrottledNotifier) ShowMatch(matched bool) {
	now := t.now()

	t.mu.Lock()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last = now
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.next.ShowMatch(matched)
	}()
}

// Wait blocks until every forwarded update has returned
func (t *ThrottledNotifier) Wait() {
	t.wg.Wait()
}

// LogNotifier reports recognition outcomes to the log
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) ShowMatch(matched bool) {
	log := n.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if matched {
		log.Info("access granted: face recognised")
		return
	}
	log.Info("access denied: unknown face")
}
