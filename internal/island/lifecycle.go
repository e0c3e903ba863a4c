package island

import (
	"context"
	"sync"
	"time"
)

// lifecycleState is the per-surrogate phase.
type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateShowing
	stateCompleted
	stateRemovalPending
)

func (s lifecycleState) String() string {
	switch s {
	case stateShowing:
		return "showing"
	case stateCompleted:
		return "completed"
	case stateRemovalPending:
		return "removal-pending"
	default:
		return "idle"
	}
}

// keyTimers bundles every background obligation owned by one surrogate, so
// release can cancel them as a single atomic cleanup step.
type keyTimers struct {
	state           lifecycleState
	shownAt         time.Time
	minVisibleUntil time.Time
	dismiss         *time.Timer
	tickerCancel    context.CancelFunc
}

// removalDecision tells the engine what to do with a removal event.
type removalDecision struct {
	// Immediate means hide right now.
	Immediate bool
	// Delay is the remaining minimum-visibility window when deferring.
	Delay time.Duration
	// Known is false when no surrogate lifecycle exists for the key.
	Known bool
}

// lifecycle tracks per-GroupKey visibility windows, deferred dismissals, call
// tickers and engine-self-cancel marks.
type lifecycle struct {
	mu     sync.Mutex
	clock  Clock
	timers map[GroupKey]*keyTimers
	marks  map[selfCancelKey]time.Time
}

func newLifecycle(clock Clock) *lifecycle {
	return &lifecycle{
		clock:  clock,
		timers: map[GroupKey]*keyTimers{},
		marks:  map[selfCancelKey]time.Time{},
	}
}

// markShown enters Showing and starts/refreshes the minimum-visibility
// window. Any pending deferred dismissal for the key is superseded.
func (l *lifecycle) markShown(key GroupKey, minVisible time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.timers[key]
	if t == nil {
		t = &keyTimers{}
		l.timers[key] = t
	}
	if t.dismiss != nil {
		t.dismiss.Stop()
		t.dismiss = nil
	}
	t.state = stateShowing
	t.shownAt = now
	t.minVisibleUntil = now.Add(minVisible)
}

// shownAt returns when the key last entered Showing.
func (l *lifecycle) shownAtFor(key GroupKey) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.timers[key]
	if t == nil || t.state == stateIdle {
		return time.Time{}, false
	}
	return t.shownAt, true
}

// markCompleted enters Completed (progress reached its bound).
func (l *lifecycle) markCompleted(key GroupKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.timers[key]
	if t == nil || t.state != stateShowing {
		return false
	}
	t.state = stateCompleted
	return true
}

// requestRemoval decides whether a removal hides now or is deferred until
// the minimum-visibility window elapses. forceImmediate short-circuits the
// window; the engine sets it when a self-cancel mark was found expired.
func (l *lifecycle) requestRemoval(key GroupKey, forceImmediate bool) removalDecision {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.timers[key]
	if t == nil || t.state == stateIdle {
		return removalDecision{Immediate: true}
	}

	remaining := t.minVisibleUntil.Sub(now)
	if remaining <= 0 || forceImmediate {
		t.state = stateIdle
		return removalDecision{Immediate: true, Known: true}
	}
	t.state = stateRemovalPending
	return removalDecision{Delay: remaining, Known: true}
}

// scheduleDismiss arms a deferred dismissal, superseding any previous one.
func (l *lifecycle) scheduleDismiss(key GroupKey, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.timers[key]
	if t == nil {
		t = &keyTimers{}
		l.timers[key] = t
	}
	if t.dismiss != nil {
		t.dismiss.Stop()
	}
	t.dismiss = time.AfterFunc(d, fn)
}

// startCallTicker runs tick every second until the context is cancelled or
// tick returns false (surrogate gone).
func (l *lifecycle) startCallTicker(key GroupKey, tick func(elapsed time.Duration) bool) {
	l.mu.Lock()
	t := l.timers[key]
	if t == nil {
		t = &keyTimers{}
		l.timers[key] = t
	}
	if t.tickerCancel != nil {
		t.tickerCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.tickerCancel = cancel
	start := l.clock.Now()
	l.mu.Unlock()

	go func() {
		tkr := time.NewTicker(time.Second)
		defer tkr.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tkr.C:
				if !tick(l.clock.Now().Sub(start)) {
					return
				}
			}
		}
	}()
}

// release cancels every timer owned by key in one step and returns whether a
// lifecycle existed. Prevents orphaned background work.
func (l *lifecycle) release(key GroupKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.timers[key]
	if t == nil {
		return false
	}
	if t.dismiss != nil {
		t.dismiss.Stop()
	}
	if t.tickerCancel != nil {
		t.tickerCancel()
	}
	delete(l.timers, key)
	return true
}

func (l *lifecycle) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// markSelfCancel records that the engine itself is about to remove the
// original event, so the echoed removal signal is not misread as external.
func (l *lifecycle) markSelfCancel(app string, id uint32) {
	l.mu.Lock()
	l.marks[selfCancelKey{App: app, ID: id}] = l.clock.Now()
	l.mu.Unlock()
}

// unmarkSelfCancel drops a mark after a failed cancel/snooze call so a later
// genuine external removal is not misclassified.
func (l *lifecycle) unmarkSelfCancel(app string, id uint32) {
	l.mu.Lock()
	delete(l.marks, selfCancelKey{App: app, ID: id})
	l.mu.Unlock()
}

// consumeSelfCancel checks and removes the mark. Returns (marked, expired):
// marked is true when a mark existed, expired when it was past its validity
// window at consume time.
func (l *lifecycle) consumeSelfCancel(app string, id uint32, window time.Duration) (marked, expired bool) {
	now := l.clock.Now()
	k := selfCancelKey{App: app, ID: id}
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.marks[k]
	if !ok {
		return false, false
	}
	delete(l.marks, k)
	return true, now.Sub(at) > window
}
