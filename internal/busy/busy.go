// Package busy tracks overlapping hidden agent turns so the UI can show a
// single busy indicator and deferred work can resume when the bridge goes
// idle.
package busy

import "sync"

type entry struct {
	reason   string
	suppress bool
}

// Tracker counts nested hidden turns. Each Begin pushes a reason; the
// topmost non-suppressed reason is reported to the UI. When the depth
// returns to zero the idle callbacks fire, which is what releases deferred
// notify and reminder runs.
type Tracker struct {
	mu    sync.Mutex
	stack []entry

	last     visibleState
	onChange func(reason string, active bool)
	onIdle   []func()
}

// visibleState dedupes onChange broadcasts.
type visibleState struct {
	reason string
	active bool
}

// New creates a Tracker. onChange receives the visible reason whenever it
// changes ("" with active=false when the tracker goes idle). onChange may
// be nil.
func New(onChange func(reason string, active bool)) *Tracker {
	return &Tracker{onChange: onChange}
}

// OnIdle registers a callback invoked (on the caller's goroutine of the
// final End) each time depth returns to zero.
func (t *Tracker) OnIdle(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onIdle = append(t.onIdle, fn)
}

// Begin pushes a hidden turn. suppress hides the reason from the UI while
// still counting toward depth. The returned func ends the turn and is safe
// to call more than once.
func (t *Tracker) Begin(reason string, suppress bool) func() {
	t.mu.Lock()
	e := entry{reason: reason, suppress: suppress}
	t.stack = append(t.stack, e)
	reasonNow, activeNow := t.visibleLocked()
	changed := t.noteVisibleLocked(reasonNow, activeNow)
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(reasonNow, activeNow)
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.end(e) })
	}
}

func (t *Tracker) end(target entry) {
	t.mu.Lock()
	// Remove the newest matching entry; turns can end out of order.
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == target {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
	idle := len(t.stack) == 0
	reasonNow, activeNow := t.visibleLocked()
	changed := t.noteVisibleLocked(reasonNow, activeNow)
	var idleFns []func()
	if idle {
		idleFns = make([]func(), len(t.onIdle))
		copy(idleFns, t.onIdle)
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(reasonNow, activeNow)
	}
	for _, fn := range idleFns {
		fn()
	}
}

// Active reports whether any hidden turn is in progress.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack) > 0
}

// Reason returns the topmost non-suppressed reason, or "".
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, _ := t.visibleLocked()
	return r
}

// visibleLocked computes the UI-visible state. Caller holds t.mu.
// Entries pushed with suppress do not surface a busy indicator.
func (t *Tracker) visibleLocked() (string, bool) {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if !t.stack[i].suppress {
			return t.stack[i].reason, true
		}
	}
	return "", false
}

// noteVisibleLocked records the visible state, reporting whether it changed.
func (t *Tracker) noteVisibleLocked(reason string, active bool) bool {
	if t.last.reason == reason && t.last.active == active {
		return false
	}
	t.last = visibleState{reason: reason, active: active}
	return true
}
