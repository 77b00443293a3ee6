package typing

import (
	"sync"
	"time"
)

const (
	// suppressWindow is how long after a start signal further keystrokes
	// stay silent.
	suppressWindow = 2 * time.Second
	// idleTimeout is how long without keystrokes before the stop signal
	// auto-emits.
	idleTimeout = 2 * time.Second
)

// Debouncer turns a raw keystroke stream into outbound typing signals: start
// emits immediately on the first keystroke, continued typing refreshes the
// start signal at most once per suppression window, and stop auto-emits
// after the idle timeout or immediately on Flush (message sent, input
// blurred).
type Debouncer struct {
	emit     func(isTyping bool)
	suppress time.Duration
	idle     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	active   bool
	lastEmit time.Time
	timer    *time.Timer
}

// NewDebouncer creates a debouncer that calls emit with the outbound typing
// state. emit is invoked from the caller's goroutine on keystrokes and from a
// timer goroutine on idle expiry; it must be safe for that.
func NewDebouncer(emit func(isTyping bool)) *Debouncer {
	return &Debouncer{
		emit:     emit,
		suppress: suppressWindow,
		idle:     idleTimeout,
		now:      time.Now,
	}
}

// Keystroke registers typing activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	start := false
	now := d.now()
	if !d.active {
		d.active = true
		d.lastEmit = now
		start = true
	} else if now.Sub(d.lastEmit) >= d.suppress {
		d.lastEmit = now
		start = true
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, d.expire)
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Flush emits the stop signal immediately if typing is active. Called on
// send and on input blur.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.emit(false)
}

func (d *Debouncer) expire() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()
	d.emit(false)
}
