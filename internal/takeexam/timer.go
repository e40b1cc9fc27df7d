package takeexam

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Threshold is a remaining-time mark that triggers a warning once.
type Threshold struct {
	Seconds int
	Level   NoticeLevel
	Message string
}

// DefaultThresholds are checked in this order on every tick.
var DefaultThresholds = []Threshold{
	{Seconds: 600, Level: NoticeWarning, Message: "10 minutes remaining"},
	{Seconds: 300, Level: NoticeWarning, Message: "5 minutes remaining"},
	{Seconds: 60, Level: NoticeUrgent, Message: "1 minute remaining!"},
}

// Timer counts down the active timed unit one second at a time.
type Timer struct {
	mu         sync.Mutex
	remaining  *int
	lastWarned int
	expired    bool

	thresholds []Threshold
	notifier   Notifier
	onExpire   func()
	log        zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimer creates a timer. A nil remaining disables it entirely.
// onExpire runs at most once, on the tick that reaches zero.
func NewTimer(remaining *int, notifier Notifier, onExpire func(), log zerolog.Logger) *Timer {
	var r *int
	if remaining != nil {
		v := *remaining
		r = &v
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Timer{
		remaining:  r,
		thresholds: DefaultThresholds,
		notifier:   notifier,
		onExpire:   onExpire,
		log:        log.With().Str("component", "timer").Logger(),
	}
}

// Enabled reports whether the timer has a limit.
func (t *Timer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining != nil
}

// Remaining returns the seconds left, or nil when untimed.
func (t *Timer) Remaining() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining == nil {
		return nil
	}
	v := *t.remaining
	return &v
}

// Expired reports whether expiry has fired.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Tick advances the countdown by one second.
func (t *Timer) Tick() {
	t.mu.Lock()
	if t.remaining == nil || t.expired {
		t.mu.Unlock()
		return
	}

	*t.remaining--
	r := *t.remaining

	if r <= 0 {
		*t.remaining = 0
		t.expired = true
		onExpire := t.onExpire
		t.mu.Unlock()

		t.log.Info().Msg("Time expired")
		t.stopTicker()
		if onExpire != nil {
			onExpire()
		}
		return
	}

	var warn *Threshold
	for i := range t.thresholds {
		th := t.thresholds[i]
		if r == th.Seconds && t.lastWarned != th.Seconds {
			t.lastWarned = th.Seconds
			warn = &th
			break
		}
	}
	t.mu.Unlock()

	if warn != nil {
		t.notifier.Notify(Notice{Level: warn.Level, Message: warn.Message, Transient: true})
	}
}

// Start ticks once per second until Stop, ctx cancellation or expiry.
// Calling Start on a disabled or already running timer does nothing.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.remaining == nil || t.expired || t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Tick()
			}
		}
	}()
}

// Stop tears down the ticking goroutine and waits for it to exit.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// stopTicker cancels the goroutine without waiting; Tick may be running on it.
func (t *Timer) stopTicker() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
