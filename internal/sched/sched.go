// Package sched provides cancellable one-shot and recurring timers for
// orchestrator maintenance actions (daily restarts, periodic backup saves).
// Every armed timer must be cancelled before the state that armed it is
// exited, otherwise a stale timer could fire into an inconsistent state.
package sched

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timer is a cancellable handle for a scheduled action.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	done  bool
	rearm func() time.Duration // nil for one-shot timers
	fn    func()
}

// After runs fn once after d. The returned Timer can be cancelled.
func After(d time.Duration, fn func()) *Timer {
	tm := &Timer{fn: fn}
	tm.t = time.AfterFunc(d, tm.fire)
	return tm
}

// Recurring runs fn each time the duration returned by next elapses.
// next is evaluated again after every firing, so wall-clock schedules
// (e.g. daily at HH:MM) stay accurate across firings.
func Recurring(next func() time.Duration, fn func()) *Timer {
	tm := &Timer{fn: fn, rearm: next}
	tm.t = time.AfterFunc(next(), tm.fire)
	return tm
}

// DailyAt runs fn every day at the wall-clock time hhmm ("HH:MM").
func DailyAt(hhmm string, fn func()) (*Timer, error) {
	if _, err := NextDaily(time.Now(), hhmm); err != nil {
		return nil, err
	}
	return Recurring(func() time.Duration {
		d, _ := NextDaily(time.Now(), hhmm)
		return d
	}, fn), nil
}

func (tm *Timer) fire() {
	tm.mu.Lock()
	if tm.done {
		tm.mu.Unlock()
		return
	}
	if tm.rearm != nil {
		tm.t.Reset(tm.rearm())
	} else {
		tm.done = true
	}
	tm.mu.Unlock()
	tm.fn()
}

// Cancel stops the timer. It is safe to call multiple times and after the
// timer has fired.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	tm.done = true
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.mu.Unlock()
}

// NextDaily returns the duration from now until the next occurrence of the
// wall-clock time hhmm ("HH:MM", 24h). If the time already passed today the
// occurrence is tomorrow.
func NextDaily(now time.Time, hhmm string) (time.Duration, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return 0, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now), nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
