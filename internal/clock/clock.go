// Package clock provides monotonic and wall-clock time, timezone-aware reset-time
// computation, and a daily cron-like scheduler (C1 in the design).
package clock

import (
	"fmt"
	"time"
)

// Clock is the time source the rest of the engine depends on, so tests can substitute a
// fake. Production code uses RealClock.
type Clock interface {
	NowUTC() time.Time
}

// RealClock delegates to the system clock.
type RealClock struct{}

func (RealClock) NowUTC() time.Time { return time.Now().UTC() }

// NowIn returns the current instant rendered in the given IANA timezone.
func NowIn(c Clock, tz *time.Location) time.Time {
	return c.NowUTC().In(tz)
}

// NextOccurrence returns the next wall-clock instant equal to hhmm ("HH:MM") in tz,
// strictly after from. DST-aware: relies on time.Date + *time.Location to resolve the
// correct offset for the target calendar day, including days that cross a DST transition.
func NextOccurrence(hhmm string, tz *time.Location, from time.Time) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("invalid reset_time %q: %w", hhmm, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("invalid reset_time %q: out of range", hhmm)
	}

	local := from.In(tz)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, tz)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
		// Re-derive from the new calendar day so a DST transition on the target day
		// is resolved against that day's offset, not yesterday's.
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), hh, mm, 0, 0, tz)
	}
	return candidate, nil
}

// DateKey renders t as a "YYYY-MM-DD" trading-day key: the unique discriminator DailyPnL
// and the trade-frequency session boundary are keyed on. The trading day runs
// [resetHHMM, next resetHHMM) in loc, not midnight-to-midnight (spec.md §4.3/§8) — a
// timestamp earlier in the day than today's reset instant still belongs to the trading
// day opened by yesterday's reset, so it keys on yesterday's date. A timestamp exactly
// equal to the reset instant belongs to the new day it opens (spec.md §8's boundary
// test), since it is not strictly before that instant.
//
// If resetHHMM fails to parse, DateKey falls back to a bare calendar-date key rather than
// panicking; callers validate reset_time at config load, so this path is unreached in
// practice.
func DateKey(t time.Time, loc *time.Location, resetHHMM string) string {
	local := t.In(loc)
	var hh, mm int
	if _, err := fmt.Sscanf(resetHHMM, "%d:%d", &hh, &mm); err != nil {
		return local.Format("2006-01-02")
	}
	resetToday := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if local.Before(resetToday) {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("2006-01-02")
}

// Daily fires a ScheduledReset once per calendar day at a configured wall-clock instant.
// On Start, if the Store's last-seen reset predates the most recent past occurrence, it
// fires one catch-up reset immediately before arming the next timer (spec.md §4.1).
type Daily struct {
	hhmm string
	tz   *time.Location
	c    Clock

	out   chan time.Time
	stop  chan struct{}
	timer *time.Timer
}

// NewDaily constructs a Daily scheduler firing at hhmm in tz. The catch-up check uses the
// lastSeen instant later passed to Start.
func NewDaily(c Clock, hhmm string, tz *time.Location) *Daily {
	return &Daily{
		hhmm: hhmm,
		tz:   tz,
		c:    c,
		out:  make(chan time.Time, 1),
		stop: make(chan struct{}),
	}
}

// Events returns the channel ScheduledReset instants are delivered on.
func (d *Daily) Events() <-chan time.Time { return d.out }

// MostRecentPastOccurrence returns the latest instant equal to hhmm in tz that is not
// after `now` — used to decide whether a catch-up reset is owed.
func MostRecentPastOccurrence(hhmm string, tz *time.Location, now time.Time) (time.Time, error) {
	next, err := NextOccurrence(hhmm, tz, now)
	if err != nil {
		return time.Time{}, err
	}
	return next.AddDate(0, 0, -1), nil
}

// Start begins the scheduler. If lastSeen is earlier than the most recent past
// occurrence, a catch-up reset is sent immediately. The scheduler then arms a timer for
// the next occurrence and re-arms itself forever until Stop is called.
func (d *Daily) Start(lastSeen time.Time) error {
	now := d.c.NowUTC()
	mostRecent, err := MostRecentPastOccurrence(d.hhmm, d.tz, now)
	if err != nil {
		return err
	}
	if lastSeen.Before(mostRecent) {
		select {
		case d.out <- mostRecent:
		default:
		}
	}
	return d.arm(now)
}

func (d *Daily) arm(now time.Time) error {
	next, err := NextOccurrence(d.hhmm, d.tz, now)
	if err != nil {
		return err
	}
	d.timer = time.AfterFunc(next.Sub(now), func() { d.fire(next) })
	return nil
}

func (d *Daily) fire(at time.Time) {
	select {
	case d.out <- at:
	case <-d.stop:
		return
	}
	select {
	case <-d.stop:
		return
	default:
	}
	_ = d.arm(d.c.NowUTC())
}

// Stop halts the scheduler; it fires no further resets.
func (d *Daily) Stop() {
	close(d.stop)
	if d.timer != nil {
		d.timer.Stop()
	}
}
