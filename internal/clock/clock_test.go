package clock

import (
	"testing"
	"time"
)

func TestNextOccurrence_LaterToday(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	from := time.Date(2026, 3, 5, 10, 0, 0, 0, tz)
	next, err := NextOccurrence("17:00", tz, from)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 5, 17, 0, 0, 0, tz)
	if !next.Equal(want) {
		t.Errorf("got %v want %v", next, want)
	}
}

func TestNextOccurrence_RollsToTomorrow(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	from := time.Date(2026, 3, 5, 18, 0, 0, 0, tz)
	next, err := NextOccurrence("17:00", tz, from)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 6, 17, 0, 0, 0, tz)
	if !next.Equal(want) {
		t.Errorf("got %v want %v", next, want)
	}
}

func TestNextOccurrence_ExactlyAtReset(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	from := time.Date(2026, 3, 5, 17, 0, 0, 0, tz)
	next, err := NextOccurrence("17:00", tz, from)
	if err != nil {
		t.Fatal(err)
	}
	// "now" equal to the reset instant is not strictly after it, so the reset has
	// already happened; the next occurrence rolls to tomorrow.
	want := time.Date(2026, 3, 6, 17, 0, 0, 0, tz)
	if !next.Equal(want) {
		t.Errorf("got %v want %v", next, want)
	}
}

func TestNextOccurrence_DSTSpringForward(t *testing.T) {
	// 2026-03-08 is the US DST spring-forward date.
	tz, _ := time.LoadLocation("America/New_York")
	from := time.Date(2026, 3, 8, 0, 30, 0, 0, tz)
	next, err := NextOccurrence("17:00", tz, from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() != 8 || next.Hour() != 17 {
		t.Errorf("expected 2026-03-08 17:00 ET, got %v", next)
	}
}

func TestNextOccurrence_DSTFallBack(t *testing.T) {
	// 2026-11-01 is the US DST fall-back date.
	tz, _ := time.LoadLocation("America/New_York")
	from := time.Date(2026, 11, 1, 0, 30, 0, 0, tz)
	next, err := NextOccurrence("17:00", tz, from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() != 1 || next.Hour() != 17 {
		t.Errorf("expected 2026-11-01 17:00 ET fired exactly once, got %v", next)
	}
	// Firing again from just after should not produce the same instant twice.
	after := next.Add(time.Minute)
	next2, err := NextOccurrence("17:00", tz, after)
	if err != nil {
		t.Fatal(err)
	}
	if next2.Day() != 2 {
		t.Errorf("expected next occurrence to roll to 2026-11-02, got %v", next2)
	}
}

func TestDateKey_BeforeResetBelongsToPriorDay(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	// Tuesday 09:00 is still inside the trading day opened by Monday's 17:00 reset.
	ts := time.Date(2026, 3, 3, 9, 0, 0, 0, tz)
	got := DateKey(ts, tz, "17:00")
	want := "2026-03-02"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestDateKey_ExactlyAtResetBelongsToNewDay(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	ts := time.Date(2026, 3, 3, 17, 0, 0, 0, tz)
	got := DateKey(ts, tz, "17:00")
	want := "2026-03-03"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestDateKey_AfterResetBelongsToSameDay(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	ts := time.Date(2026, 3, 3, 23, 30, 0, 0, tz)
	got := DateKey(ts, tz, "17:00")
	want := "2026-03-03"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestDateKey_WindowStaysConsistentAcrossMidnight(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	before := time.Date(2026, 3, 3, 23, 59, 0, 0, tz)
	after := time.Date(2026, 3, 4, 0, 1, 0, 0, tz)
	if DateKey(before, tz, "17:00") != DateKey(after, tz, "17:00") {
		t.Errorf("trading day key must not change at midnight when reset_time is 17:00")
	}
}

type fakeClock struct{ now time.Time }

func (f fakeClock) NowUTC() time.Time { return f.now }

func TestDaily_CatchUpOnStart(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 6, 9, 0, 0, 0, tz).UTC()
	d := NewDaily(fakeClock{now: now}, "17:00", tz)
	defer d.Stop()

	lastSeen := time.Date(2026, 3, 4, 17, 0, 0, 0, tz) // two days stale
	if err := d.Start(lastSeen); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-d.Events():
		want := time.Date(2026, 3, 5, 17, 0, 0, 0, tz)
		if !got.Equal(want) {
			t.Errorf("catch-up reset = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("expected catch-up reset event")
	}
}

func TestDaily_NoCatchUpWhenCurrent(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 6, 9, 0, 0, 0, tz).UTC()
	d := NewDaily(fakeClock{now: now}, "17:00", tz)
	defer d.Stop()

	lastSeen := time.Date(2026, 3, 5, 17, 0, 0, 0, tz) // already current
	if err := d.Start(lastSeen); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-d.Events():
		t.Fatalf("expected no catch-up event, got %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
