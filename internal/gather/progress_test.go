package gather

import (
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

func TestProgressTrackerMarkDone(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.MarkDone([]string{"AAPL", "MSFT", "AAPL"}); err != nil {
		t.Fatal(err)
	}
	pt.Close()

	// Reload and verify.
	pt2, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer pt2.Close()

	for _, sym := range []string{"AAPL", "MSFT"} {
		if !pt2.Done(sym) {
			t.Errorf("expected %q to be done after reload", sym)
		}
	}
	if pt2.Done("TSLA") {
		t.Error("TSLA should not be done")
	}
}

func TestProgressTrackerCompletedAndReset(t *testing.T) {
	pt, err := newProgressTracker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer pt.Close()

	if got := pt.LastCompleted(); got != "" {
		t.Errorf("LastCompleted() = %q before marking", got)
	}
	if err := pt.MarkCompleted("2025-02-10"); err != nil {
		t.Fatal(err)
	}
	if got := pt.LastCompleted(); got != "2025-02-10" {
		t.Errorf("LastCompleted() = %q, want 2025-02-10", got)
	}

	if err := pt.MarkDone([]string{"SPY"}); err != nil {
		t.Fatal(err)
	}
	if err := pt.Reset(); err != nil {
		t.Fatal(err)
	}
	if pt.Done("SPY") {
		t.Error("SPY should be cleared by Reset")
	}
	if err := pt.MarkDone([]string{"QQQ"}); err != nil {
		t.Fatalf("MarkDone after Reset: %v", err)
	}
}

type fakeCalendar struct {
	days []alpaca.CalendarDay
	err  error
}

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, f.err
}

func TestLatestFinishedTradingDay(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	cal := fakeCalendar{days: []alpaca.CalendarDay{
		{Date: "2025-02-06"}, {Date: "2025-02-07"}, {Date: "2025-02-10"},
	}}

	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2025, 2, 10, 12, 0, 0, 0, et), "2025-02-07"},
		{time.Date(2025, 2, 10, 21, 0, 0, 0, et), "2025-02-10"},
		{time.Date(2025, 2, 8, 9, 0, 0, 0, et), "2025-02-07"},
	}
	for _, tc := range cases {
		got, err := LatestFinishedTradingDay(cal, tc.now)
		if err != nil {
			t.Fatalf("LatestFinishedTradingDay(%v): %v", tc.now, err)
		}
		if s := got.Format("2006-01-02"); s != tc.want {
			t.Errorf("LatestFinishedTradingDay(%v) = %s, want %s", tc.now, s, tc.want)
		}
	}

	if _, err := LatestFinishedTradingDay(fakeCalendar{err: errors.New("down")}, time.Now()); err == nil {
		t.Error("expected calendar error")
	}
	if _, err := LatestFinishedTradingDay(fakeCalendar{}, time.Now()); err == nil {
		t.Error("expected error for empty calendar")
	}
}
