package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics("")
	m.RecordRun("backtest", "completed", 150*time.Millisecond)
	m.RecordRun("backtest", "completed", time.Second)
	m.RecordSweep("cancelled")
	m.RecordCombination(false)
	m.RecordCombination(true)
	m.SetSubscribers(3)

	body := scrape(t, m)
	for _, want := range []string{
		`quantdesk_backtest_runs_total{kind="backtest",status="completed"} 2`,
		`quantdesk_optimizer_sweeps_total{status="cancelled"} 1`,
		`quantdesk_optimizer_combinations_evaluated_total{outcome="error"} 1`,
		`quantdesk_stream_progress_subscribers 3`,
		`quantdesk_backtest_run_duration_seconds_count{kind="backtest"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInstrumentProviderCountsErrors(t *testing.T) {
	m := NewMetrics("test")
	p := m.InstrumentProvider("static", marketdata.NewStaticProvider(map[string][]domain.Bar{
		"AAA": {{Symbol: "AAA", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1}},
	}))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 5)
	if _, err := p.GetHistoricalBars(context.Background(), "AAA", start, end); err != nil {
		t.Fatalf("GetHistoricalBars(AAA): %v", err)
	}
	if _, err := p.GetHistoricalBars(context.Background(), "ZZZ", start, end); err == nil {
		t.Fatal("expected error for unknown symbol")
	}

	body := scrape(t, m)
	if !strings.Contains(body, `test_data_fetch_errors_total{provider="static"} 1`) {
		t.Errorf("missing fetch error count in:\n%s", body)
	}
	if !strings.Contains(body, `test_data_fetch_duration_seconds_count{provider="static"} 2`) {
		t.Error("missing fetch latency count")
	}
}
