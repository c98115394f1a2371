package alerts

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitStoresHistoryNewestFirst(t *testing.T) {
	m := NewManager(nil)

	m.StuckLobby(1, time.Minute)
	m.MatchCompleted("match-a", "user-1")

	recent := m.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 alerts in history, got %d", len(recent))
	}
	if recent[0].AlertType != TypeMatchCompleted {
		t.Errorf("expected most recent alert first, got %s", recent[0].AlertType)
	}
	if recent[1].AlertType != TypeStuckLobby {
		t.Errorf("expected oldest alert last, got %s", recent[1].AlertType)
	}
}

func TestEmitTrimsHistoryToMaxHistory(t *testing.T) {
	m := NewManager(nil)
	m.maxHistory = 5

	for i := 0; i < 20; i++ {
		m.MatchCompleted("match", "user")
	}

	if got := len(m.Recent(100)); got != 5 {
		t.Errorf("expected history capped at 5, got %d", got)
	}
}

func TestEmitInvokesBroadcastCallback(t *testing.T) {
	var called int32
	m := NewManager(func(a Alert) {
		atomic.AddInt32(&called, 1)
		if a.AlertType != TypeLowGasBalance {
			t.Errorf("unexpected alert type delivered to broadcast: %s", a.AlertType)
		}
	})

	m.LowGasBalance("0xabc", "12.5")

	if atomic.LoadInt32(&called) != 1 {
		t.Errorf("expected broadcast callback invoked once, got %d", called)
	}
}

func TestSeverityMeetsThreshold(t *testing.T) {
	cases := []struct {
		severity, minimum string
		want              bool
	}{
		{SeverityCritical, SeverityHigh, true},
		{SeverityHigh, SeverityHigh, true},
		{SeverityLow, SeverityHigh, false},
		{SeverityInfo, SeverityInfo, true},
	}
	for _, c := range cases {
		if got := severityMeetsThreshold(c.severity, c.minimum); got != c.want {
			t.Errorf("severityMeetsThreshold(%s, %s) = %v, want %v", c.severity, c.minimum, got, c.want)
		}
	}
}

func TestBySeverityFiltersHistory(t *testing.T) {
	m := NewManager(nil)
	m.StuckLobby(1, time.Second)               // low
	m.RefundExhausted(1, "user-1", errors.New("boom")) // critical

	got := m.BySeverity(SeverityHigh)
	if len(got) != 1 {
		t.Fatalf("expected 1 alert at or above high severity, got %d", len(got))
	}
	if got[0].AlertType != TypeRefundExhausted {
		t.Errorf("expected refund_exhausted alert to survive filter, got %s", got[0].AlertType)
	}
}

func TestWebhookDeliveredOnlyAboveMinSeverity(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(nil)
	m.RegisterWebhook("ops", srv.URL, SeverityHigh, nil)

	m.StuckLobby(1, time.Minute) // low severity, below threshold
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected webhook not called for low-severity alert, got %d calls", hits)
	}

	m.PayoutFailed("match-a", "user-1", errors.New("insufficient funds")) // high severity
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected webhook called once for high-severity alert, got %d calls", hits)
	}
}

func TestRemoveWebhookStopsDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	m := NewManager(nil)
	m.RegisterWebhook("ops", srv.URL, SeverityInfo, nil)
	m.RemoveWebhook("ops")

	m.MatchCompleted("match-a", "user-1")
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no delivery after webhook removal, got %d calls", hits)
	}
}

func TestItoaMatchesStrconv(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1000000}
	for _, n := range cases {
		if got := itoa(n); got != itoaRef(n) {
			t.Errorf("itoa(%d) = %q, want %q", n, got, itoaRef(n))
		}
	}
}

func itoaRef(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
