package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New("test")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(time.Now())
	m.Frame(DirToEngine)
	m.Frame(DirToClient)
	m.Frame(DirToClient)
	m.LineDropped()
	m.SpawnFailed()
	m.EngineExited(ExitEngineExited)

	if got := testutil.ToFloat64(m.sessionsAct); got != 1 {
		t.Fatalf("sessions_active = %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsTotal); got != 2 {
		t.Fatalf("sessions_total = %v", got)
	}
	if got := testutil.ToFloat64(m.frames.WithLabelValues(DirToClient)); got != 2 {
		t.Fatalf("frames to_client = %v", got)
	}
	if got := testutil.ToFloat64(m.linesDropped); got != 1 {
		t.Fatalf("lines_dropped = %v", got)
	}
}

func TestNilMetricsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Frame(DirToEngine)
	m.LineDropped()
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New("bridge")
	m.SpawnFailed()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "bridge_engine_spawn_failures_total 1") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
