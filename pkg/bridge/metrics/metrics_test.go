package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/sink"
)

var _ session.Observer = (*Metrics)(nil)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestObserverSignalsAreExported(t *testing.T) {
	m, err := New("vbtest", "dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Shutdown(context.Background())

	m.SessionStarted("openai", "browser")
	m.Interruption("client_speech", false)
	m.Interruption("provider_vad", true)
	m.ProviderReconnect("openai", true)
	m.ToolCall("web_search", sink.StatusSuccess, 120*time.Millisecond)
	m.InboundDropped("rate_limited")
	m.SinkDropped("save_turn")
	m.SinkError("postgres", "append_turn")
	m.SessionEnded("openai", "browser", "ok", 3*time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		"vbtest_interruptions_total",
		`source="client_speech"`,
		"vbtest_provider_reconnects_total",
		`outcome="ok"`,
		"vbtest_tool_calls_total",
		`tool="web_search"`,
		"vbtest_inbound_frames_dropped_total",
		"vbtest_sink_records_dropped_total",
		"vbtest_sink_write_errors_total",
		"vbtest_sessions_total",
		`code="ok"`,
		"vbtest_session_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
}

func TestDefaultNamespace(t *testing.T) {
	m, err := New("", "dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Shutdown(context.Background())
	m.InboundDropped("muted")
	if body := scrape(t, m); !strings.Contains(body, "voicebridge_inbound_frames_dropped_total") {
		t.Fatalf("default namespace missing:\n%s", body)
	}
}
