package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(RoomJoins)
	m.Add(RelayedSignals, 2)
	m.Inc(`quote"back\slash`)

	rooms := Gauge{Name: "aero_webrtc_mesh_rooms", Help: "Live rooms.", Value: func() float64 { return 3 }}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	PrometheusHandler(m, rooms).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE aero_webrtc_mesh_events_total counter",
		`aero_webrtc_mesh_events_total{event="relayed_signals"} 2`,
		`aero_webrtc_mesh_events_total{event="room_joins"} 1`,
		`aero_webrtc_mesh_events_total{event="quote\"back\\slash"} 1`,
		"# TYPE aero_webrtc_mesh_rooms gauge",
		"aero_webrtc_mesh_rooms 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(RoomJoins)
	if got := m.Get(RoomJoins); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
}
