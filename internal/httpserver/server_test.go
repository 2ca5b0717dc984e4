package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func newTestServer(cfg config.Config, opts Options) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"}, opts)
}

func startTestServer(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	srv := newTestServer(testConfig(), Options{})

	// Not serving yet.
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before Serve: status=%d, want 503", rr.Code)
	}

	baseURL := startTestServer(t, srv)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		if status := getJSON(t, baseURL+"/healthz", &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := getJSON(t, baseURL+"/version", &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, newTestServer(cfg, Options{}))

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpointEmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig(), Options{}))

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"iceServers":[]`) {
		t.Fatalf("body=%s, want an empty iceServers array", raw)
	}
}

func TestICEEndpointMintsTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	m := metrics.New()
	baseURL := startTestServer(t, newTestServer(cfg, Options{Metrics: m, TURNREST: gen}))

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice?participantId=alice", &payload); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%+v", payload.ICEServers)
	}
	if stun := payload.ICEServers[0]; stun.Username != "" || stun.Credential != "" {
		t.Fatalf("stun entry got credentials: %+v", stun)
	}
	turn := payload.ICEServers[1]
	if turn.Username != "1700000600:aero:alice" {
		t.Fatalf("turn username=%q", turn.Username)
	}
	if want := turnrest.Sign([]byte("secret"), turn.Username); turn.Credential != want {
		t.Fatalf("turn credential=%q, want %q", turn.Credential, want)
	}
	if payload.ExpiresAt != 1_700_000_600 {
		t.Fatalf("expiresAt=%d", payload.ExpiresAt)
	}
	if got := m.Get(metrics.ICECredentialsRequested); got != 1 {
		t.Fatalf("ice credentials requested=%d, want 1", got)
	}

	if status := getJSON(t, baseURL+"/webrtc/ice?participantId=a:b", nil); status != http.StatusBadRequest {
		t.Fatalf("id with colon: status=%d, want 400", status)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, newTestServer(cfg, Options{}))

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestMountedHandlerGetsCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv := newTestServer(cfg, Options{})
	called := false
	srv.Mount("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/meetings", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("preflight: status=%d called=%v", rr.Code, called)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "authorization, content-type" {
		t.Fatalf("allow headers=%q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/meetings", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot || !called {
		t.Fatalf("plain request: status=%d called=%v", rr.Code, called)
	}
}

func TestMetricsEndpointExportsGauges(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.RoomJoins)
	srv := newTestServer(testConfig(), Options{
		Metrics: m,
		Gauges: []metrics.Gauge{
			{Name: "aero_webrtc_mesh_rooms", Help: "Open rooms.", Value: func() float64 { return 3 }},
		},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`aero_webrtc_mesh_events_total{event="room_joins"} 1`,
		"aero_webrtc_mesh_rooms 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestSignalingUpgradesThroughMiddleware(t *testing.T) {
	rooms := coordinator.New(coordinator.Config{})
	t.Cleanup(rooms.Close)
	sig := signaling.NewServer(signaling.Config{Rooms: rooms, Origins: origin.Policy{}})
	t.Cleanup(sig.Close)

	srv := newTestServer(testConfig(), Options{})
	sig.RegisterRoutes(srv.Mux())
	baseURL := startTestServer(t, srv)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/webrtc/signal", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(signaling.Message{Type: signaling.MessageTypeJoinRoom, RoomID: "room", ParticipantID: "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signaling.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	if msg.Type != signaling.MessageTypeExistingParticipants {
		t.Fatalf("got %s, want existing-participants", msg.Type)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, newTestServer(cfg, Options{}))

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("ice: expected 503, got %d", status)
	}
}
