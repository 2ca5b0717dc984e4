package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		raw      string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{raw: "HTTPS://Example.COM:443", wantNorm: "https://example.com", wantHost: "example.com", wantOK: true},
		{raw: "http://localhost:5173/", wantNorm: "http://localhost:5173", wantHost: "localhost:5173", wantOK: true},
		{raw: "http://[::1]:8080", wantNorm: "http://[::1]:8080", wantHost: "[::1]:8080", wantOK: true},
		{raw: "null", wantNorm: "null", wantOK: true},
		{raw: ""},
		{raw: "ftp://example.com"},
		{raw: "https://example.com/path"},
		{raw: "https://example.com/?q=1"},
		{raw: "https://example.com?"},
		{raw: "https://user@example.com"},
		{raw: "https://example.com/#frag"},
		{raw: "https://example.com:0"},
		{raw: "https://example.com:99999"},
	}
	for _, tt := range tests {
		norm, host, ok := NormalizeHeader(tt.raw)
		if ok != tt.wantOK || norm != tt.wantNorm || host != tt.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tt.raw, norm, host, ok, tt.wantNorm, tt.wantHost, tt.wantOK)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	if !IsAllowed(normalized, host, "app.example.com", nil) {
		t.Fatalf("expected same-host to be allowed")
	}
	if !IsAllowed(normalized, host, "app.example.com:443", nil) {
		t.Fatalf("expected default port to be equivalent")
	}
	if IsAllowed(normalized, host, "app.example.com:8443", nil) {
		t.Fatalf("expected different port to be rejected")
	}
	if !IsAllowed(normalized, host, "whatever:1234", []string{"*"}) {
		t.Fatalf("expected * to allow any origin")
	}
	if IsAllowed(normalized, host, "relay.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("expected non-matching origin to be rejected")
	}
	if !IsAllowed("null", "", "relay.example.com", []string{"null"}) {
		t.Fatalf("expected null origin to be allowed when configured")
	}
	if IsAllowed("null", "", "relay.example.com", nil) {
		t.Fatalf("null origin cannot match same-host policy")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{AllowedOrigins: []string{"https://meet.example.com"}}

	r := httptest.NewRequest("GET", "http://relay.example.com/webrtc/signal", nil)
	if _, ok := p.Check(r); !ok {
		t.Fatalf("requests without Origin must pass")
	}

	r.Header.Set("Origin", "https://meet.example.com")
	norm, ok := p.Check(r)
	if !ok || norm != "https://meet.example.com" {
		t.Fatalf("Check=(%q,%v)", norm, ok)
	}

	r.Header.Set("Origin", "https://evil.example.com")
	if p.CheckOrigin(r) {
		t.Fatalf("expected evil origin to be rejected")
	}

	r.Header.Set("Origin", "not a url")
	if p.CheckOrigin(r) {
		t.Fatalf("expected malformed origin to be rejected")
	}
}
