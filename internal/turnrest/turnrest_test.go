package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestFor_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.For("alice")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix=%d", creds.ExpiryUnix)
	}
	wantUsername := "1700003600:aero:alice"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
	if g.TTL() != time.Hour {
		t.Fatalf("TTL=%v", g.TTL())
	}
}

func TestFor_RandomID(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.For("")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	b, _ := g.For("")
	if a.Username == b.Username {
		t.Fatalf("expected distinct random usernames, got %q twice", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[2] == "" {
		t.Fatalf("malformed username %q", a.Username)
	}
}

func TestValidation(t *testing.T) {
	bad := []Config{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range bad {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}

	g, _ := NewGenerator(Config{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "p"})
	if _, err := g.For("x:y"); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
}
