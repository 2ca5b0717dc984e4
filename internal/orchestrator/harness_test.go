package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/peerlink"
)

var testSDP = strings.Join([]string{
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0 1",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=sendrecv",
	"a=rtpmap:111 opus/48000/2",
	"m=video 9 UDP/TLS/RTP/SAVPF 96",
	"c=IN IP4 0.0.0.0",
	"a=mid:1",
	"a=sendrecv",
	"a=rtpmap:96 VP8/90000",
}, "\r\n") + "\r\n"

func withFingerprint(raw, fp string) string {
	return strings.Replace(raw, "t=0 0\r\n", "t=0 0\r\na=fingerprint:"+fp+"\r\n", 1)
}

const (
	testConnectTimeout = 15 * time.Second
	testBackoff        = time.Second
)

// stubNative records what a link asks of its connection.
type stubNative struct {
	mu            sync.Mutex
	ev            peerlink.NativeEvents
	local         []webrtc.SessionDescription
	remote        []webrtc.SessionDescription
	videoReplaced int
	closed        int
}

func (n *stubNative) AddTrack(webrtc.TrackLocal) error { return nil }

func (n *stubNative) ReplaceVideo(webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.videoReplaced++
	return nil
}

func (n *stubNative) CreateControlChannel() error   { return nil }
func (n *stubNative) SendControl(data []byte) error { return nil }

func (n *stubNative) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (n *stubNative) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (n *stubNative) SetLocalDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.local = append(n.local, desc)
	return nil
}

func (n *stubNative) SetRemoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remote = append(n.remote, desc)
	return nil
}

func (n *stubNative) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (n *stubNative) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
	return nil
}

func (n *stubNative) setState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	ev := n.ev
	n.mu.Unlock()
	ev.OnState(s)
}

func (n *stubNative) counts() (remote, closed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.remote), n.closed
}

type stubNet struct {
	mu      sync.Mutex
	natives []*stubNative
	// gate, when set, holds every creation until it is closed.
	gate chan struct{}
}

func (s *stubNet) factory(ev peerlink.NativeEvents) (peerlink.Native, error) {
	if s.gate != nil {
		<-s.gate
	}
	n := &stubNative{ev: ev}
	s.mu.Lock()
	s.natives = append(s.natives, n)
	s.mu.Unlock()
	return n, nil
}

func (s *stubNet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.natives)
}

func (s *stubNet) native(i int) *stubNative {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.natives[i]
}

func (s *stubNet) last() *stubNative {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.natives[len(s.natives)-1]
}

type stubTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *stubTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type stubClock struct {
	mu     sync.Mutex
	timers []*stubTimer
}

func (c *stubClock) afterFunc(d time.Duration, f func()) peerlink.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &stubTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every pending timer armed for d and reports how many ran.
func (c *stubClock) fire(d time.Duration) int {
	c.mu.Lock()
	var due []*stubTimer
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *stubClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentSignal struct {
	to  string
	sig peerlink.Signal
}

type outbox struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (o *outbox) send(to string, sig peerlink.Signal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sentSignal{to: to, sig: sig})
}

func (o *outbox) ofType(t peerlink.SignalType) []sentSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sentSignal
	for _, s := range o.sent {
		if s.sig.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	o     *Orchestrator
	net   *stubNet
	clock *stubClock
	out   *outbox
	ctx   context.Context
	stop  func()
}

func newHarness(t *testing.T, selfID string, mutate func(*Config)) *harness {
	t.Helper()
	return newGatedHarness(t, selfID, nil, mutate)
}

func newGatedHarness(t *testing.T, selfID string, gate chan struct{}, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{net: &stubNet{gate: gate}, clock: &stubClock{}, out: &outbox{}}
	cfg := Config{
		SelfID:           selfID,
		NewNative:        h.net.factory,
		Send:             h.out.send,
		ConnectTimeout:   testConnectTimeout,
		ReconnectBackoff: testBackoff,
		SweepInterval:    time.Hour,
		AfterFunc:        h.clock.afterFunc,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.o = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.o.Run(ctx)
	}()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(h.stop)
	return h
}

// sync waits until every event queued so far has run.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.o.do(h.ctx, func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) records(t *testing.T, peerID string) []LinkInfo {
	t.Helper()
	infos, err := h.o.Records(h.ctx, peerID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	return infos
}

func (h *harness) live(t *testing.T, peerID string) []LinkInfo {
	t.Helper()
	var out []LinkInfo
	for _, info := range h.records(t, peerID) {
		if !info.Destroyed {
			out = append(out, info)
		}
	}
	return out
}

func (h *harness) ensure(t *testing.T, peerID string, role peerlink.Role) LinkInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	info, err := h.o.EnsureLink(ctx, peerID, role)
	if err != nil {
		t.Fatalf("EnsureLink(%s): %v", peerID, err)
	}
	return info
}

func (h *harness) rosterEntry(t *testing.T, peerID string) (RosterEntry, bool) {
	t.Helper()
	roster, err := h.o.Roster(h.ctx)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	for _, e := range roster {
		if e.ID == peerID {
			return e, true
		}
	}
	return RosterEntry{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
