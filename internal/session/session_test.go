package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/orchestrator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/peerlink"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

var testSDP = strings.Join([]string{
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=sendrecv",
	"a=rtpmap:111 opus/48000/2",
}, "\r\n") + "\r\n"

// silentNative negotiates on paper and never connects.
type silentNative struct {
	mu     sync.Mutex
	remote []webrtc.SDPType
}

func (n *silentNative) AddTrack(webrtc.TrackLocal) error     { return nil }
func (n *silentNative) ReplaceVideo(webrtc.TrackLocal) error { return nil }
func (n *silentNative) CreateControlChannel() error          { return nil }
func (n *silentNative) SendControl([]byte) error             { return nil }

func (n *silentNative) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (n *silentNative) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (n *silentNative) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (n *silentNative) SetRemoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.remote = append(n.remote, desc.Type)
	return nil
}

func (n *silentNative) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (n *silentNative) Close() error                                   { return nil }

type nativePool struct {
	mu      sync.Mutex
	natives []*silentNative
}

func (p *nativePool) factory(peerlink.NativeEvents) (peerlink.Native, error) {
	n := &silentNative{}
	p.mu.Lock()
	p.natives = append(p.natives, n)
	p.mu.Unlock()
	return n, nil
}

func (p *nativePool) remoteTypes() []webrtc.SDPType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []webrtc.SDPType
	for _, n := range p.natives {
		n.mu.Lock()
		out = append(out, n.remote...)
		n.mu.Unlock()
	}
	return out
}

func startRelay(t *testing.T) string {
	t.Helper()
	rooms := coordinator.New(coordinator.Config{Grace: time.Minute})
	srv := signaling.NewServer(signaling.Config{Rooms: rooms})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		rooms.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/webrtc/signal"
}

func join(t *testing.T, url, roomID, id string, pool *nativePool) *session.Client {
	t.Helper()
	c := session.New(session.Config{
		SignalURL: url,
		NewNative: pool.factory,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Join(ctx, roomID, session.Identity{ParticipantID: id, DisplayName: strings.ToUpper(id)}); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	t.Cleanup(func() { _ = c.Leave() })
	return c
}

func rosterEntry(c *session.Client, id string) (orchestrator.RosterEntry, bool) {
	roster, err := c.Roster(context.Background())
	if err != nil {
		return orchestrator.RosterEntry{}, false
	}
	for _, e := range roster {
		if e.ID == id {
			return e, true
		}
	}
	return orchestrator.RosterEntry{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinSeedsRosterAndNegotiates(t *testing.T) {
	url := startRelay(t)
	alicePool, bobPool := &nativePool{}, &nativePool{}
	alice := join(t, url, "room", "alice", alicePool)
	bob := join(t, url, "room", "bob", bobPool)

	// Bob learned of Alice from the snapshot alone.
	if e, ok := rosterEntry(bob, "alice"); !ok || e.DisplayName != "ALICE" {
		t.Fatalf("bob roster entry for alice=%+v ok=%v", e, ok)
	}

	// Alice offers on user-connected; Bob answers.
	waitFor(t, "alice to see bob's answer", func() bool {
		types := alicePool.remoteTypes()
		return len(types) == 1 && types[0] == webrtc.SDPTypeAnswer
	})
	if types := bobPool.remoteTypes(); len(types) != 1 || types[0] != webrtc.SDPTypeOffer {
		t.Fatalf("bob remote descriptions=%v, want one offer", types)
	}
	e, ok := rosterEntry(alice, "bob")
	if !ok || e.DisplayName != "BOB" || e.State != peerlink.StateSignaling {
		t.Fatalf("alice roster entry for bob=%+v ok=%v", e, ok)
	}
}

func TestChatAndHandRaise(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "room", "alice", &nativePool{})
	bob := join(t, url, "room", "bob", &nativePool{})

	if err := alice.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	select {
	case msg := <-bob.Chat():
		if msg.Sender != "alice" || msg.Text != "hello" || msg.Timestamp.IsZero() {
			t.Fatalf("chat=%+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bob never got the chat message")
	}

	if err := bob.RaiseHand(true); err != nil {
		t.Fatalf("RaiseHand: %v", err)
	}
	waitFor(t, "alice to see bob's hand", func() bool {
		e, ok := rosterEntry(alice, "bob")
		return ok && e.HandRaised
	})

	if err := alice.SendChat("   "); err == nil {
		t.Fatalf("blank chat accepted")
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "room", "alice", &nativePool{})
	bob := join(t, url, "room", "bob", &nativePool{})

	waitFor(t, "alice to list bob", func() bool {
		_, ok := rosterEntry(alice, "bob")
		return ok
	})
	if err := bob.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, "alice to drop bob", func() bool {
		_, ok := rosterEntry(alice, "bob")
		return !ok
	})

	if _, ok := <-bob.Chat(); ok {
		t.Fatalf("chat channel open after leave")
	}
	if err := bob.SendChat("late"); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("SendChat after leave: err=%v, want ErrNotJoined", err)
	}
	if bob.Err() != nil {
		t.Fatalf("Err after a clean leave: %v", bob.Err())
	}
}

func TestSecondJoinEndsFirstSession(t *testing.T) {
	url := startRelay(t)
	first := join(t, url, "room", "alice", &nativePool{})
	bob := join(t, url, "room", "bob", &nativePool{})
	waitFor(t, "bob to list alice", func() bool {
		_, ok := rosterEntry(bob, "alice")
		return ok
	})

	second := join(t, url, "room", "alice", &nativePool{})

	waitFor(t, "first session to end", func() bool {
		return errors.Is(first.Err(), session.ErrReplaced)
	})
	select {
	case _, ok := <-first.Chat():
		if ok {
			t.Fatalf("chat delivered to the replaced session")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("replaced session's chat channel still open")
	}

	if err := second.SendChat("still here"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	select {
	case msg := <-bob.Chat():
		if msg.Sender != "alice" || msg.Text != "still here" {
			t.Fatalf("chat=%+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bob never got the chat from the new session")
	}
	if _, ok := rosterEntry(bob, "alice"); !ok {
		t.Fatalf("bob lost alice after the rejoin")
	}
}

func TestMediaAcquisitionFailureIsFatal(t *testing.T) {
	camera := errors.New("camera busy")
	c := session.New(session.Config{
		SignalURL: "ws://127.0.0.1:1/webrtc/signal",
		Media: media.SourceFunc(func(context.Context) (*media.TrackSet, error) {
			return nil, camera
		}),
	})
	err := c.Join(context.Background(), "room", session.Identity{ParticipantID: "alice"})
	if !errors.Is(err, session.ErrMediaAcquisitionFailed) {
		t.Fatalf("err=%v, want ErrMediaAcquisitionFailed", err)
	}
	var se *session.Error
	if !errors.As(err, &se) || se.Op != "acquire media" || !strings.Contains(se.Details, "camera busy") {
		t.Fatalf("err=%#v", err)
	}
}

func TestConnectFailureIsImmediate(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	c := session.New(session.Config{SignalURL: url})
	start := time.Now()
	err := c.Join(context.Background(), "room", session.Identity{})
	var se *session.Error
	if !errors.As(err, &se) || se.Op != "connect" {
		t.Fatalf("err=%v, want a connect error", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("connect failure took %v", time.Since(start))
	}
}

func TestRejoinsAfterReconnect(t *testing.T) {
	joins := make(chan signaling.Message, 4)
	var mu sync.Mutex
	conns := 0
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := signaling.ParseMessage(raw)
			if err != nil || msg.Type != signaling.MessageTypeJoinRoom {
				continue
			}
			joins <- msg
			_ = conn.WriteJSON(signaling.Message{Type: signaling.MessageTypeExistingParticipants, RoomID: msg.RoomID})
			if n == 1 {
				// Drop the first connection right after the snapshot.
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	c := session.New(session.Config{
		SignalURL:        "ws" + strings.TrimPrefix(ts.URL, "http"),
		ReconnectBackoff: 10 * time.Millisecond,
		NewNative:        (&nativePool{}).factory,
	})
	if err := c.Join(context.Background(), "room", session.Identity{DisplayName: "Alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() { _ = c.Leave() })

	self := c.Self()
	if self.ParticipantID == "" {
		t.Fatalf("participant id was not generated")
	}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-joins:
			if msg.ParticipantID != self.ParticipantID || msg.RoomID != "room" || msg.DisplayName != "Alice" {
				t.Fatalf("join %d=%+v", i, msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("join %d never arrived", i)
		}
	}
}

func TestOperationsBeforeJoin(t *testing.T) {
	c := session.New(session.Config{})
	if err := c.RaiseHand(true); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("RaiseHand: err=%v", err)
	}
	if err := c.Leave(); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("Leave: err=%v", err)
	}
	if _, err := c.Roster(context.Background()); !errors.Is(err, session.ErrNotJoined) {
		t.Fatalf("Roster: err=%v", err)
	}
}
