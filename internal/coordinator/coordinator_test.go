package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type recordingMember struct {
	mu       sync.Mutex
	msgs     []signaling.Message
	replaced int
}

func (m *recordingMember) Replaced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced++
}

func (m *recordingMember) Send(msg signaling.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *recordingMember) types() []signaling.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signaling.MessageType, len(m.msgs))
	for i, msg := range m.msgs {
		out[i] = msg.Type
	}
	return out
}

func (m *recordingMember) last() signaling.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return signaling.Message{}
	}
	return m.msgs[len(m.msgs)-1]
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, s)
}

func (o *recordingObserver) OnJoin(roomID string, p signaling.Participant) {
	o.add("join:" + roomID + ":" + p.ParticipantID)
}
func (o *recordingObserver) OnLeave(roomID, participantID string) {
	o.add("leave:" + roomID + ":" + participantID)
}
func (o *recordingObserver) OnRoomClosed(roomID string) { o.add("closed:" + roomID) }

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func participant(id string) signaling.Participant {
	return signaling.Participant{ParticipantID: id, DisplayName: "name-" + id}
}

func TestJoinReturnsOthersAndAnnounces(t *testing.T) {
	c := New(Config{Grace: time.Minute})
	t.Cleanup(c.Close)

	a, b, d := &recordingMember{}, &recordingMember{}, &recordingMember{}
	if got := c.Join("room", participant("a"), a); len(got) != 0 {
		t.Fatalf("first join snapshot=%v, want empty", got)
	}
	got := c.Join("room", participant("b"), b)
	if len(got) != 1 || got[0].ParticipantID != "a" {
		t.Fatalf("second join snapshot=%v, want [a]", got)
	}
	got = c.Join("room", participant("d"), d)
	if len(got) != 2 || got[0].ParticipantID != "a" || got[1].ParticipantID != "b" {
		t.Fatalf("third join snapshot=%v, want [a b] in join order", got)
	}

	if types := a.types(); len(types) != 2 || types[0] != signaling.MessageTypeUserConnected {
		t.Fatalf("a received %v", types)
	}
	last := a.last()
	if last.ParticipantID != "d" || last.DisplayName != "name-d" || last.RoomID != "room" {
		t.Fatalf("user-connected=%+v", last)
	}
	if types := d.types(); len(types) != 0 {
		t.Fatalf("joiner should not be told about itself, got %v", types)
	}
}

func TestRelayDeliversOnlyToTarget(t *testing.T) {
	m := metrics.New()
	c := New(Config{Grace: time.Minute, Metrics: m})
	t.Cleanup(c.Close)

	a, b, d := &recordingMember{}, &recordingMember{}, &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Join("room", participant("b"), b)
	c.Join("room", participant("d"), d)
	before := len(d.types())

	offer := signaling.Message{Type: signaling.MessageTypeOffer, RoomID: "room", From: "a", To: "b", SDP: &signaling.SDP{Type: "offer", SDP: "v=0"}}
	if err := c.Relay(a, offer); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if got := b.last(); got.Type != signaling.MessageTypeOffer || got.From != "a" {
		t.Fatalf("b last=%+v", got)
	}
	if len(d.types()) != before {
		t.Fatalf("signal leaked to non-target")
	}
	if m.Get(metrics.RelayedSignals) != 1 {
		t.Fatalf("relayed=%d", m.Get(metrics.RelayedSignals))
	}
}

func TestRelayToDepartedPeerIsDropped(t *testing.T) {
	m := metrics.New()
	c := New(Config{Grace: time.Minute, Metrics: m})
	t.Cleanup(c.Close)

	a, b := &recordingMember{}, &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Join("room", participant("b"), b)
	c.Leave("room", "b", b)
	before := len(b.types())

	cand := signaling.Message{Type: signaling.MessageTypeCandidate, RoomID: "room", From: "a", To: "b", Candidate: &signaling.Candidate{Candidate: "candidate:1"}}
	if err := c.Relay(a, cand); !errors.Is(err, ErrRelayTargetUnreachable) {
		t.Fatalf("Relay err=%v, want ErrRelayTargetUnreachable", err)
	}
	if len(b.types()) != before {
		t.Fatalf("departed peer received a signal")
	}
	if m.Get(metrics.RelayTargetUnreachable) != 1 {
		t.Fatalf("unreachable=%d", m.Get(metrics.RelayTargetUnreachable))
	}

	cand.RoomID = "other-room"
	if err := c.Relay(a, cand); !errors.Is(err, ErrRelayTargetUnreachable) {
		t.Fatalf("Relay to unknown room err=%v", err)
	}
}

func TestLeaveBroadcastsAndIgnoresStaleSession(t *testing.T) {
	obs := &recordingObserver{}
	c := New(Config{Grace: time.Minute, Observer: obs})
	t.Cleanup(c.Close)

	a, b := &recordingMember{}, &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Join("room", participant("b"), b)

	stranger := &recordingMember{}
	c.Leave("room", "b", stranger)
	if _, members := c.Stats(); members != 2 {
		t.Fatalf("leave from a non-registered session removed membership")
	}

	c.Leave("room", "b", b)
	if got := a.last(); got.Type != signaling.MessageTypeUserDisconnected || got.ParticipantID != "b" {
		t.Fatalf("a last=%+v", got)
	}
	if _, members := c.Stats(); members != 1 {
		t.Fatalf("members=%d, want 1", members)
	}
	events := obs.snapshot()
	if len(events) != 3 || events[2] != "leave:room:b" {
		t.Fatalf("observer events=%v", events)
	}
}

func TestDuplicateJoinReplacesSession(t *testing.T) {
	m := metrics.New()
	c := New(Config{Grace: time.Minute, Metrics: m})
	t.Cleanup(c.Close)

	a, bOld, bNew := &recordingMember{}, &recordingMember{}, &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Join("room", participant("b"), bOld)
	a.mu.Lock()
	a.msgs = nil
	a.mu.Unlock()

	snap := c.Join("room", participant("b"), bNew)
	if len(snap) != 1 || snap[0].ParticipantID != "a" {
		t.Fatalf("snapshot=%v", snap)
	}
	types := a.types()
	if len(types) != 2 || types[0] != signaling.MessageTypeUserDisconnected || types[1] != signaling.MessageTypeUserConnected {
		t.Fatalf("a received %v, want [user-disconnected user-connected]", types)
	}
	bOld.mu.Lock()
	replaced := bOld.replaced
	bOld.mu.Unlock()
	if replaced != 1 {
		t.Fatalf("old session replaced %d times, want 1", replaced)
	}

	// The old session can no longer speak for b.
	before := len(a.types())
	stale := signaling.Message{Type: signaling.MessageTypeOffer, RoomID: "room", From: "b", To: "a", SDP: &signaling.SDP{Type: "offer", SDP: "v=0"}}
	if err := c.Relay(bOld, stale); !errors.Is(err, ErrStaleSender) {
		t.Fatalf("Relay from old session err=%v, want ErrStaleSender", err)
	}
	c.Broadcast(bOld, "room", "b", signaling.Message{Type: signaling.MessageTypeChatMessage, RoomID: "room", Sender: "b", Text: "stale"})
	if len(a.types()) != before {
		t.Fatalf("old session reached a: %v", a.types()[before:])
	}
	if m.Get(metrics.RelayStaleSender) != 2 {
		t.Fatalf("stale sender drops=%d, want 2", m.Get(metrics.RelayStaleSender))
	}
	if err := c.Relay(bNew, stale); err != nil {
		t.Fatalf("Relay from new session: %v", err)
	}

	// The old socket closing afterwards must not evict the new session.
	c.Leave("room", "b", bOld)
	if _, members := c.Stats(); members != 2 {
		t.Fatalf("members=%d, want 2", members)
	}
	if err := c.Relay(a, signaling.Message{Type: signaling.MessageTypeAnswer, RoomID: "room", From: "a", To: "b"}); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if got := bNew.last(); got.Type != signaling.MessageTypeAnswer {
		t.Fatalf("new session last=%+v", got)
	}
	if m.Get(metrics.RoomDuplicateJoins) != 1 {
		t.Fatalf("duplicate joins=%d", m.Get(metrics.RoomDuplicateJoins))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	c := New(Config{Grace: time.Minute})
	t.Cleanup(c.Close)

	a, b, d := &recordingMember{}, &recordingMember{}, &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Join("room", participant("b"), b)
	c.Join("room", participant("d"), d)
	before := len(a.types())

	c.Broadcast(a, "room", "a", signaling.Message{Type: signaling.MessageTypeChatMessage, RoomID: "room", Sender: "a", Text: "hi"})
	if len(a.types()) != before {
		t.Fatalf("sender received its own broadcast")
	}
	for name, m := range map[string]*recordingMember{"b": b, "d": d} {
		if got := m.last(); got.Type != signaling.MessageTypeChatMessage || got.Text != "hi" {
			t.Fatalf("%s last=%+v", name, got)
		}
	}
}

func TestEmptyRoomCollectedAfterGrace(t *testing.T) {
	obs := &recordingObserver{}
	c := New(Config{Grace: 20 * time.Millisecond, Observer: obs})
	t.Cleanup(c.Close)

	a := &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Leave("room", "a", a)

	if _, ok := c.Snapshot()["room"]; !ok {
		t.Fatalf("room destroyed immediately, want grace period")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Snapshot()["room"]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room not collected after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := obs.snapshot()
	if events[len(events)-1] != "closed:room" {
		t.Fatalf("observer events=%v", events)
	}
}

func TestJoinCancelsGrace(t *testing.T) {
	c := New(Config{Grace: 30 * time.Millisecond})
	t.Cleanup(c.Close)

	a := &recordingMember{}
	c.Join("room", participant("a"), a)
	c.Leave("room", "a", a)
	c.Join("room", participant("a"), a)

	time.Sleep(100 * time.Millisecond)
	snap := c.Snapshot()
	if got := snap["room"]; len(got) != 1 {
		t.Fatalf("room members=%v, want rejoined member to survive grace", got)
	}
}
