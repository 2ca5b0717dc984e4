// Package coordinator is the relay's room membership authority. It knows who
// is in which room and routes signals between them. It holds no opinion about
// link health.
package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

var (
	// ErrRelayTargetUnreachable is returned by Relay when the target is not
	// joined. Callers drop the signal; the sender eventually times out.
	ErrRelayTargetUnreachable = errors.New("coordinator: relay target not joined")
	// ErrStaleSender is returned by Relay when the sending session no longer
	// holds the participant id it speaks for, e.g. after a rejoin elsewhere.
	ErrStaleSender = errors.New("coordinator: sender is not the joined session")
	// ErrRoomJoinRejected is reserved for room capacity limits. Rooms are
	// unbounded, so nothing returns it today.
	ErrRoomJoinRejected = errors.New("coordinator: room join rejected")
)

// Observer is told about membership changes after they are recorded. It is
// called without the coordinator lock held.
type Observer interface {
	OnJoin(roomID string, p signaling.Participant)
	OnLeave(roomID, participantID string)
	OnRoomClosed(roomID string)
}

type Config struct {
	// Grace is how long an empty room lingers before it is collected.
	Grace    time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Observer Observer
}

type member struct {
	p    signaling.Participant
	conn signaling.Member
	seq  uint64
}

type room struct {
	id      string
	members map[string]*member
	gc      *time.Timer
}

type Coordinator struct {
	grace    time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	observer Observer

	mu     sync.Mutex
	rooms  map[string]*room
	seq    uint64
	closed bool
}

var _ signaling.Rooms = (*Coordinator)(nil)

func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		grace:    cfg.Grace,
		metrics:  cfg.Metrics,
		log:      log,
		observer: cfg.Observer,
		rooms:    make(map[string]*room),
	}
}

func (c *Coordinator) Join(roomID string, p signaling.Participant, conn signaling.Member) []signaling.Participant {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]*member)}
		c.rooms[roomID] = r
	}
	if r.gc != nil {
		r.gc.Stop()
		r.gc = nil
	}

	old, duplicate := r.members[p.ParticipantID]
	c.seq++
	r.members[p.ParticipantID] = &member{p: p, conn: conn, seq: c.seq}

	others := r.othersLocked(p.ParticipantID)
	c.mu.Unlock()

	if duplicate {
		c.metrics.Inc(metrics.RoomDuplicateJoins)
		c.log.Info("participant rejoined on a new session", "room_id", roomID, "participant_id", p.ParticipantID)
		gone := signaling.Message{Type: signaling.MessageTypeUserDisconnected, RoomID: roomID, ParticipantID: p.ParticipantID}
		c.deliver(others, gone)
		if old.conn != conn {
			old.conn.Replaced()
		}
	}
	c.deliver(others, signaling.Message{
		Type:          signaling.MessageTypeUserConnected,
		RoomID:        roomID,
		ParticipantID: p.ParticipantID,
		DisplayName:   p.DisplayName,
	})

	c.metrics.Inc(metrics.RoomJoins)
	if c.observer != nil {
		c.observer.OnJoin(roomID, p)
	}

	snapshot := make([]signaling.Participant, len(others))
	for i, m := range others {
		snapshot[i] = m.p
	}
	return snapshot
}

// Leave removes the membership only if conn is still the registered session
// for participantID, so a stale socket closing after a rejoin is harmless.
func (c *Coordinator) Leave(roomID, participantID string, conn signaling.Member) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	m, ok := r.members[participantID]
	if !ok || m.conn != conn {
		c.mu.Unlock()
		return
	}
	delete(r.members, participantID)
	others := r.othersLocked("")
	if len(r.members) == 0 && !c.closed {
		c.scheduleGCLocked(r)
	}
	c.mu.Unlock()

	c.deliver(others, signaling.Message{Type: signaling.MessageTypeUserDisconnected, RoomID: roomID, ParticipantID: participantID})
	c.metrics.Inc(metrics.RoomLeaves)
	if c.observer != nil {
		c.observer.OnLeave(roomID, participantID)
	}
}

func (c *Coordinator) Relay(sender signaling.Member, msg signaling.Message) error {
	c.mu.Lock()
	var target *member
	r, ok := c.rooms[msg.RoomID]
	if ok && !r.holdsLocked(msg.From, sender) {
		c.mu.Unlock()
		c.metrics.Inc(metrics.RelayStaleSender)
		c.log.Debug("relay from stale session", "room_id", msg.RoomID, "from", msg.From, "to", msg.To, "type", msg.Type)
		return ErrStaleSender
	}
	if ok {
		target = r.members[msg.To]
	}
	c.mu.Unlock()

	if target == nil {
		c.metrics.Inc(metrics.RelayTargetUnreachable)
		c.log.Debug("relay target not joined", "room_id", msg.RoomID, "from", msg.From, "to", msg.To, "type", msg.Type)
		return ErrRelayTargetUnreachable
	}
	c.metrics.Inc(metrics.RelayedSignals)
	if err := target.conn.Send(msg); err != nil {
		return fmt.Errorf("relay %s to %s: %w", msg.Type, msg.To, err)
	}
	return nil
}

// Broadcast sends msg to every member of roomID except from. It is dropped
// unless sender is the session registered for from.
func (c *Coordinator) Broadcast(sender signaling.Member, roomID, from string, msg signaling.Message) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok || !r.holdsLocked(from, sender) {
		c.mu.Unlock()
		c.metrics.Inc(metrics.RelayStaleSender)
		return
	}
	targets := r.othersLocked(from)
	c.mu.Unlock()

	switch msg.Type {
	case signaling.MessageTypeChatMessage:
		c.metrics.Inc(metrics.ChatMessages)
	case signaling.MessageTypeHandRaised:
		c.metrics.Inc(metrics.HandRaises)
	}
	c.deliver(targets, msg)
}

// Snapshot returns every room with its members. Rooms waiting out their grace
// period are included with no members.
func (c *Coordinator) Snapshot() map[string][]signaling.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]signaling.Participant, len(c.rooms))
	for id, r := range c.rooms {
		members := r.othersLocked("")
		ps := make([]signaling.Participant, len(members))
		for i, m := range members {
			ps[i] = m.p
		}
		out[id] = ps
	}
	return out
}

// Stats reports the live room and member counts.
func (c *Coordinator) Stats() (rooms, members int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		members += len(r.members)
	}
	return len(c.rooms), members
}

// Close stops pending room collection.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, r := range c.rooms {
		if r.gc != nil {
			r.gc.Stop()
			r.gc = nil
		}
	}
}

func (c *Coordinator) scheduleGCLocked(r *room) {
	if r.gc != nil {
		r.gc.Stop()
	}
	r.gc = time.AfterFunc(c.grace, func() { c.collect(r) })
}

func (c *Coordinator) collect(r *room) {
	c.mu.Lock()
	if c.rooms[r.id] != r || len(r.members) != 0 || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, r.id)
	r.gc = nil
	c.mu.Unlock()

	c.metrics.Inc(metrics.RoomsCollected)
	c.log.Debug("room collected", "room_id", r.id)
	if c.observer != nil {
		c.observer.OnRoomClosed(r.id)
	}
}

func (c *Coordinator) deliver(targets []*member, msg signaling.Message) {
	for _, m := range targets {
		if err := m.conn.Send(msg); err != nil {
			c.log.Debug("deliver failed", "participant_id", m.p.ParticipantID, "type", msg.Type, "err", err)
		}
	}
}

func (r *room) holdsLocked(participantID string, conn signaling.Member) bool {
	m, ok := r.members[participantID]
	return ok && m.conn == conn
}

// othersLocked returns members in join order, excluding skip.
func (r *room) othersLocked(skip string) []*member {
	out := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id != skip {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
