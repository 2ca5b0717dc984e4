package meetings

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	presenceWriteTimeout = 2 * time.Second
	presenceQueueSize    = 1024
)

type presenceOp struct {
	event  string
	roomID string
	apply  func(ctx context.Context) error
}

// Presence mirrors room membership into the store so meeting listings carry
// live participant counts. It satisfies coordinator.Observer.
//
// Observer calls only queue the write; one worker applies them in order. When
// the queue is full the update is dropped and the reaper's next pass
// reconciles the count.
type Presence struct {
	store Store
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan presenceOp
	done   chan struct{}
}

func NewPresence(store Store, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Presence{
		store: store,
		log:   logger,
		ops:   make(chan presenceOp, presenceQueueSize),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Presence) OnJoin(roomID string, participant signaling.Participant) {
	id := participant.ParticipantID
	p.enqueue(presenceOp{event: "join", roomID: roomID, apply: func(ctx context.Context) error {
		return p.store.AddParticipant(ctx, roomID, id)
	}})
}

func (p *Presence) OnLeave(roomID, participantID string) {
	p.enqueue(presenceOp{event: "leave", roomID: roomID, apply: func(ctx context.Context) error {
		return p.store.RemoveParticipant(ctx, roomID, participantID)
	}})
}

func (p *Presence) OnRoomClosed(roomID string) {
	p.enqueue(presenceOp{event: "room_closed", roomID: roomID, apply: func(ctx context.Context) error {
		return p.store.SetParticipants(ctx, roomID, nil)
	}})
}

// Close stops taking updates and waits for queued ones to be written.
func (p *Presence) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ops)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Presence) enqueue(op presenceOp) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ops <- op:
	default:
		p.log.Warn("presence queue full, dropping update", "event", op.event, "room_id", op.roomID)
	}
}

func (p *Presence) run() {
	defer close(p.done)
	for op := range p.ops {
		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		err := op.apply(ctx)
		cancel()
		if err != nil {
			p.log.Warn("presence write failed", "event", op.event, "room_id", op.roomID, "err", err)
		}
	}
}
