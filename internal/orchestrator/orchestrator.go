// Package orchestrator owns every peer link of one participant. All state
// lives on a single event loop; pion callbacks, timers and API calls only
// queue work for it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/peerlink"
)

const (
	DefaultMaxAttempts      = 3
	DefaultReconnectBackoff = time.Second
	DefaultSweepInterval    = 30 * time.Second

	noticeBuffer = 16
)

var (
	ErrClosed                   = errors.New("orchestrator: closed")
	ErrPeerLeft                 = errors.New("orchestrator: peer left")
	ErrNoOffer                  = errors.New("orchestrator: responder link needs a remote offer")
	ErrUnknownPeer              = errors.New("orchestrator: no link to peer")
	ErrReconnectBudgetExhausted = errors.New("orchestrator: reconnect budget exhausted")
)

type Config struct {
	// SelfID breaks offer glare: the smaller participant id keeps its offer.
	SelfID string

	Tracks    peerlink.Tracks
	AudioOnly bool
	VideoKbps int
	AudioKbps int

	NewNative peerlink.NativeFactory
	// Send hands an outbound signal to the transport. It runs on link
	// goroutines.
	Send func(peerID string, sig peerlink.Signal)

	ConnectTimeout   time.Duration
	MaxAttempts      int
	ReconnectBackoff time.Duration
	SweepInterval    time.Duration

	AfterFunc peerlink.AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger
}

type NoticeKind string

const (
	// NoticeLinkGaveUp means the reconnect budget for a peer ran out.
	NoticeLinkGaveUp NoticeKind = "link-gave-up"
	// NoticeLinkError means a link could not be built at all.
	NoticeLinkError NoticeKind = "link-error"
)

// Notice is a per-peer problem worth showing to the user.
type Notice struct {
	PeerID string
	Kind   NoticeKind
	Err    error
}

func (n Notice) String() string {
	return fmt.Sprintf("%s: %s: %v", n.PeerID, n.Kind, n.Err)
}

type RosterEntry struct {
	ID          string
	DisplayName string
	HandRaised  bool
	State       peerlink.State
}

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    *webrtc.TrackRemote
}

// LinkInfo describes one record, live or stale.
type LinkInfo struct {
	PeerID     string
	InstanceID uint64
	Role       peerlink.Role
	State      peerlink.State
	Destroyed  bool
	Confirmed  bool
	Attempts   int
}

type record struct {
	peerID     string
	instanceID uint64
	role       peerlink.Role
	link       *peerlink.Link
	destroyed  bool
	attempts   int
	reconnect  peerlink.Timer
	tracks     []RemoteTrack
}

func (r *record) info() LinkInfo {
	return LinkInfo{
		PeerID:     r.peerID,
		InstanceID: r.instanceID,
		Role:       r.role,
		State:      r.link.State(),
		Destroyed:  r.destroyed,
		Confirmed:  r.link.Confirmed(),
		Attempts:   r.attempts,
	}
}

type ensureResult struct {
	info LinkInfo
	err  error
}

// creation is a link being built off the loop. Work for its peer waits in
// deferred until it lands.
type creation struct {
	instance uint64
	role     peerlink.Role
	attempts int
	waiters  []chan ensureResult
	deferred []func()
}

type rosterState struct {
	entry  RosterEntry
	gaveUp bool
}

type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	queue   *eventQueue
	notices chan Notice
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop.
	records      map[string]*record
	arena        []*record
	creating     map[string]*creation
	roster       map[string]*rosterState
	audioOnly    bool
	lastInstance uint64
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = peerlink.DefaultConnectTimeout
	}
	if cfg.VideoKbps <= 0 {
		cfg.VideoKbps = peerlink.DefaultVideoKbps
	}
	if cfg.AudioKbps <= 0 {
		cfg.AudioKbps = peerlink.DefaultAudioKbps
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) peerlink.Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Send == nil {
		cfg.Send = func(string, peerlink.Signal) {}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		queue:     newEventQueue(),
		notices:   make(chan Notice, noticeBuffer),
		done:      make(chan struct{}),
		records:   make(map[string]*record),
		creating:  make(map[string]*creation),
		roster:    make(map[string]*rosterState),
		audioOnly: cfg.AudioOnly,
	}
}

// Run consumes events until ctx is done, then closes every link.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}
	defer close(o.done)

	stop := context.AfterFunc(ctx, o.queue.Close)
	defer stop()

	go func() {
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.post(o.sweep)
			}
		}
	}()

	for {
		ev, ok := o.queue.Pop()
		if !ok {
			break
		}
		ev()
	}
	o.shutdown()
	close(o.notices)
	return ctx.Err()
}

// Events delivers notices. It is closed when Run returns.
func (o *Orchestrator) Events() <-chan Notice {
	return o.notices
}

func (o *Orchestrator) post(ev event) bool {
	return o.queue.Push(ev)
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !o.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// EnsureLink returns the live link to peerID, creating one if needed.
// Concurrent calls for the same peer share one creation.
func (o *Orchestrator) EnsureLink(ctx context.Context, peerID string, role peerlink.Role) (LinkInfo, error) {
	reply := make(chan ensureResult, 1)
	if !o.post(func() { o.ensure(peerID, role, nil, reply) }) {
		return LinkInfo{}, ErrClosed
	}
	select {
	case res := <-reply:
		return res.info, res.err
	case <-ctx.Done():
		return LinkInfo{}, ctx.Err()
	case <-o.done:
		return LinkInfo{}, ErrClosed
	}
}

// OnParticipantJoined is called for a user-connected event. This side
// initiates the link.
func (o *Orchestrator) OnParticipantJoined(peerID, displayName string) {
	o.post(func() {
		if peerID == o.cfg.SelfID {
			return
		}
		o.upsertRoster(peerID, displayName)
		o.ensure(peerID, peerlink.RoleInitiator, nil, nil)
	})
}

// OnParticipantListed records a member that was already in the room when we
// joined. That member initiates, so no link is created here.
func (o *Orchestrator) OnParticipantListed(peerID, displayName string) {
	o.post(func() {
		if peerID != o.cfg.SelfID {
			o.upsertRoster(peerID, displayName)
		}
	})
}

func (o *Orchestrator) OnParticipantLeft(peerID string) {
	o.post(func() { o.onLeft(peerID) })
}

func (o *Orchestrator) OnOffer(from, sdp string) {
	o.post(func() { o.onOffer(from, sdp) })
}

func (o *Orchestrator) OnAnswer(from, sdp string) {
	o.post(func() { o.onSignal(from, peerlink.Signal{Type: peerlink.SignalAnswer, SDP: sdp}) })
}

func (o *Orchestrator) OnCandidate(from string, c webrtc.ICECandidateInit) {
	o.post(func() { o.onSignal(from, peerlink.Signal{Type: peerlink.SignalCandidate, Candidate: &c}) })
}

func (o *Orchestrator) OnHandRaised(peerID string, raised bool) {
	o.post(func() {
		st := o.upsertRoster(peerID, "")
		st.entry.HandRaised = raised
	})
}

// Reconnect tears down the current link to peerID and dials again as
// initiator. It counts against the same budget as automatic reconnects.
func (o *Orchestrator) Reconnect(ctx context.Context, peerID string) error {
	var err error
	if doErr := o.do(ctx, func() { err = o.reconnectManual(peerID) }); doErr != nil {
		return doErr
	}
	return err
}

// SetAudioOnly switches every link, and every future link, in or out of
// audio-only mode. Connected links renegotiate in place.
func (o *Orchestrator) SetAudioOnly(ctx context.Context, on bool) error {
	return o.do(ctx, func() {
		o.audioOnly = on
		for _, rec := range o.records {
			if err := rec.link.SetAudioOnly(on); err != nil {
				o.log.Warn("set audio-only", "peer_id", rec.peerID, "instance_id", rec.instanceID, "err", err)
				continue
			}
			if rec.link.State() != peerlink.StateConnected {
				continue
			}
			if err := rec.link.Renegotiate(); err != nil {
				o.log.Warn("renegotiate", "peer_id", rec.peerID, "instance_id", rec.instanceID, "err", err)
			}
		}
	})
}

// Roster lists known participants ordered by id.
func (o *Orchestrator) Roster(ctx context.Context) ([]RosterEntry, error) {
	var out []RosterEntry
	err := o.do(ctx, func() {
		out = make([]RosterEntry, 0, len(o.roster))
		for id, st := range o.roster {
			e := st.entry
			switch rec := o.records[id]; {
			case rec != nil:
				e.State = rec.link.State()
			case st.gaveUp:
				e.State = peerlink.StateClosed
			default:
				e.State = peerlink.StateNew
			}
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out, err
}

// Tracks returns remote tracks of live links keyed by peer.
func (o *Orchestrator) Tracks(ctx context.Context) (map[string][]RemoteTrack, error) {
	out := make(map[string][]RemoteTrack)
	err := o.do(ctx, func() {
		for id, rec := range o.records {
			if len(rec.tracks) > 0 {
				out[id] = append([]RemoteTrack(nil), rec.tracks...)
			}
		}
	})
	return out, err
}

// Records lists every record for peerID still in the arena, including
// destroyed ones not yet swept.
func (o *Orchestrator) Records(ctx context.Context, peerID string) ([]LinkInfo, error) {
	var out []LinkInfo
	err := o.do(ctx, func() {
		for _, rec := range o.arena {
			if rec.peerID == peerID {
				out = append(out, rec.info())
			}
		}
	})
	return out, err
}

// ArenaSize is the number of records not yet swept.
func (o *Orchestrator) ArenaSize(ctx context.Context) (int, error) {
	var n int
	err := o.do(ctx, func() { n = len(o.arena) })
	return n, err
}
