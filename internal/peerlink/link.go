// Package peerlink wraps one peer connection to one remote participant in a
// small state machine.
package peerlink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultConnectTimeout = 15 * time.Second

var (
	// ErrLinkTimeout means the link stayed in signaling past ConnectTimeout.
	ErrLinkTimeout = errors.New("peerlink: connect timeout")
	// ErrLinkFailed means the native connection reported failure.
	ErrLinkFailed = errors.New("peerlink: connection failed")
	// ErrStaleSignal is returned for signals that do not fit the current
	// negotiation, such as an answer nobody asked for. The link is unchanged.
	ErrStaleSignal = errors.New("peerlink: stale signal dropped")
	ErrClosed      = errors.New("peerlink: link closed")
)

type State int

const (
	StateNew State = iota
	StateSignaling
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSignaling:
		return "signaling"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one negotiation message to or from the remote side.
type Signal struct {
	Type      SignalType
	SDP       string
	Candidate *webrtc.ICECandidateInit
}

// Timer is the part of *time.Timer a Link needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Tracks are the local media a link sends. Video may be nil.
type Tracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

type Config struct {
	PeerID     string
	InstanceID uint64
	Role       Role

	Tracks    Tracks
	AudioOnly bool
	VideoKbps int
	AudioKbps int

	ConnectTimeout time.Duration
	NewNative      NativeFactory
	AfterFunc      AfterFunc
	Logger         *slog.Logger

	// Callbacks run on native or timer goroutines and must not block.
	OnSignal func(Signal)
	// OnStateChange reports connected and failed. Failures carry
	// ErrLinkTimeout or ErrLinkFailed.
	OnStateChange func(State, error)
	OnTrack       func(*webrtc.TrackRemote)
	OnConfirmed   func()
}

type Link struct {
	cfg    Config
	log    *slog.Logger
	native Native

	// applyMu serializes negotiation: construction, ApplySignal and
	// Renegotiate never interleave.
	applyMu sync.Mutex

	mu             sync.Mutex
	state          State
	awaitingAnswer bool
	remoteSet      bool
	remoteFP       string
	pending        []webrtc.ICECandidateInit
	descEmitted    bool
	localPending   []webrtc.ICECandidateInit
	audioOnly      bool
	controlOpen    bool
	confirmSent    bool
	confirmed      bool
	failed         bool
	destroyed      bool
	timer          Timer
}

// New builds a link and starts negotiating. An initiator emits an offer. A
// responder must be given the remote offer and emits an answer.
func New(cfg Config, offer *Signal) (*Link, error) {
	if cfg.NewNative == nil {
		return nil, errors.New("peerlink: NewNative is required")
	}
	if cfg.Role == RoleResponder && (offer == nil || offer.Type != SignalOffer) {
		return nil, errors.New("peerlink: responder needs a remote offer")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Link{
		cfg:       cfg,
		log:       log.With("peer_id", cfg.PeerID, "instance_id", cfg.InstanceID, "role", cfg.Role.String()),
		state:     StateNew,
		audioOnly: cfg.AudioOnly,
	}

	native, err := cfg.NewNative(NativeEvents{
		OnCandidate:      l.onLocalCandidate,
		OnState:          l.onNativeState,
		OnTrack:          l.onTrack,
		OnControlOpen:    l.onControlOpen,
		OnControlMessage: l.onControlMessage,
	})
	if err != nil {
		return nil, err
	}
	l.native = native

	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	if err := l.start(offer); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Link) start(offer *Signal) error {
	if t := l.cfg.Tracks.Audio; t != nil {
		if err := l.native.AddTrack(t); err != nil {
			return err
		}
	}
	if t := l.cfg.Tracks.Video; t != nil {
		if err := l.native.AddTrack(t); err != nil {
			return err
		}
		if l.audioOnly {
			if err := l.native.ReplaceVideo(nil); err != nil {
				return fmt.Errorf("detach video: %w", err)
			}
		}
	}

	l.mu.Lock()
	l.state = StateSignaling
	l.timer = l.cfg.AfterFunc(l.cfg.ConnectTimeout, l.onConnectTimeout)
	l.mu.Unlock()

	if l.cfg.Role == RoleInitiator {
		if err := l.native.CreateControlChannel(); err != nil {
			return err
		}
		return l.emitOfferLocked()
	}
	return l.applyOfferLocked(offer.SDP)
}

func (l *Link) PeerID() string     { return l.cfg.PeerID }
func (l *Link) InstanceID() uint64 { return l.cfg.InstanceID }
func (l *Link) Role() Role         { return l.cfg.Role }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AwaitingAnswer reports whether a local offer is outstanding.
func (l *Link) AwaitingAnswer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.awaitingAnswer
}

// Confirmed reports whether the remote side's link-confirm arrived.
func (l *Link) Confirmed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed
}

// RemoteFingerprint is the DTLS fingerprint of the last remote description
// applied, or "" before one is.
func (l *Link) RemoteFingerprint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteFP
}

func (l *Link) setRemoteFingerprint(sdp string) {
	fp := Fingerprint(sdp)
	l.mu.Lock()
	l.remoteFP = fp
	l.mu.Unlock()
}

// ApplySignal feeds a remote signal into the negotiation.
func (l *Link) ApplySignal(sig Signal) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return ErrClosed
	}

	switch sig.Type {
	case SignalOffer:
		return l.applyOfferLocked(sig.SDP)
	case SignalAnswer:
		return l.applyAnswerLocked(sig.SDP)
	case SignalCandidate:
		return l.applyCandidate(sig.Candidate)
	default:
		return fmt.Errorf("peerlink: unknown signal type %q", sig.Type)
	}
}

func (l *Link) applyOfferLocked(sdp string) error {
	l.mu.Lock()
	rollback := l.awaitingAnswer
	l.mu.Unlock()

	// Yielding in glare: drop our own outstanding offer first.
	if rollback {
		if err := l.native.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
		l.mu.Lock()
		l.awaitingAnswer = false
		l.mu.Unlock()
	}

	if err := l.native.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.setRemoteFingerprint(sdp)
	l.flushCandidates()

	answer, err := l.native.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.native.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return l.emit(SignalAnswer, answer.SDP)
}

func (l *Link) applyAnswerLocked(sdp string) error {
	l.mu.Lock()
	awaiting := l.awaitingAnswer
	l.mu.Unlock()
	if !awaiting {
		l.log.Debug("dropping answer while not awaiting one")
		return ErrStaleSignal
	}

	if err := l.native.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.setRemoteFingerprint(sdp)
	l.mu.Lock()
	l.awaitingAnswer = false
	l.mu.Unlock()
	l.flushCandidates()
	return nil
}

func (l *Link) applyCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return errors.New("peerlink: candidate signal without candidate")
	}
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, *c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if err := l.native.AddICECandidate(*c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushCandidates marks the remote description as set and applies candidates
// that arrived before it.
func (l *Link) flushCandidates() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.native.AddICECandidate(c); err != nil {
			l.log.Debug("buffered candidate rejected", "err", err)
		}
	}
}

// Renegotiate sends a fresh offer on the existing connection. The state does
// not change. It is a no-op while an offer is already outstanding.
func (l *Link) Renegotiate() error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	destroyed, awaiting := l.destroyed, l.awaitingAnswer
	l.mu.Unlock()
	switch {
	case destroyed:
		return ErrClosed
	case awaiting:
		l.log.Debug("renegotiation skipped, offer outstanding")
		return nil
	}
	return l.emitOfferLocked()
}

// SetAudioOnly detaches or reattaches the video track. The new mode shows up
// in the next description this link emits.
func (l *Link) SetAudioOnly(on bool) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrClosed
	}
	changed := l.audioOnly != on
	l.audioOnly = on
	l.mu.Unlock()

	if !changed || l.cfg.Tracks.Video == nil {
		return nil
	}
	var video webrtc.TrackLocal
	if !on {
		video = l.cfg.Tracks.Video
	}
	if err := l.native.ReplaceVideo(video); err != nil {
		return fmt.Errorf("replace video: %w", err)
	}
	return nil
}

func (l *Link) AudioOnly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioOnly
}

func (l *Link) emitOfferLocked() error {
	offer, err := l.native.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.native.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.mu.Lock()
	l.awaitingAnswer = true
	l.mu.Unlock()
	return l.emit(SignalOffer, offer.SDP)
}

// emit munges the description on its way out. The native side keeps the
// unmodified one.
func (l *Link) emit(t SignalType, sdp string) error {
	l.mu.Lock()
	opts := MungeOptions{AudioOnly: l.audioOnly, VideoKbps: l.cfg.VideoKbps, AudioKbps: l.cfg.AudioKbps}
	l.mu.Unlock()

	munged, err := MungeSDP(sdp, opts)
	if err != nil {
		return err
	}
	if l.cfg.OnSignal == nil {
		return nil
	}
	l.cfg.OnSignal(Signal{Type: t, SDP: munged})

	// Candidates gathered before the first description went out follow it.
	l.mu.Lock()
	l.descEmitted = true
	held := l.localPending
	l.localPending = nil
	l.mu.Unlock()
	for i := range held {
		l.cfg.OnSignal(Signal{Type: SignalCandidate, Candidate: &held[i]})
	}
	return nil
}

// Close releases the native connection and stops timers. It does not wait for
// an in-flight negotiation and is safe to call repeatedly.
func (l *Link) Close() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	l.state = StateClosed
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if l.native != nil {
		if err := l.native.Close(); err != nil {
			l.log.Debug("close native connection", "err", err)
		}
	}
}

func (l *Link) onLocalCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.destroyed || l.cfg.OnSignal == nil {
		l.mu.Unlock()
		return
	}
	if !l.descEmitted {
		l.localPending = append(l.localPending, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.cfg.OnSignal(Signal{Type: SignalCandidate, Candidate: &c})
}

func (l *Link) onNativeState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.onConnected()
	case webrtc.PeerConnectionStateFailed:
		l.fail(ErrLinkFailed)
	}
}

func (l *Link) onConnected() {
	l.mu.Lock()
	if l.destroyed || l.state == StateConnected || l.state == StateFailed {
		l.mu.Unlock()
		return
	}
	l.state = StateConnected
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	send := l.controlOpen && !l.confirmSent
	if send {
		l.confirmSent = true
	}
	l.mu.Unlock()

	l.log.Info("peer link connected")
	if send {
		l.sendConfirm()
	}
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(StateConnected, nil)
	}
}

func (l *Link) onConnectTimeout() {
	l.mu.Lock()
	if l.destroyed || l.state != StateSignaling {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.fail(ErrLinkTimeout)
}

// fail moves the link to failed. It fires at most once per link.
func (l *Link) fail(cause error) {
	l.mu.Lock()
	if l.destroyed || l.failed {
		l.mu.Unlock()
		return
	}
	l.failed = true
	l.state = StateFailed
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	l.log.Warn("peer link failed", "err", cause)
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(StateFailed, cause)
	}
}

func (l *Link) onTrack(track *webrtc.TrackRemote) {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if !destroyed && l.cfg.OnTrack != nil {
		l.cfg.OnTrack(track)
	}
}

func (l *Link) onControlOpen() {
	l.mu.Lock()
	l.controlOpen = true
	send := l.state == StateConnected && !l.confirmSent && !l.destroyed
	if send {
		l.confirmSent = true
	}
	l.mu.Unlock()
	if send {
		l.sendConfirm()
	}
}

func (l *Link) sendConfirm() {
	data, err := encodeControl(ControlTypeLinkConfirm, LinkConfirm{
		PeerID:     l.cfg.PeerID,
		InstanceID: l.cfg.InstanceID,
		SentAtMs:   time.Now().UnixMilli(),
	})
	if err == nil {
		err = l.native.SendControl(data)
	}
	if err != nil {
		l.log.Debug("link-confirm not sent", "err", err)
	}
}

func (l *Link) onControlMessage(data []byte) {
	msg, err := decodeControl(data)
	if err != nil {
		l.log.Debug("bad control message", "err", err)
		return
	}
	if msg.Type != ControlTypeLinkConfirm {
		return
	}
	l.mu.Lock()
	already := l.confirmed
	l.confirmed = true
	destroyed := l.destroyed
	l.mu.Unlock()
	if !already && !destroyed && l.cfg.OnConfirmed != nil {
		l.cfg.OnConfirmed()
	}
}
