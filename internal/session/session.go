// Package session is the participant side of a call: it acquires local
// media, joins a room over the signaling socket and feeds what arrives into
// the peer orchestrator.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/orchestrator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/peerlink"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

const (
	DefaultJoinTimeout = 10 * time.Second

	chatBuffer = 32
)

type Identity struct {
	// ParticipantID is generated when empty.
	ParticipantID string
	DisplayName   string
}

type ChatMessage struct {
	Sender    string
	Text      string
	Timestamp time.Time
}

type Config struct {
	SignalURL            string
	Header               http.Header
	Dialer               *websocket.Dialer
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int

	// Media defaults to synthetic tracks.
	Media      media.Source
	// NewNative defaults to pion peer connections using ICEServers.
	NewNative  peerlink.NativeFactory
	ICEServers []webrtc.ICEServer

	AudioOnly            bool
	VideoKbps            int
	AudioKbps            int
	ConnectTimeout       time.Duration
	MaxLinkAttempts      int
	LinkReconnectBackoff time.Duration

	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Client runs one participant's session. It joins at most once.
type Client struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	joined    bool
	leaving   bool
	roomID    string
	self      Identity
	transport *signaling.Client
	orch      *orchestrator.Orchestrator
	tracks    *media.TrackSet
	stop      context.CancelFunc
	err       error

	chat      chan ChatMessage
	wg        sync.WaitGroup
	leaveOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		chat: make(chan ChatMessage, chatBuffer),
	}
}

// Join acquires media, connects, joins roomID and starts wiring peers. It
// returns once the room snapshot has seeded the roster.
func (c *Client) Join(ctx context.Context, roomID string, id Identity) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return newError("join", ErrAlreadyJoined)
	}
	c.joined = true
	if id.ParticipantID == "" {
		id.ParticipantID = uuid.NewString()
	}
	c.roomID, c.self = roomID, id
	c.mu.Unlock()

	c.log = c.log.With("room_id", roomID, "participant_id", id.ParticipantID)

	source := c.cfg.Media
	if source == nil {
		source = media.Synthetic{StreamID: id.ParticipantID}
	}
	tracks, err := source.Acquire(ctx)
	if err != nil {
		return wrapError("acquire media", ErrMediaAcquisitionFailed, err.Error())
	}

	transport := signaling.NewClient(signaling.ClientConfig{
		URL:                  c.cfg.SignalURL,
		Header:               c.cfg.Header,
		Dialer:               c.cfg.Dialer,
		Logger:               c.log,
		ReconnectBackoff:     c.cfg.ReconnectBackoff,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		OnReconnect:          c.rejoin,
	})
	if err := transport.Connect(ctx); err != nil {
		tracks.Close()
		return newError("connect", err)
	}

	c.mu.Lock()
	c.transport, c.tracks = transport, tracks
	c.mu.Unlock()

	participants, err := c.joinRoom(ctx, transport)
	if err != nil {
		_ = transport.Close()
		tracks.Close()
		return err
	}

	newNative := c.cfg.NewNative
	if newNative == nil {
		api, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.Options{Logger: c.log})
		if err != nil {
			_ = transport.Close()
			tracks.Close()
			return newError("join", err)
		}
		newNative = peerlink.NewPionFactory(api, webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	}

	orch := orchestrator.New(orchestrator.Config{
		SelfID:           id.ParticipantID,
		Tracks:           localTracks(tracks),
		AudioOnly:        c.cfg.AudioOnly,
		VideoKbps:        c.cfg.VideoKbps,
		AudioKbps:        c.cfg.AudioKbps,
		NewNative:        newNative,
		Send:             c.sendSignal,
		ConnectTimeout:   c.cfg.ConnectTimeout,
		MaxAttempts:      c.cfg.MaxLinkAttempts,
		ReconnectBackoff: c.cfg.LinkReconnectBackoff,
		Logger:           c.log,
	})
	for _, p := range participants {
		orch.OnParticipantListed(p.ParticipantID, p.DisplayName)
	}

	runCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.orch, c.stop = orch, stop
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		_ = orch.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.dispatch(stop)
	}()

	c.log.Info("joined room", "existing", len(participants))
	return nil
}

func (c *Client) joinRoom(ctx context.Context, transport *signaling.Client) ([]signaling.Participant, error) {
	if err := transport.Send(c.joinMessage()); err != nil {
		return nil, newError("join", err)
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, newError("join", ctx.Err())
		case <-timer.C:
			return nil, newError("join", ErrJoinTimeout)
		case msg, ok := <-transport.Incoming():
			if !ok {
				return nil, wrapError("join", ErrTransportFailed, errString(transport.Err()))
			}
			switch msg.Type {
			case signaling.MessageTypeExistingParticipants:
				return msg.Participants, nil
			case signaling.MessageTypeError:
				return nil, wrapError("join", ErrJoinRejected, msg.Code+": "+msg.Message)
			default:
				c.log.Debug("ignoring frame ahead of room snapshot", "type", msg.Type)
			}
		}
	}
}

func (c *Client) joinMessage() signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return signaling.Message{
		Type:          signaling.MessageTypeJoinRoom,
		RoomID:        c.roomID,
		ParticipantID: c.self.ParticipantID,
		DisplayName:   c.self.DisplayName,
	}
}

// rejoin runs on the transport's goroutine after a redial, ahead of any
// other write.
func (c *Client) rejoin() {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return
	}
	c.log.Info("signaling reconnected, rejoining room")
	if err := transport.Send(c.joinMessage()); err != nil {
		c.log.Warn("rejoin", "err", err)
	}
}

func (c *Client) dispatch(stop context.CancelFunc) {
	defer close(c.chat)
	defer stop()

	for msg := range c.transport.Incoming() {
		switch msg.Type {
		case signaling.MessageTypeExistingParticipants:
			// Only a rejoin gets here. Everyone else saw us leave and will
			// offer again, so every link starts over.
			c.resetPeers(msg.Participants)
		case signaling.MessageTypeUserConnected:
			c.orch.OnParticipantJoined(msg.ParticipantID, msg.DisplayName)
		case signaling.MessageTypeUserDisconnected:
			c.orch.OnParticipantLeft(msg.ParticipantID)
		case signaling.MessageTypeOffer:
			c.orch.OnOffer(msg.From, msg.SDP.SDP)
		case signaling.MessageTypeAnswer:
			c.orch.OnAnswer(msg.From, msg.SDP.SDP)
		case signaling.MessageTypeCandidate:
			c.orch.OnCandidate(msg.From, msg.Candidate.ToPion())
		case signaling.MessageTypeHandRaised:
			c.orch.OnHandRaised(msg.ParticipantID, *msg.Raised)
		case signaling.MessageTypeChatMessage:
			c.deliverChat(msg)
		case signaling.MessageTypeError:
			if msg.Code == signaling.ErrorCodeReplaced {
				c.end(wrapError("signal", ErrReplaced, msg.Message))
				_ = c.transport.Close()
				return
			}
			c.log.Warn("relay reported error", "code", msg.Code, "message", msg.Message)
		default:
			c.log.Debug("ignoring frame", "type", msg.Type)
		}
	}

	c.end(wrapError("signal", ErrTransportFailed, errString(c.transport.Err())))
}

// end records why the session stopped on its own. The first reason wins and
// nothing is recorded once Leave has started.
func (c *Client) end(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaving || c.err != nil {
		return
	}
	c.err = err
	c.log.Error("session ended", "err", err)
}

func (c *Client) resetPeers(participants []signaling.Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	roster, err := c.orch.Roster(ctx)
	if err != nil {
		c.log.Warn("reading roster for rejoin", "err", err)
	}
	for _, e := range roster {
		c.orch.OnParticipantLeft(e.ID)
	}
	for _, p := range participants {
		c.orch.OnParticipantListed(p.ParticipantID, p.DisplayName)
	}
}

func (c *Client) deliverChat(msg signaling.Message) {
	cm := ChatMessage{Sender: msg.Sender, Text: msg.Text, Timestamp: time.UnixMilli(msg.Timestamp)}
	select {
	case c.chat <- cm:
	default:
		c.log.Warn("chat buffer full, dropping message", "sender", msg.Sender)
	}
}

func (c *Client) sendSignal(peerID string, sig peerlink.Signal) {
	c.mu.Lock()
	transport, roomID := c.transport, c.roomID
	c.mu.Unlock()

	msg := signaling.Message{RoomID: roomID, To: peerID}
	switch sig.Type {
	case peerlink.SignalOffer:
		msg.Type = signaling.MessageTypeOffer
		msg.SDP = &signaling.SDP{Type: string(signaling.MessageTypeOffer), SDP: sig.SDP}
	case peerlink.SignalAnswer:
		msg.Type = signaling.MessageTypeAnswer
		msg.SDP = &signaling.SDP{Type: string(signaling.MessageTypeAnswer), SDP: sig.SDP}
	case peerlink.SignalCandidate:
		cand := signaling.CandidateFromPion(*sig.Candidate)
		msg.Type = signaling.MessageTypeCandidate
		msg.Candidate = &cand
	default:
		return
	}
	if err := transport.Send(msg); err != nil {
		c.log.Debug("signal not sent", "peer_id", peerID, "type", msg.Type, "err", err)
	}
}

func (c *Client) connected() (*signaling.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch == nil || c.leaving {
		return nil, "", ErrNotJoined
	}
	return c.transport, c.roomID, nil
}

func (c *Client) SendChat(text string) error {
	transport, roomID, err := c.connected()
	if err != nil {
		return newError("send chat", err)
	}
	if strings.TrimSpace(text) == "" {
		return newError("send chat", errors.New("empty message"))
	}
	if err := transport.Send(signaling.Message{Type: signaling.MessageTypeChatMessage, RoomID: roomID, Text: text}); err != nil {
		return newError("send chat", err)
	}
	return nil
}

func (c *Client) RaiseHand(raised bool) error {
	transport, roomID, err := c.connected()
	if err != nil {
		return newError("raise hand", err)
	}
	if err := transport.Send(signaling.Message{Type: signaling.MessageTypeHandRaised, RoomID: roomID, Raised: &raised}); err != nil {
		return newError("raise hand", err)
	}
	return nil
}

// SetAudioOnly drops or restores outgoing video on every link.
func (c *Client) SetAudioOnly(ctx context.Context, on bool) error {
	if _, _, err := c.connected(); err != nil {
		return newError("audio only", err)
	}
	c.tracks.SetVideoEnabled(!on)
	if err := c.orch.SetAudioOnly(ctx, on); err != nil {
		return newError("audio only", err)
	}
	return nil
}

func (c *Client) SetMuted(muted bool) error {
	if _, _, err := c.connected(); err != nil {
		return newError("mute", err)
	}
	c.tracks.SetAudioEnabled(!muted)
	return nil
}

// Leave announces departure, closes every link and releases local media.
func (c *Client) Leave() error {
	transport, roomID, err := c.connected()
	if err != nil {
		return newError("leave", err)
	}
	c.leaveOnce.Do(func() {
		_ = transport.Send(signaling.Message{Type: signaling.MessageTypeLeaveRoom, RoomID: roomID})

		c.mu.Lock()
		c.leaving = true
		stop := c.stop
		c.mu.Unlock()

		stop()
		_ = transport.Close()
		c.wg.Wait()
		c.tracks.Close()
		c.log.Info("left room")
	})
	return nil
}

// Chat delivers chat messages from other participants. It is closed when the
// session ends.
func (c *Client) Chat() <-chan ChatMessage {
	return c.chat
}

// Notices delivers per-peer problems, such as a peer given up on.
func (c *Client) Notices() <-chan orchestrator.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch == nil {
		return nil
	}
	return c.orch.Events()
}

func (c *Client) Roster(ctx context.Context) ([]orchestrator.RosterEntry, error) {
	if _, _, err := c.connected(); err != nil {
		return nil, newError("roster", err)
	}
	return c.orch.Roster(ctx)
}

func (c *Client) Tracks(ctx context.Context) (map[string][]orchestrator.RemoteTrack, error) {
	if _, _, err := c.connected(); err != nil {
		return nil, newError("tracks", err)
	}
	return c.orch.Tracks(ctx)
}

// Self is the identity used to join, with any generated id filled in.
func (c *Client) Self() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Err reports why the session ended on its own, if it did.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func localTracks(set *media.TrackSet) peerlink.Tracks {
	var t peerlink.Tracks
	if set.Audio != nil {
		t.Audio = set.Audio
	}
	if set.Video != nil {
		t.Video = set.Video
	}
	return t
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
