package signaling

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
)

// Member is one joined socket as seen by Rooms. Send must be safe for
// concurrent use.
type Member interface {
	Send(msg Message) error
	// Replaced is called once another session has joined under the same
	// participant id. The member must stop speaking for it.
	Replaced()
}

// Rooms is the membership and routing authority behind the endpoint.
type Rooms interface {
	// Join records membership and returns the other members, snapshotted
	// after the join is recorded.
	Join(roomID string, p Participant, m Member) []Participant
	Leave(roomID, participantID string, m Member)
	// Relay delivers a signal from sender to msg.To only. An error means the
	// target is not joined or sender no longer holds msg.From; the sender is
	// not told.
	Relay(sender Member, msg Message) error
	// Broadcast sends msg to every member of roomID except from, provided
	// sender still holds from.
	Broadcast(sender Member, roomID, from string, msg Message)
}

type Config struct {
	Rooms    Rooms
	Verifier auth.Verifier
	AuthMode config.AuthMode
	Origins  origin.Policy
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server is the relay's WebSocket endpoint, GET /webrtc/signal.
type Server struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeNone
	}
	if cfg.Verifier == nil {
		cfg.Verifier, _ = auth.NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webrtc/signal", s.handleWebSocketSignal)
}

// Close disconnects every socket. Each one leaves its room on the way out.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for ws := range s.sessions {
		sessions = append(sessions, ws)
	}
	s.mu.Unlock()

	for _, ws := range sessions {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		ws.Close()
	}
}

func (s *Server) track(ws *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[ws] = struct{}{}
	return true
}

func (s *Server) untrack(ws *wsSession) {
	s.mu.Lock()
	delete(s.sessions, ws)
	s.mu.Unlock()
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.cfg.Origins.CheckOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := &wsSession{
		srv:  s,
		conn: conn,
		req:  r,
		log:  s.log.With("remote_addr", r.RemoteAddr),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		done: make(chan struct{}),
	}
	if !s.track(ws) {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	s.cfg.Metrics.Inc(metrics.SignalConnections)
	ws.run()
}

const wsWriteWait = 1 * time.Second

type wsProtocolError struct {
	Code    string
	Message string
}

func (e *wsProtocolError) Error() string { return e.Code + ": " + e.Message }

type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	req     *http.Request
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	principal auth.Principal
	roomID    string
	self      Participant
	replaced  atomic.Bool

	writeMu sync.Mutex

	holdMu  sync.Mutex
	holding bool
	held    []Message

	closeOnce sync.Once
	done      chan struct{}
}

func (wss *wsSession) joined() bool { return wss.roomID != "" }

func (wss *wsSession) run() {
	defer func() {
		wss.leave()
		wss.Close()
	}()

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)

	authorized := cfg.AuthMode == config.AuthModeNone
	if !authorized {
		cred, err := auth.CredentialFromQuery(cfg.AuthMode, wss.req.URL.Query())
		switch {
		case errors.Is(err, auth.ErrMissingCredentials):
			_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
		case err != nil:
			_ = wss.fail("internal_error", "invalid auth configuration", websocket.CloseInternalServerErr, "internal error")
			return
		default:
			if !wss.authorize(cred) {
				return
			}
			authorized = true
		}
	}
	if authorized {
		wss.startKeepalive()
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case !authorized && isTimeout(err):
				cfg.Metrics.Inc(metrics.SignalAuthFailed)
				wss.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				wss.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		// Rate limit after the read so unread bytes don't turn the close into
		// a TCP reset that hides the close code from the client.
		if !wss.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.SignalRateLimited)
			_ = wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			_ = wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		wss.extendIdle()

		msg, err := ParseMessage(data)
		if err != nil {
			cfg.Metrics.Inc(metrics.SignalProtocolErrors)
			_ = wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != MessageTypeAuth {
				cfg.Metrics.Inc(metrics.SignalAuthFailed)
				_ = wss.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(cfg.AuthMode, auth.WireAuthMessage{Type: string(msg.Type), APIKey: msg.APIKey, Token: msg.Token})
			if err != nil {
				cfg.Metrics.Inc(metrics.SignalAuthFailed)
				_ = wss.fail("unauthorized", "unauthorized", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			if !wss.authorize(cred) {
				return
			}
			authorized = true
			_ = wss.conn.SetReadDeadline(time.Time{})
			wss.startKeepalive()
			continue
		}

		if err := wss.handle(msg); err != nil {
			var protoErr *wsProtocolError
			if errors.As(err, &protoErr) {
				cfg.Metrics.Inc(metrics.SignalProtocolErrors)
				_ = wss.fail(protoErr.Code, protoErr.Message, websocket.ClosePolicyViolation, protoErr.Code)
				return
			}
			_ = wss.fail("internal_error", err.Error(), websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

func (wss *wsSession) authorize(cred string) bool {
	p, err := wss.srv.cfg.Verifier.Verify(cred)
	if err != nil {
		wss.srv.cfg.Metrics.Inc(metrics.SignalAuthFailed)
		_ = wss.fail("unauthorized", "unauthorized", websocket.ClosePolicyViolation, "unauthorized")
		return false
	}
	wss.principal = p
	return true
}

func (wss *wsSession) handle(msg Message) error {
	rooms := wss.srv.cfg.Rooms
	if wss.replaced.Load() {
		return nil
	}

	switch msg.Type {
	case MessageTypeAuth:
		// Tolerated once authorized, e.g. after query-string auth.
		return nil

	case MessageTypeJoinRoom:
		if wss.joined() {
			return &wsProtocolError{Code: "unexpected_message", Message: "already joined " + wss.roomID}
		}
		if sub := wss.principal.Subject; sub != "" && sub != msg.ParticipantID {
			wss.srv.cfg.Metrics.Inc(metrics.SignalAuthFailed)
			return &wsProtocolError{Code: "unauthorized", Message: "participantId does not match credentials"}
		}
		self := Participant{ParticipantID: msg.ParticipantID, DisplayName: msg.DisplayName}
		if self.DisplayName == "" {
			self.DisplayName = wss.principal.Name
		}

		// Frames routed to us while the join is being recorded are held back
		// so existing-participants is the first thing the joiner sees, ahead
		// of any offer from a member reacting to the user-connected broadcast.
		wss.holdMu.Lock()
		wss.holding = true
		wss.holdMu.Unlock()

		others := rooms.Join(msg.RoomID, self, wss)
		wss.roomID, wss.self = msg.RoomID, self
		if others == nil {
			others = []Participant{}
		}
		err := wss.release(Message{Type: MessageTypeExistingParticipants, RoomID: msg.RoomID, Participants: others})

		wss.log = wss.log.With("room_id", msg.RoomID, "participant_id", msg.ParticipantID)
		wss.log.Info("joined room", "existing", len(others))
		return err

	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		if !wss.joined() {
			return &wsProtocolError{Code: "unexpected_message", Message: string(msg.Type) + " before join-room"}
		}
		msg.From = wss.self.ParticipantID
		msg.RoomID = wss.roomID
		if err := rooms.Relay(wss, msg); err != nil {
			wss.log.Debug("signal dropped", "type", msg.Type, "to", msg.To, "err", err)
		}
		return nil

	case MessageTypeChatMessage:
		if !wss.joined() {
			return &wsProtocolError{Code: "unexpected_message", Message: "chat-message before join-room"}
		}
		msg.RoomID = wss.roomID
		msg.Sender = wss.self.ParticipantID
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixMilli()
		}
		rooms.Broadcast(wss, wss.roomID, wss.self.ParticipantID, msg)
		return nil

	case MessageTypeHandRaised:
		if !wss.joined() {
			return &wsProtocolError{Code: "unexpected_message", Message: "hand-raised before join-room"}
		}
		msg.RoomID = wss.roomID
		msg.ParticipantID = wss.self.ParticipantID
		rooms.Broadcast(wss, wss.roomID, wss.self.ParticipantID, msg)
		return nil

	case MessageTypeLeaveRoom:
		wss.leave()
		return nil

	case MessageTypeError:
		wss.log.Warn("client reported error", "code", msg.Code, "message", msg.Message)
		return nil

	default:
		return &wsProtocolError{Code: "bad_message", Message: fmt.Sprintf("unexpected message type %q", msg.Type)}
	}
}

func (wss *wsSession) leave() {
	if !wss.joined() {
		return
	}
	wss.srv.cfg.Rooms.Leave(wss.roomID, wss.self.ParticipantID, wss)
	wss.log.Info("left room")
	wss.roomID, wss.self = "", Participant{}
}

func (wss *wsSession) startKeepalive() {
	cfg := wss.srv.cfg
	if cfg.IdleTimeout <= 0 {
		return
	}
	_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		wss.extendIdle()
		return nil
	})
	if cfg.PingInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wss.done:
				return
			case <-ticker.C:
				wss.writeMu.Lock()
				err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				wss.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

func (wss *wsSession) extendIdle() {
	if d := wss.srv.cfg.IdleTimeout; d > 0 {
		_ = wss.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// Send implements Member.
func (wss *wsSession) Send(msg Message) error {
	wss.holdMu.Lock()
	defer wss.holdMu.Unlock()
	if wss.holding {
		wss.held = append(wss.held, msg)
		return nil
	}
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	return wss.writeLocked(msg)
}

// Replaced implements Member. The socket is told why and closed. Its own
// Leave then finds the membership taken and does nothing.
func (wss *wsSession) Replaced() {
	if !wss.replaced.CompareAndSwap(false, true) {
		return
	}
	_ = wss.fail(ErrorCodeReplaced, "joined from another session", websocket.ClosePolicyViolation, ErrorCodeReplaced)
	wss.Close()
}

// release writes first, then everything held back since holding was set.
func (wss *wsSession) release(first Message) error {
	wss.holdMu.Lock()
	defer wss.holdMu.Unlock()
	held := wss.held
	wss.holding, wss.held = false, nil

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	if err := wss.writeLocked(first); err != nil {
		return err
	}
	for _, msg := range held {
		if err := wss.writeLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

func (wss *wsSession) writeLocked(msg Message) error {
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteJSON(msg)
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) error {
	_ = wss.Send(Message{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
	wss.closeWith(closeCode, closeReason)
	return nil
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
		wss.srv.untrack(wss)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
