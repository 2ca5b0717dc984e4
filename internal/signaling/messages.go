package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeAuth                 MessageType = "auth"
	MessageTypeJoinRoom             MessageType = "join-room"
	MessageTypeExistingParticipants MessageType = "existing-participants"
	MessageTypeUserConnected        MessageType = "user-connected"
	MessageTypeUserDisconnected     MessageType = "user-disconnected"
	MessageTypeOffer                MessageType = "offer"
	MessageTypeAnswer               MessageType = "answer"
	MessageTypeCandidate            MessageType = "candidate"
	MessageTypeChatMessage          MessageType = "chat-message"
	MessageTypeHandRaised           MessageType = "hand-raised"
	MessageTypeLeaveRoom            MessageType = "leave-room"
	MessageTypeError                MessageType = "error"
)

// ErrorCodeReplaced is sent to a session whose participant id was taken over
// by a newer join. The relay closes that socket right after.
const ErrorCodeReplaced = "replaced"

// IsSignal reports whether t is routed point-to-point.
func (t MessageType) IsSignal() bool {
	return t == MessageTypeOffer || t == MessageTypeAnswer || t == MessageTypeCandidate
}

const (
	maxIDLen          = 128
	maxDisplayNameLen = 256
	maxChatTextLen    = 4096
)

type Participant struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	switch s.Type {
	case "offer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}, nil
	case "answer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single JSON shape every signaling frame uses. Which fields
// may be set depends on Type; ParseMessage enforces that.
type Message struct {
	Type MessageType `json:"type"`

	RoomID        string `json:"roomId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`

	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Participants []Participant `json:"participants,omitempty"`

	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Raised    *bool  `json:"raised,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type field uint32

const (
	fRoomID field = 1 << iota
	fParticipantID
	fDisplayName
	fFrom
	fTo
	fSDP
	fCandidate
	fParticipants
	fSender
	fText
	fTimestamp
	fRaised
	fAPIKey
	fToken
	fCode
	fMessage
)

// allowedFields lists, per type, which optional fields may be present.
// Required fields are checked separately in validate.
var allowedFields = map[MessageType]field{
	MessageTypeAuth:                 fAPIKey | fToken,
	MessageTypeJoinRoom:             fRoomID | fParticipantID | fDisplayName,
	MessageTypeExistingParticipants: fRoomID | fParticipants,
	MessageTypeUserConnected:        fRoomID | fParticipantID | fDisplayName,
	MessageTypeUserDisconnected:     fRoomID | fParticipantID,
	MessageTypeOffer:                fRoomID | fFrom | fTo | fSDP,
	MessageTypeAnswer:               fRoomID | fFrom | fTo | fSDP,
	MessageTypeCandidate:            fRoomID | fFrom | fTo | fCandidate,
	MessageTypeChatMessage:          fRoomID | fSender | fText | fTimestamp,
	MessageTypeHandRaised:           fRoomID | fParticipantID | fRaised,
	MessageTypeLeaveRoom:            fRoomID,
	MessageTypeError:                fCode | fMessage,
}

func (m Message) present() field {
	var f field
	set := func(cond bool, bit field) {
		if cond {
			f |= bit
		}
	}
	set(m.RoomID != "", fRoomID)
	set(m.ParticipantID != "", fParticipantID)
	set(m.DisplayName != "", fDisplayName)
	set(m.From != "", fFrom)
	set(m.To != "", fTo)
	set(m.SDP != nil, fSDP)
	set(m.Candidate != nil, fCandidate)
	set(m.Participants != nil, fParticipants)
	set(m.Sender != "", fSender)
	set(m.Text != "", fText)
	set(m.Timestamp != 0, fTimestamp)
	set(m.Raised != nil, fRaised)
	set(m.APIKey != "", fAPIKey)
	set(m.Token != "", fToken)
	set(m.Code != "", fCode)
	set(m.Message != "", fMessage)
	return f
}

// ParseMessage decodes one frame strictly: unknown fields, fields that do not
// belong to the type and trailing data are all rejected.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	allowed, ok := allowedFields[m.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if extra := m.present() &^ allowed; extra != 0 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}

	switch m.Type {
	case MessageTypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return fmt.Errorf("auth message must not include both apiKey and token unless they match")
		}
	case MessageTypeJoinRoom:
		if err := validateID("roomId", m.RoomID); err != nil {
			return err
		}
		if err := validateID("participantId", m.ParticipantID); err != nil {
			return err
		}
		if len(m.DisplayName) > maxDisplayNameLen {
			return fmt.Errorf("displayName too long")
		}
	case MessageTypeUserConnected, MessageTypeUserDisconnected:
		if err := validateID("participantId", m.ParticipantID); err != nil {
			return err
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if err := validateID("to", m.To); err != nil {
			return err
		}
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
	case MessageTypeCandidate:
		if err := validateID("to", m.To); err != nil {
			return err
		}
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
	case MessageTypeChatMessage:
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("chat-message missing text")
		}
		if len(m.Text) > maxChatTextLen {
			return fmt.Errorf("chat-message text too long")
		}
	case MessageTypeHandRaised:
		if m.Raised == nil {
			return fmt.Errorf("hand-raised message missing raised")
		}
	case MessageTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
	}
	return nil
}

func validateID(name, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("missing %s", name)
	case len(v) > maxIDLen:
		return fmt.Errorf("%s too long", name)
	case strings.TrimSpace(v) != v:
		return fmt.Errorf("%s has surrounding whitespace", name)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
