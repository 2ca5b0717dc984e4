package peerlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var errControlNotOpen = errors.New("control channel not open")

// NativeEvents are the callbacks a Native raises. They may run on any
// goroutine.
type NativeEvents struct {
	OnCandidate      func(webrtc.ICECandidateInit)
	OnState          func(webrtc.PeerConnectionState)
	OnTrack          func(*webrtc.TrackRemote)
	OnControlOpen    func()
	OnControlMessage func([]byte)
}

// Native is the slice of a peer connection a Link drives.
type Native interface {
	AddTrack(track webrtc.TrackLocal) error
	// ReplaceVideo swaps the track on the video sender. nil detaches it
	// without removing the sender.
	ReplaceVideo(track webrtc.TrackLocal) error
	// CreateControlChannel opens the control channel. Only the initiator
	// calls it; the responder learns of the channel through OnControlOpen.
	CreateControlChannel() error
	SendControl(data []byte) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// NativeFactory builds a Native wired to ev.
type NativeFactory func(ev NativeEvents) (Native, error)

// NewPionFactory returns a factory backed by pion peer connections built from
// api.
func NewPionFactory(api *webrtc.API, cfg webrtc.Configuration) NativeFactory {
	return func(ev NativeEvents) (Native, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		n := &pionNative{pc: pc, ev: ev}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c != nil && ev.OnCandidate != nil {
				ev.OnCandidate(c.ToJSON())
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if ev.OnState != nil {
				ev.OnState(s)
			}
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if ev.OnTrack != nil {
				ev.OnTrack(track)
			}
		})
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == ControlLabel {
				n.bindControl(dc)
			}
		})
		return n, nil
	}
}

type pionNative struct {
	pc *webrtc.PeerConnection
	ev NativeEvents

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	control     *webrtc.DataChannel
}

func (n *pionNative) AddTrack(track webrtc.TrackLocal) error {
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		n.mu.Lock()
		n.videoSender = sender
		n.mu.Unlock()
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (n *pionNative) ReplaceVideo(track webrtc.TrackLocal) error {
	n.mu.Lock()
	sender := n.videoSender
	n.mu.Unlock()
	if sender == nil {
		return errors.New("no video sender")
	}
	return sender.ReplaceTrack(track)
}

func (n *pionNative) CreateControlChannel() error {
	dc, err := n.pc.CreateDataChannel(ControlLabel, nil)
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	n.bindControl(dc)
	return nil
}

func (n *pionNative) bindControl(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.control = dc
	n.mu.Unlock()

	dc.OnOpen(func() {
		if n.ev.OnControlOpen != nil {
			n.ev.OnControlOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.ev.OnControlMessage != nil {
			n.ev.OnControlMessage(msg.Data)
		}
	})
}

func (n *pionNative) SendControl(data []byte) error {
	n.mu.Lock()
	dc := n.control
	n.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errControlNotOpen
	}
	return dc.Send(data)
}

func (n *pionNative) CreateOffer() (webrtc.SessionDescription, error) {
	return n.pc.CreateOffer(nil)
}

func (n *pionNative) CreateAnswer() (webrtc.SessionDescription, error) {
	return n.pc.CreateAnswer(nil)
}

func (n *pionNative) SetLocalDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetLocalDescription(desc)
}

func (n *pionNative) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(desc)
}

func (n *pionNative) AddICECandidate(c webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(c)
}

func (n *pionNative) Close() error {
	return n.pc.Close()
}
