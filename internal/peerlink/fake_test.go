package peerlink

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

var testSDP = strings.Join([]string{
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0 1",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=sendrecv",
	"a=rtpmap:111 opus/48000/2",
	"m=video 9 UDP/TLS/RTP/SAVPF 96",
	"c=IN IP4 0.0.0.0",
	"b=AS:2000",
	"a=mid:1",
	"a=sendrecv",
	"a=rtpmap:96 VP8/90000",
}, "\r\n") + "\r\n"

type fakeNative struct {
	mu sync.Mutex
	ev NativeEvents

	tracks         []webrtc.TrackLocal
	video          webrtc.TrackLocal
	videoReplaced  int
	controlCreated bool
	controlOpen    bool
	sentControl    [][]byte

	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int
}

func (f *fakeNative) factory() NativeFactory {
	return func(ev NativeEvents) (Native, error) {
		f.mu.Lock()
		f.ev = ev
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeNative) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		f.video = track
	}
	return nil
}

func (f *fakeNative) ReplaceVideo(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = track
	f.videoReplaced++
	return nil
}

func (f *fakeNative) CreateControlChannel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlCreated = true
	return nil
}

func (f *fakeNative) SendControl(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.controlOpen {
		return errControlNotOpen
	}
	f.sentControl = append(f.sentControl, data)
	return nil
}

func (f *fakeNative) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (f *fakeNative) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (f *fakeNative) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, desc)
	return nil
}

func (f *fakeNative) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakeNative) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNative) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeNative) events() NativeEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakeNative) openControl() {
	f.mu.Lock()
	f.controlOpen = true
	f.mu.Unlock()
	f.events().OnControlOpen()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fireAll runs every scheduled callback, stopped or not, the way a timer
// that lost the race with Stop would.
func (ft *fakeTimers) fireAll() {
	ft.mu.Lock()
	timers := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

type recorder struct {
	mu        sync.Mutex
	signals   []Signal
	states    []State
	errs      []error
	confirmed int
}

func (r *recorder) onSignal(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) onState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *recorder) onConfirmed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed++
}

func (r *recorder) signalTypes() []SignalType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalType, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.Type
	}
	return out
}

func (r *recorder) lastSignal() Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signals[len(r.signals)-1]
}

func (r *recorder) stateCount(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.states {
		if got == s {
			n++
		}
	}
	return n
}
