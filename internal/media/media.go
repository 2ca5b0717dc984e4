// Package media provides the local track set shared by every peer link.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 100 * time.Millisecond
)

// opusSilence is a single 20ms Opus DTX silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Keyframe is a 16x16 VP8 keyframe header. Receivers only see it as an
// opaque payload.
var vp8Keyframe = []byte{0x50, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

// TrackSet is the local audio and video. Links attach the same tracks
// read-only; enabling or disabling applies to all of them at once.
type TrackSet struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	mu           sync.RWMutex
	audioEnabled bool
	videoEnabled bool

	stop     context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func (s *TrackSet) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *TrackSet) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

func (s *TrackSet) AudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioEnabled
}

func (s *TrackSet) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// Tracks returns the tracks to attach to a new link.
func (s *TrackSet) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.Audio, s.Video}
}

// Close stops the sample writers.
func (s *TrackSet) Close() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
			<-s.done
		}
	})
}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context) (*TrackSet, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*TrackSet, error)

func (f SourceFunc) Acquire(ctx context.Context) (*TrackSet, error) { return f(ctx) }

// Synthetic produces Opus silence and a placeholder VP8 stream. It stands in
// for capture devices in the headless client.
type Synthetic struct {
	StreamID string
}

func (s Synthetic) Acquire(ctx context.Context) (*TrackSet, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "aero-mesh"
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancel(context.Background())
	set := &TrackSet{
		Audio:        audio,
		Video:        video,
		audioEnabled: true,
		videoEnabled: true,
		stop:         cancel,
		done:         make(chan struct{}),
	}
	go set.generate(genCtx)
	return set, nil
}

func (s *TrackSet) generate(ctx context.Context) {
	defer close(s.done)

	audioTicker := time.NewTicker(audioFrameDuration)
	defer audioTicker.Stop()
	videoTicker := time.NewTicker(videoFrameDuration)
	defer videoTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-audioTicker.C:
			if s.AudioEnabled() {
				// Errors only mean no link is bound yet.
				_ = s.Audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrameDuration})
			}
		case <-videoTicker.C:
			if s.VideoEnabled() {
				_ = s.Video.WriteSample(pionmedia.Sample{Data: vp8Keyframe, Duration: videoFrameDuration})
			}
		}
	}
}
