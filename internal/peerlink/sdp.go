package peerlink

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	DefaultVideoKbps = 500
	DefaultAudioKbps = 64
)

type MungeOptions struct {
	AudioOnly bool
	VideoKbps int
	AudioKbps int
}

var directionAttributes = map[string]bool{
	sdp.AttrKeySendRecv: true,
	sdp.AttrKeySendOnly: true,
	sdp.AttrKeyRecvOnly: true,
	sdp.AttrKeyInactive: true,
}

// MungeSDP rewrites a local description before it leaves the process. Every
// audio and video section gets a ceiling as b=AS (kbps) and b=TIAS (bps). In audio-only mode the video
// section is kept but disabled with port 0 and a=inactive, so later offers
// can re-enable it in place.
func MungeSDP(raw string, opts MungeOptions) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, m := range desc.MediaDescriptions {
		var kbps int
		switch m.MediaName.Media {
		case "video":
			kbps = opts.VideoKbps
			if opts.AudioOnly {
				m.MediaName.Port = sdp.RangedPort{Value: 0}
				setDirection(m, sdp.AttrKeyInactive)
			}
		case "audio":
			kbps = opts.AudioKbps
		default:
			continue
		}
		if kbps > 0 {
			setBandwidth(m, uint64(kbps))
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

func setDirection(m *sdp.MediaDescription, direction string) {
	attrs := m.Attributes[:0]
	for _, a := range m.Attributes {
		if !directionAttributes[a.Key] {
			attrs = append(attrs, a)
		}
	}
	m.Attributes = append(attrs, sdp.NewPropertyAttribute(direction))
}

func setBandwidth(m *sdp.MediaDescription, kbps uint64) {
	bw := m.Bandwidth[:0]
	for _, b := range m.Bandwidth {
		if b.Type != "AS" && b.Type != "TIAS" {
			bw = append(bw, b)
		}
	}
	m.Bandwidth = append(bw,
		sdp.Bandwidth{Type: "AS", Bandwidth: kbps},
		sdp.Bandwidth{Type: "TIAS", Bandwidth: kbps * 1000},
	)
}

// Fingerprint returns the DTLS certificate fingerprint a description carries,
// from the session level or else the first media section that has one. It
// returns "" when raw does not parse or has none. A new peer connection always
// presents a new certificate, so a changed fingerprint tells a fresh offer
// apart from a renegotiation.
func Fingerprint(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if fp, ok := desc.Attribute("fingerprint"); ok {
		return normalizeFingerprint(fp)
	}
	for _, m := range desc.MediaDescriptions {
		if fp, ok := m.Attribute("fingerprint"); ok {
			return normalizeFingerprint(fp)
		}
	}
	return ""
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.Join(strings.Fields(fp), " "))
}
