package peerlink

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ControlLabel is the data channel every link opens next to its media.
const ControlLabel = "mesh"

const ControlTypeLinkConfirm = "link-confirm"

// ControlMessage is the msgpack envelope used on the control channel.
type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type LinkConfirm struct {
	PeerID     string `msgpack:"peerId"`
	InstanceID uint64 `msgpack:"instanceId"`
	SentAtMs   int64  `msgpack:"sentAtMs"`
}

func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func encodeControl(t string, payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(ControlMessage{Type: t, Payload: b})
}

func decodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	return msg, nil
}
