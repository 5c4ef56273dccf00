package wire

import (
	"encoding/json"

	"github.com/tinylib/msgp/msgp"

	"yogi-branch/internal/yogi/yerr"
)

// MessageType tags the body of a framed message. Heartbeat has no tag byte
// at all; its encoded form is the empty vector (the size prefix alone).
type MessageType byte

const (
	// Acknowledge is the 1-byte, no-body handshake acknowledgement.
	Acknowledge MessageType = 0x55
	// Broadcast carries a serialized user payload.
	Broadcast MessageType = 0xBC
)

// Encoding identifies how a broadcast payload is represented on the wire.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

// AckMessage is the fixed 1-byte acknowledgement frame.
var AckMessage = []byte{byte(Acknowledge)}

// HeartbeatMessage is the fixed empty heartbeat frame (zero-length body,
// the size prefix alone signals it).
var HeartbeatMessage = []byte{}

// EncodeBroadcast builds a Broadcast frame body (tag + payload) from user
// data in the given encoding. JSON input is validated by parsing and
// re-emitted as MessagePack; MessagePack input is validated by a single
// parse pass and passed through unchanged.
func EncodeBroadcast(enc Encoding, data []byte) ([]byte, error) {
	var payload []byte
	switch enc {
	case EncodingJSON:
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, yerr.Err(yerr.ParsingJSONFailed, err.Error())
		}
		mp, err := msgp.AppendIntf(nil, v)
		if err != nil {
			return nil, yerr.Err(yerr.ParsingJSONFailed, err.Error())
		}
		payload = mp
	case EncodingMsgPack:
		if _, _, err := msgp.ReadIntfBytes(data); err != nil {
			return nil, yerr.Err(yerr.InvalidUserMsgPack, err.Error())
		}
		payload = data
	default:
		return nil, yerr.Err(yerr.Unknown, "unsupported encoding")
	}

	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(Broadcast))
	out = append(out, payload...)
	return out, nil
}

// DecodeBroadcastPayload transcodes a Broadcast frame's raw MessagePack
// payload into the caller's requested encoding.
func DecodeBroadcastPayload(enc Encoding, msgpackPayload []byte) ([]byte, error) {
	v, _, err := msgp.ReadIntfBytes(msgpackPayload)
	if err != nil {
		return nil, yerr.Err(yerr.InvalidUserMsgPack, err.Error())
	}
	switch enc {
	case EncodingMsgPack:
		return msgpackPayload, nil
	case EncodingJSON:
		return json.Marshal(v)
	default:
		return nil, yerr.Err(yerr.Unknown, "unsupported encoding")
	}
}

// TagOf returns the message type tag of a decoded frame. A zero-length
// frame is a heartbeat: it carries no tag byte, so isHeartbeat is true and
// tag and body are zero.
func TagOf(frame []byte) (tag MessageType, body []byte, isHeartbeat bool) {
	if len(frame) == 0 {
		return 0, nil, true
	}
	return MessageType(frame[0]), frame[1:], false
}
