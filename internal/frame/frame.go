// Package frame implements the wire codec for the gateway's WebSocket
// transport: the outer frame (type/status/sequence id/payload) and the
// inner AMOP request envelope carried inside AMOP-typed frame payloads.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// Frame types. Unknown types are logged and dropped by the session read loop.
const (
	TypeHandshake     uint16 = 0x01
	TypeRpcRequest    uint16 = 0x02
	TypeBlockNotify   uint16 = 0x03
	TypeGroupNotify   uint16 = 0x04
	TypeEventLogPush  uint16 = 0x05
	TypeAMOPRequest   uint16 = 0x10
	TypeAMOPBroadcast uint16 = 0x11
	TypeAMOPSubscribe uint16 = 0x12

	// Inter-node subtypes, carried over the peer channel only.
	TypeTopicSeq      uint16 = 0x20
	TypeRequestTopic  uint16 = 0x21
	TypeResponseTopic uint16 = 0x22
)

// Status codes echoed back on the response frame.
const (
	StatusOK                              uint16 = 0
	StatusInvalidRequest                  uint16 = 1
	StatusPayloadTooLarge                 uint16 = 2
	StatusUnsupportedPacketType           uint16 = 3
	StatusNotFoundPeerByTopicSendMsg      uint16 = 4
	StatusNotFoundClientByTopicDispatchMsg uint16 = 5
	StatusTimeout                         uint16 = 6
	StatusConnectionClosed                uint16 = 7
	StatusAMOPSendMsgFailed               uint16 = 8
)

// MaxFramePayload caps a single frame at 10 MiB per spec.
const MaxFramePayload = 10 * 1024 * 1024

// MaxTopicLen is the largest topic name the AMOPRequest envelope can carry.
const MaxTopicLen = 65535

// SeqID is the 16-byte opaque sequence id that correlates a request with
// its response within the lifetime of a session.
type SeqID [16]byte

// NewSeqID mints a fresh sequence id from a random UUID.
func NewSeqID() SeqID {
	var id SeqID
	copy(id[:], uuid.New()[:])
	return id
}

// Frame is the outer WebSocket envelope. All integers are big-endian.
type Frame struct {
	Type    uint16
	Status  uint16
	SeqID   SeqID
	Payload []byte
}

const headerLen = 2 + 2 + 16 // type + status + seqid

var (
	// ErrShortBuffer indicates the decoder was handed fewer bytes than the
	// fixed header requires.
	ErrShortBuffer = errors.New("frame: short buffer")
	// ErrPayloadTooLarge indicates a frame or envelope payload exceeds its cap.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Encode serializes f into a newly allocated byte slice.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, headerLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.Type)
	binary.BigEndian.PutUint16(buf[2:4], f.Status)
	copy(buf[4:20], f.SeqID[:])
	copy(buf[20:], f.Payload)
	return buf, nil
}

// Decode parses a complete frame out of buf. buf must contain exactly one
// frame's worth of bytes (the WebSocket transport already delivers
// message-framed buffers, so there is no length prefix at this layer).
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerLen {
		return Frame{}, ErrShortBuffer
	}
	if len(buf)-headerLen > MaxFramePayload {
		return Frame{}, ErrPayloadTooLarge
	}
	var f Frame
	f.Type = binary.BigEndian.Uint16(buf[0:2])
	f.Status = binary.BigEndian.Uint16(buf[2:4])
	copy(f.SeqID[:], buf[4:20])
	f.Payload = append([]byte(nil), buf[20:]...)
	return f, nil
}

// AMOPRequest is the inner envelope carried inside AMOP-typed frame
// payloads: type:u16 | topicLen:u16 | topic[topicLen] | payload[...].
type AMOPRequest struct {
	Type    uint16
	Topic   string
	Payload []byte
}

// EncodeAMOP serializes an AMOPRequest. It fails with ErrPayloadTooLarge if
// the topic exceeds MaxTopicLen bytes.
func EncodeAMOP(r AMOPRequest) ([]byte, error) {
	topic := []byte(r.Topic)
	if len(topic) > MaxTopicLen {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 2+2+len(topic)+len(r.Payload))
	binary.BigEndian.PutUint16(buf[0:2], r.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(topic)))
	copy(buf[4:4+len(topic)], topic)
	copy(buf[4+len(topic):], r.Payload)
	return buf, nil
}

// DecodeAMOP parses an AMOPRequest envelope out of buf, returning the
// number of bytes consumed. It returns a negative count and a non-nil error
// on a short or malformed buffer; it never panics on untrusted input.
func DecodeAMOP(buf []byte) (AMOPRequest, int, error) {
	if len(buf) < 4 {
		return AMOPRequest{}, -1, ErrShortBuffer
	}
	typ := binary.BigEndian.Uint16(buf[0:2])
	topicLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+topicLen {
		return AMOPRequest{}, -1, ErrShortBuffer
	}
	topic := string(buf[4 : 4+topicLen])
	payload := append([]byte(nil), buf[4+topicLen:]...)
	return AMOPRequest{Type: typ, Topic: topic, Payload: payload}, 4 + topicLen + len(payload), nil
}
