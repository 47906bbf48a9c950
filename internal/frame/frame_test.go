package frame

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeRpcRequest, Status: StatusOK, SeqID: NewSeqID(), Payload: []byte(`{"jsonrpc":"2.0"}`)}
	enc, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Type != f.Type || dec.Status != f.Status || dec.SeqID != f.SeqID || !bytes.Equal(dec.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v != %+v", dec, f)
	}
	reenc, err := Encode(dec)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(reenc, enc) {
		t.Fatalf("encode(decode(bytes)) != bytes")
	}
}

func TestFrameShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestFramePayloadCap(t *testing.T) {
	ok := Frame{Payload: make([]byte, MaxFramePayload)}
	if _, err := Encode(ok); err != nil {
		t.Fatalf("expected 10MiB payload to encode, got %v", err)
	}
	tooBig := Frame{Payload: make([]byte, MaxFramePayload+1)}
	if _, err := Encode(tooBig); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestAMOPRoundTrip(t *testing.T) {
	r := AMOPRequest{Type: 1, Topic: "ticks", Payload: []byte("hello")}
	enc, err := EncodeAMOP(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, n, err := DecodeAMOP(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("expected to consume %d bytes, got %d", len(enc), n)
	}
	if dec.Type != r.Type || dec.Topic != r.Topic || !bytes.Equal(dec.Payload, r.Payload) {
		t.Fatalf("round trip mismatch: %+v != %+v", dec, r)
	}
}

func TestAMOPTopicBoundary(t *testing.T) {
	maxTopic := strings.Repeat("a", MaxTopicLen)
	if _, err := EncodeAMOP(AMOPRequest{Topic: maxTopic}); err != nil {
		t.Fatalf("expected max-length topic to encode, got %v", err)
	}
	overTopic := strings.Repeat("a", MaxTopicLen+1)
	if _, err := EncodeAMOP(AMOPRequest{Topic: overTopic}); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestAMOPDecodeShortBuffer(t *testing.T) {
	if _, n, err := DecodeAMOP([]byte{0, 1}); err != ErrShortBuffer || n != -1 {
		t.Fatalf("expected short buffer sentinel, got n=%d err=%v", n, err)
	}
	// topicLen claims more bytes than are present.
	malformed := []byte{0, 1, 0, 10, 'a'}
	if _, n, err := DecodeAMOP(malformed); err != ErrShortBuffer || n != -1 {
		t.Fatalf("expected short buffer sentinel, got n=%d err=%v", n, err)
	}
}
