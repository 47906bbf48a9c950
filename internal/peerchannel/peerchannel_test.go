package peerchannel

import (
	"net"
	"testing"
	"time"

	"rpcgate/internal/frame"
)

func TestChannelRoundTrip(t *testing.T) {
	a := NewChannel(time.Second)
	b := NewChannel(time.Second)

	c1, c2 := net.Pipe()
	a.AddPeer("b", c1)
	b.AddPeer("a", c2)

	b.OnFrame(func(peerID string, f frame.Frame) {
		if peerID != "a" {
			t.Errorf("expected peer id 'a', got %q", peerID)
		}
		resp := frame.Frame{Type: f.Type, Status: frame.StatusOK, SeqID: f.SeqID, Payload: []byte("pong")}
		b.SendToPeer("a", resp, nil)
	})

	done := make(chan frame.Frame, 1)
	a.SendToPeer("b", frame.Frame{Type: frame.TypeTopicSeq, SeqID: frame.NewSeqID(), Payload: []byte("ping")}, func(f frame.Frame, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- f
	})

	select {
	case f := <-done:
		if string(f.Payload) != "pong" {
			t.Fatalf("expected pong, got %q", f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for round trip")
	}
}

func TestChannelSendToUnknownPeer(t *testing.T) {
	a := NewChannel(time.Second)
	done := make(chan error, 1)
	a.SendToPeer("ghost", frame.Frame{}, func(_ frame.Frame, err error) { done <- err })
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for unknown peer")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestChannelLivePeersAndRemoval(t *testing.T) {
	a := NewChannel(time.Second)
	c1, c2 := net.Pipe()
	defer c2.Close()
	a.AddPeer("b", c1)
	if got := a.LivePeers(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected [b], got %v", got)
	}
	a.RemovePeer("b")
	if got := a.LivePeers(); len(got) != 0 {
		t.Fatalf("expected no live peers after removal, got %v", got)
	}
}
