package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"rpcgate/internal/frame"
)

// fakeTransport is an in-memory duplex pipe satisfying Transport, with one
// end driven by the test and the other by the Session under test.
type fakeTransport struct {
	endpoint string
	in       chan []byte
	out      chan []byte
	mu       sync.Mutex
	closed   bool
}

func newFakeTransport(endpoint string) *fakeTransport {
	return &fakeTransport{endpoint: endpoint, in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	buf, ok := <-f.in
	if !ok {
		return nil, errors.New("closed")
	}
	return buf, nil
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.endpoint }

func TestSessionResponseDemux(t *testing.T) {
	tr := newFakeTransport("1.2.3.4:5")
	s := New(tr, map[uint16]HandlerFunc{})
	go s.Serve()

	seq := frame.NewSeqID()
	done := make(chan frame.Frame, 1)
	err := s.Send(frame.Frame{Type: frame.TypeRpcRequest, SeqID: seq}, SendOptions{}, func(f frame.Frame, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- f
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-tr.out // drain the request frame the session wrote

	// Simulate the peer's response arriving on the read side.
	resp, _ := frame.Encode(frame.Frame{Type: frame.TypeRpcRequest, Status: frame.StatusOK, SeqID: seq, Payload: []byte("ok")})
	tr.in <- resp

	select {
	case f := <-done:
		if string(f.Payload) != "ok" {
			t.Fatalf("expected payload ok, got %q", f.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response callback")
	}
	s.Close()
}

func TestSessionTimeout(t *testing.T) {
	tr := newFakeTransport("1.2.3.4:6")
	s := New(tr, map[uint16]HandlerFunc{})
	go s.Serve()

	done := make(chan error, 1)
	err := s.Send(frame.Frame{Type: frame.TypeRpcRequest, SeqID: frame.NewSeqID()}, SendOptions{TimeoutMS: 10}, func(f frame.Frame, err error) {
		done <- err
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-done:
		if err != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout callback")
	}
	s.Close()
}

func TestSessionCloseCancelsPending(t *testing.T) {
	tr := newFakeTransport("1.2.3.4:7")
	s := New(tr, map[uint16]HandlerFunc{})
	go s.Serve()

	done := make(chan error, 1)
	_ = s.Send(frame.Frame{Type: frame.TypeRpcRequest, SeqID: frame.NewSeqID()}, SendOptions{}, func(f frame.Frame, err error) {
		done <- err
	})
	s.Close()
	select {
	case err := <-done:
		if err != ErrConnectionClosed {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close callback")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	tr := newFakeTransport("1.2.3.4:8")
	s := New(tr, map[uint16]HandlerFunc{})
	go s.Serve()
	s.Close()
	s.Close() // must not panic or double-notify
}

func TestSessionTypeHandlerDispatch(t *testing.T) {
	tr := newFakeTransport("1.2.3.4:9")
	hit := make(chan frame.Frame, 1)
	s := New(tr, map[uint16]HandlerFunc{
		frame.TypeHandshake: func(s *Session, f frame.Frame) { hit <- f },
	})
	go s.Serve()

	req, _ := frame.Encode(frame.Frame{Type: frame.TypeHandshake, SeqID: frame.NewSeqID()})
	tr.in <- req

	select {
	case <-hit:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	s.Close()
}
