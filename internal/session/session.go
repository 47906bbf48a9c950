// Package session implements one live WebSocket peer: a read loop dispatching
// frames by type, a serialized write queue, and correlated response
// callbacks with timeouts.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rpcgate/internal/frame"
)

// Transport is the minimal duplex message interface a Session drives. A
// gorilla/websocket connection satisfies it directly (see httpfront); tests
// use an in-memory fake.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// Errors surfaced to response callbacks and type handlers.
var (
	ErrTimeout          = errors.New("session: request timed out")
	ErrConnectionClosed = errors.New("session: connection closed")
	ErrWriteQueueFull   = errors.New("session: write queue full")
)

// ResponseCallback is invoked at most once with either the decoded response
// frame or one of ErrTimeout / ErrConnectionClosed.
type ResponseCallback func(frame.Frame, error)

// SendOptions configures an outbound request.
type SendOptions struct {
	// TimeoutMS is the response wait time; zero means DefaultTimeoutMS.
	TimeoutMS int
}

// DefaultTimeoutMS is the default per-request response timeout.
const DefaultTimeoutMS = 30000

// writeQueueCap bounds the per-session outbound FIFO.
const writeQueueCap = 256

type pending struct {
	cb    ResponseCallback
	timer *time.Timer
}

// Session is one live WebSocket peer, keyed by its remote endpoint.
type Session struct {
	Endpoint        string
	ProtocolVersion int

	transport Transport
	writeCh   chan []byte

	mu        sync.Mutex
	pendings  map[frame.SeqID]*pending
	connected bool
	closeOnce sync.Once

	handlers map[uint16]HandlerFunc
	stopCh   chan struct{}

	log *logrus.Entry

	// OnClose, if set, is invoked once after the session has fully torn
	// down (write loop stopped, pendings cancelled). Used by the registry
	// to reap this endpoint and by the topic manager to drop subscriptions.
	OnClose func(endpoint string)

	wg sync.WaitGroup
}

// HandlerFunc processes a frame that did not demultiplex to a pending
// response slot.
type HandlerFunc func(s *Session, f frame.Frame)

// New constructs a Session over transport, bound to handlers keyed by frame
// type. The session is not yet reading; call Serve to start the loops.
func New(transport Transport, handlers map[uint16]HandlerFunc) *Session {
	return &Session{
		Endpoint:        transport.RemoteAddr(),
		ProtocolVersion: 1,
		transport:       transport,
		writeCh:         make(chan []byte, writeQueueCap),
		pendings:        make(map[frame.SeqID]*pending),
		connected:       true,
		handlers:        handlers,
		stopCh:          make(chan struct{}),
		log:             logrus.WithField("endpoint", transport.RemoteAddr()),
	}
}

// Serve runs the read loop and the write loop. It blocks until the
// transport is closed or errors; callers typically invoke it in its own
// goroutine per accepted connection.
func (s *Session) Serve() {
	s.wg.Add(1)
	go s.writeLoop()
	s.readLoop()
	s.Close()
	s.wg.Wait()
}

func (s *Session) readLoop() {
	for {
		buf, err := s.transport.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("session read loop exiting")
			return
		}
		f, err := frame.Decode(buf)
		if err != nil {
			s.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f frame.Frame) {
	s.mu.Lock()
	p, ok := s.pendings[f.SeqID]
	if ok {
		delete(s.pendings, f.SeqID)
	}
	s.mu.Unlock()

	// Response demultiplexing: frames sharing a sequence id with a pending
	// slot go to that slot's callback instead of the type handler.
	if ok {
		p.timer.Stop()
		p.cb(f, nil)
		return
	}

	h, ok := s.handlers[f.Type]
	if !ok {
		s.log.WithField("type", f.Type).Warn("dropping unknown frame type")
		return
	}
	go h(s, f)
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case buf := <-s.writeCh:
			if err := s.transport.WriteMessage(buf); err != nil {
				s.log.WithError(err).Debug("write failed, dropping session")
				go s.Close()
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// Send enqueues f for writing. If respCb is non-nil, a response slot is
// armed keyed by f.SeqID with the given timeout (default DefaultTimeoutMS);
// respCb fires exactly once, with either the matching response frame or a
// timeout/connection-closed error.
func (s *Session) Send(f frame.Frame, opts SendOptions, respCb ResponseCallback) error {
	buf, err := frame.Encode(f)
	if err != nil {
		if respCb != nil {
			respCb(frame.Frame{}, err)
		}
		return err
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		if respCb != nil {
			respCb(frame.Frame{}, ErrConnectionClosed)
		}
		return ErrConnectionClosed
	}
	if respCb != nil {
		timeoutMS := opts.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = DefaultTimeoutMS
		}
		seq := f.SeqID
		p := &pending{cb: respCb}
		p.timer = time.AfterFunc(time.Duration(timeoutMS)*time.Millisecond, func() {
			s.mu.Lock()
			_, still := s.pendings[seq]
			if still {
				delete(s.pendings, seq)
			}
			s.mu.Unlock()
			if still {
				respCb(frame.Frame{}, ErrTimeout)
			}
		})
		s.pendings[seq] = p
	}
	// The channel send happens while still holding mu so Close cannot
	// observe connected==true, close the transport, and race a send onto
	// a writeLoop that has already exited; the writeLoop only stops after
	// Close flips connected under the same lock.
	select {
	case s.writeCh <- buf:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return ErrWriteQueueFull
	}
}

// Connected reports whether the session is still accepting traffic.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close is idempotent: it marks the session disconnected, cancels all
// pending response timers (each fires ErrConnectionClosed), drains the
// write queue, closes the transport, and notifies OnClose.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		pendings := s.pendings
		s.pendings = make(map[frame.SeqID]*pending)
		s.mu.Unlock()

		for _, p := range pendings {
			p.timer.Stop()
			p.cb(frame.Frame{}, ErrConnectionClosed)
		}

		close(s.stopCh)
		_ = s.transport.Close()

		if s.OnClose != nil {
			s.OnClose(s.Endpoint)
		}
	})
}
