// Package peerchannel implements the node-to-node transport AMOP drives
// through amop.PeerChannel: a TCP-framed link to each peer gateway reusing
// the C1 frame codec, firing OnPeerListChanged whenever a peer is added or
// removed (including when its read loop ends).
//
// This is a thin, demo-grade stand-in for the "front service" spec.md
// treats as an external collaborator (see SPEC_FULL.md §5.11) — no NAT
// traversal, discovery, or transport security, the way the teacher's
// core/network.go DialSeed/peer-map pair leaves those concerns to libp2p.
package peerchannel

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rpcgate/internal/frame"
)

// ErrCallTimeout is returned to a SendToPeer callback when no response
// arrives within the channel's call timeout.
var ErrCallTimeout = errors.New("peerchannel: call timed out")

// pendingCall correlates an outbound SendToPeer with its eventual response
// frame, the same way session.Session correlates SDK-facing requests.
type pendingCall struct {
	cb    func(frame.Frame, error)
	timer *time.Timer
}

type peerConn struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pendings map[frame.SeqID]*pendingCall
}

// Channel is a concrete peer channel over TCP connections, one per peer,
// keyed by peer id.
type Channel struct {
	mu    sync.RWMutex
	peers map[string]*peerConn

	onFrame       func(peerID string, f frame.Frame)
	onListChanged func(live []string)

	callTimeout time.Duration
	log         *logrus.Entry
}

// NewChannel constructs an empty peer channel. callTimeout bounds how long
// SendToPeer waits for a response before treating the peer as failed;
// SendToPeer calls with a nil callback (fire-and-forget) ignore it.
func NewChannel(callTimeout time.Duration) *Channel {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Channel{
		peers:       make(map[string]*peerConn),
		callTimeout: callTimeout,
		log:         logrus.WithField("component", "peerchannel"),
	}
}

// OnFrame registers the inbound-frame callback.
func (c *Channel) OnFrame(cb func(peerID string, f frame.Frame)) {
	c.mu.Lock()
	c.onFrame = cb
	c.mu.Unlock()
}

// OnPeerListChanged registers the liveness-change callback.
func (c *Channel) OnPeerListChanged(cb func(live []string)) {
	c.mu.Lock()
	c.onListChanged = cb
	c.mu.Unlock()
}

// AddPeer registers conn under peerID and starts reading frames from it.
// Connection establishment (dialing the peer, handshake) is the caller's
// responsibility; AddPeer only takes ownership of an already-connected
// socket.
func (c *Channel) AddPeer(peerID string, conn net.Conn) {
	pc := &peerConn{id: peerID, conn: conn, pendings: make(map[frame.SeqID]*pendingCall)}
	c.mu.Lock()
	c.peers[peerID] = pc
	c.mu.Unlock()
	c.notifyListChanged()
	go c.readLoop(pc)
}

// RemovePeer tears down the connection for peerID, failing any pending
// calls with io.ErrClosedPipe.
func (c *Channel) RemovePeer(peerID string) {
	c.mu.Lock()
	pc, ok := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = pc.conn.Close()
	pc.mu.Lock()
	pendings := pc.pendings
	pc.pendings = make(map[frame.SeqID]*pendingCall)
	pc.mu.Unlock()
	for _, p := range pendings {
		p.timer.Stop()
		p.cb(frame.Frame{}, io.ErrClosedPipe)
	}
	c.notifyListChanged()
}

func (c *Channel) notifyListChanged() {
	c.mu.RLock()
	cb := c.onListChanged
	live := make([]string, 0, len(c.peers))
	for id := range c.peers {
		live = append(live, id)
	}
	c.mu.RUnlock()
	if cb != nil {
		cb(live)
	}
}

// LivePeers returns the currently connected peer ids.
func (c *Channel) LivePeers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// SendToPeer writes f to peerID's connection. A nil cb means
// fire-and-forget: no response slot is armed and write errors are only
// logged. A non-nil cb fires exactly once, with the peer's matching
// response frame or a transport/timeout error.
func (c *Channel) SendToPeer(peerID string, f frame.Frame, cb func(frame.Frame, error)) {
	c.mu.RLock()
	pc, ok := c.peers[peerID]
	c.mu.RUnlock()
	if !ok {
		if cb != nil {
			cb(frame.Frame{}, io.ErrClosedPipe)
		}
		return
	}

	if cb != nil {
		seq := f.SeqID
		pc.mu.Lock()
		p := &pendingCall{cb: cb}
		p.timer = time.AfterFunc(c.callTimeout, func() {
			pc.mu.Lock()
			_, still := pc.pendings[seq]
			delete(pc.pendings, seq)
			pc.mu.Unlock()
			if still {
				cb(frame.Frame{}, ErrCallTimeout)
			}
		})
		pc.pendings[seq] = p
		pc.mu.Unlock()
	}

	if err := writeFrame(pc, f); err != nil {
		if cb != nil {
			pc.mu.Lock()
			_, still := pc.pendings[f.SeqID]
			delete(pc.pendings, f.SeqID)
			pc.mu.Unlock()
			if still {
				cb(frame.Frame{}, err)
			}
		} else {
			c.log.WithError(err).WithField("peer", peerID).Warn("fire-and-forget send failed")
		}
	}
}

// BroadcastToPeers writes f to every live peer with no acknowledgement.
func (c *Channel) BroadcastToPeers(f frame.Frame) {
	for _, peerID := range c.LivePeers() {
		c.SendToPeer(peerID, f, nil)
	}
}

func writeFrame(pc *peerConn, f frame.Frame) error {
	buf, err := frame.Encode(f)
	if err != nil {
		return err
	}
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(buf)))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write(lenPrefix); err != nil {
		return err
	}
	_, err = pc.conn.Write(buf)
	return err
}

func (c *Channel) readLoop(pc *peerConn) {
	defer c.RemovePeer(pc.id)
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(pc.conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > frame.MaxFramePayload+20 {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(pc.conn, body); err != nil {
			return
		}
		f, err := frame.Decode(body)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed peer frame")
			continue
		}

		pc.mu.Lock()
		p, ok := pc.pendings[f.SeqID]
		if ok {
			delete(pc.pendings, f.SeqID)
		}
		pc.mu.Unlock()

		if ok {
			p.timer.Stop()
			p.cb(f, nil)
			continue
		}

		c.mu.RLock()
		onFrame := c.onFrame
		c.mu.RUnlock()
		if onFrame != nil {
			onFrame(pc.id, f)
		}
	}
}
