// Package amop implements the topic-routed messaging overlay: periodic
// topic-seq gossip between peer gateways, unicast-with-retry and broadcast
// fan-out addressed by topic, and cross-gateway forwarding to local SDK
// clients.
package amop

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rpcgate/internal/frame"
	"rpcgate/internal/session"
	"rpcgate/internal/topic"
)

// DefaultGossipInterval matches the 2-second cadence from the gossip
// protocol: every tick, advertise the local topicSeq to every peer.
const DefaultGossipInterval = 2 * time.Second

// Routing errors surfaced to the original caller; never retried.
var (
	ErrNotFoundPeerByTopic   = errors.New("amop: no peer subscribed to topic")
	ErrNotFoundClientByTopic = errors.New("amop: no local client subscribed to topic")
	ErrAMOPSendMsgFailed     = errors.New("amop: send failed across all candidate peers")
)

// Engine is the AMOP overlay: gossip, unicast retry, broadcast, and
// cross-gateway forwarding, all driven off a topic.Manager and a
// PeerChannel.
type Engine struct {
	topics      *topic.Manager
	peerChannel PeerChannel
	sessions    *session.Registry

	gossipInterval time.Duration
	log            *logrus.Entry

	mu     sync.Mutex
	stopCh chan struct{}

	// OnSendFailed, if set, is called whenever AsyncSend exhausts every
	// candidate peer without success, for the gateway's AMOPSendFailures
	// counter.
	OnSendFailed func()
	// OnPeerListChanged, if set, is called with the live peer id set
	// whenever the peer channel reports a liveness change, for the
	// gateway's ActivePeers gauge.
	OnPeerListChanged func(live []string)
}

// NewEngine wires topics, the peer channel, and the session registry
// together. It registers itself as the peer channel's frame and
// peer-list-changed handler, and as the registry's OnRemove handler so
// client disconnects reap subscriptions and expedite gossip.
func NewEngine(topics *topic.Manager, pc PeerChannel, sessions *session.Registry, gossipInterval time.Duration) *Engine {
	if gossipInterval <= 0 {
		gossipInterval = DefaultGossipInterval
	}
	e := &Engine{
		topics:         topics,
		peerChannel:    pc,
		sessions:       sessions,
		gossipInterval: gossipInterval,
		log:            logrus.WithField("component", "amop"),
	}
	pc.OnFrame(e.handlePeerFrame)
	pc.OnPeerListChanged(e.handlePeerListChanged)
	sessions.OnRemove = e.handleClientDisconnect
	return e
}

// Start launches the periodic gossip loop. It is safe to call once per
// Engine; calling Stop then Start again is not supported.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	stop := e.stopCh
	e.mu.Unlock()
	go e.gossipLoop(stop)
}

// Stop halts the gossip loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
}

func (e *Engine) gossipLoop(stop chan struct{}) {
	ticker := time.NewTicker(e.gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.broadcastTopicSeq()
		case <-stop:
			return
		}
	}
}

func (e *Engine) broadcastTopicSeq() {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, e.topics.TopicSeq())
	e.peerChannel.BroadcastToPeers(frame.Frame{Type: frame.TypeTopicSeq, SeqID: frame.NewSeqID(), Payload: payload})
}

// shuffle returns a uniformly shuffled copy of in, reseeded from a
// monotonic clock reading on every call rather than a process-wide RNG.
func shuffle(in []string) []string {
	out := append([]string(nil), in...)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// handlePeerFrame dispatches an inbound frame from the peer channel by its
// inter-node subtype.
func (e *Engine) handlePeerFrame(peerID string, f frame.Frame) {
	switch f.Type {
	case frame.TypeTopicSeq:
		e.onTopicSeq(peerID, f)
	case frame.TypeRequestTopic:
		e.onRequestTopic(peerID, f)
	case frame.TypeResponseTopic:
		e.onResponseTopic(peerID, f)
	case frame.TypeAMOPRequest:
		e.onInboundRequest(peerID, f)
	case frame.TypeAMOPBroadcast:
		e.onInboundBroadcast(peerID, f)
	default:
		e.log.WithField("type", f.Type).Warn("unsupported packet type from peer")
	}
}

func (e *Engine) handlePeerListChanged(live []string) {
	set := make(map[string]struct{}, len(live))
	for _, p := range live {
		set[p] = struct{}{}
	}
	e.topics.ReconcilePeers(set)
	if e.OnPeerListChanged != nil {
		e.OnPeerListChanged(live)
	}
}

func (e *Engine) onTopicSeq(peerID string, f frame.Frame) {
	if len(f.Payload) < 4 {
		return
	}
	seq := binary.BigEndian.Uint32(f.Payload)
	if e.topics.CheckPeerSeq(peerID, seq) {
		e.peerChannel.SendToPeer(peerID, frame.Frame{Type: frame.TypeRequestTopic, SeqID: frame.NewSeqID()}, nil)
	}
}

func (e *Engine) onRequestTopic(peerID string, f frame.Frame) {
	snap, err := e.topics.SnapshotAsJSON()
	if err != nil {
		e.log.WithError(err).Warn("failed to build topic snapshot")
		return
	}
	e.peerChannel.SendToPeer(peerID, frame.Frame{Type: frame.TypeResponseTopic, Status: frame.StatusOK, SeqID: f.SeqID, Payload: snap}, nil)
}

func (e *Engine) onResponseTopic(peerID string, f frame.Frame) {
	seq, topics, err := topic.ParseSnapshot(f.Payload)
	if err != nil {
		e.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed topic snapshot")
		return
	}
	e.topics.UpdatePeer(peerID, seq, topics)
}

// AsyncSend implements the unicast-with-retry path: it shuffles the peers
// subscribed to topicName and tries each in turn until one succeeds, the
// list empties, or no peer was found in the first place. cb is invoked
// exactly once.
func (e *Engine) AsyncSend(topicName string, payload []byte, cb func([]byte, error)) {
	peers := e.topics.LookupPeersByTopic(topicName)
	if len(peers) == 0 {
		cb(nil, ErrNotFoundPeerByTopic)
		return
	}
	rs := &retrySender{
		engine:   e,
		remain:   shuffle(peers),
		envelope: frame.AMOPRequest{Type: uint16(frame.TypeAMOPRequest), Topic: topicName, Payload: payload},
		cb:       cb,
	}
	rs.step()
}

// retrySender is a small state machine modeling sequential retries across
// peers without deep recursion, per the design's RetrySender note.
type retrySender struct {
	engine   *Engine
	remain   []string
	envelope frame.AMOPRequest
	cb       func([]byte, error)
}

func (r *retrySender) step() {
	if len(r.remain) == 0 {
		if r.engine.OnSendFailed != nil {
			r.engine.OnSendFailed()
		}
		r.cb(nil, ErrAMOPSendMsgFailed)
		return
	}
	peerID := r.remain[0]
	r.remain = r.remain[1:]

	payload, err := frame.EncodeAMOP(r.envelope)
	if err != nil {
		r.cb(nil, err)
		return
	}
	req := frame.Frame{Type: frame.TypeAMOPRequest, SeqID: frame.NewSeqID(), Payload: payload}
	r.engine.peerChannel.SendToPeer(peerID, req, func(resp frame.Frame, err error) {
		if err != nil || resp.Status != frame.StatusOK {
			r.step()
			return
		}
		r.cb(resp.Payload, nil)
	})
}

// AsyncSendBroadcast dispatches an AMOPBroadcast to every peer subscribed
// to topicName. No acknowledgement is expected; transport failures are
// logged, not retried.
func (e *Engine) AsyncSendBroadcast(topicName string, payload []byte) {
	peers := e.topics.LookupPeersByTopic(topicName)
	envelope, err := frame.EncodeAMOP(frame.AMOPRequest{Type: uint16(frame.TypeAMOPBroadcast), Topic: topicName, Payload: payload})
	if err != nil {
		e.log.WithError(err).Warn("failed to encode broadcast envelope")
		return
	}
	for _, peerID := range peers {
		f := frame.Frame{Type: frame.TypeAMOPBroadcast, SeqID: frame.NewSeqID(), Payload: envelope}
		e.peerChannel.SendToPeer(peerID, f, func(_ frame.Frame, err error) {
			if err != nil {
				e.log.WithError(err).WithField("peer", peerID).Warn("broadcast delivery failed")
			}
		})
	}
}

// onInboundRequest handles an AMOPRequest arriving from a peer, destined
// for one of this gateway's own SDK clients.
func (e *Engine) onInboundRequest(peerID string, f frame.Frame) {
	req, _, err := frame.DecodeAMOP(f.Payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed inbound AMOP request")
		return
	}
	clients := e.topics.LookupClientsByTopic(req.Topic)
	e.forwardToClient(peerID, f.SeqID, req, shuffle(clients))
}

// forwardToClient loops until it finds a connected session to forward to,
// retrying on send failure exactly like the unicast path. Spec.md flags
// the historical "loop while connected" condition as a bug; this instead
// loops until a connected session is found, or replies
// NotFoundClientByTopicDispatchMsg once the candidate list is exhausted.
func (e *Engine) forwardToClient(peerID string, inboundSeq frame.SeqID, req frame.AMOPRequest, remaining []string) {
	if len(remaining) == 0 {
		e.peerChannel.SendToPeer(peerID, frame.Frame{
			Type: frame.TypeAMOPRequest, Status: frame.StatusNotFoundClientByTopicDispatchMsg, SeqID: inboundSeq,
		}, nil)
		return
	}
	endpoint := remaining[0]
	rest := remaining[1:]

	sess, ok := e.sessions.Get(endpoint)
	if !ok || !sess.Connected() {
		e.forwardToClient(peerID, inboundSeq, req, rest)
		return
	}

	payload, err := frame.EncodeAMOP(req)
	if err != nil {
		e.forwardToClient(peerID, inboundSeq, req, rest)
		return
	}
	fwd := frame.Frame{Type: frame.TypeAMOPRequest, SeqID: frame.NewSeqID(), Payload: payload}
	// Every failed Send also reaches the callback (at once, or by timeout
	// when the write queue is full), so the retry happens there only.
	_ = sess.Send(fwd, session.SendOptions{}, func(resp frame.Frame, err error) {
		if err != nil {
			e.forwardToClient(peerID, inboundSeq, req, rest)
			return
		}
		e.peerChannel.SendToPeer(peerID, frame.Frame{
			Type: frame.TypeAMOPRequest, Status: frame.StatusOK, SeqID: inboundSeq, Payload: resp.Payload,
		}, nil)
	})
}

func (e *Engine) onInboundBroadcast(_ string, f frame.Frame) {
	req, _, err := frame.DecodeAMOP(f.Payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed inbound AMOP broadcast")
		return
	}
	for _, endpoint := range e.topics.LookupClientsByTopic(req.Topic) {
		sess, ok := e.sessions.Get(endpoint)
		if !ok {
			continue
		}
		payload, err := frame.EncodeAMOP(req)
		if err != nil {
			continue
		}
		_ = sess.Send(frame.Frame{Type: frame.TypeAMOPBroadcast, SeqID: frame.NewSeqID(), Payload: payload}, session.SendOptions{}, nil)
	}
}

type subscribeRequest struct {
	Topics []string `json:"topics"`
}

// HandleClientSubscribe is the session type-handler for TypeAMOPSubscribe:
// it replaces the client's topic set and expedites gossip so peers refresh
// sooner than the next 2s tick.
func (e *Engine) HandleClientSubscribe(s *session.Session, f frame.Frame) {
	var req subscribeRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		_ = s.Send(frame.Frame{Type: f.Type, Status: frame.StatusInvalidRequest, SeqID: f.SeqID}, session.SendOptions{}, nil)
		return
	}
	e.topics.Subscribe(s.Endpoint, req.Topics)
	_ = s.Send(frame.Frame{Type: f.Type, Status: frame.StatusOK, SeqID: f.SeqID}, session.SendOptions{}, nil)
	e.broadcastTopicSeq()
}

// HandleClientRequest is the session type-handler for TypeAMOPRequest sent
// by an SDK client: it forwards to the peer channel by topic and pipes the
// response (or failure status) back to the client session.
func (e *Engine) HandleClientRequest(s *session.Session, f frame.Frame) {
	req, _, err := frame.DecodeAMOP(f.Payload)
	if err != nil {
		_ = s.Send(frame.Frame{Type: f.Type, Status: frame.StatusInvalidRequest, SeqID: f.SeqID}, session.SendOptions{}, nil)
		return
	}
	e.AsyncSend(req.Topic, req.Payload, func(respPayload []byte, err error) {
		status := frame.StatusOK
		switch err {
		case ErrNotFoundPeerByTopic:
			status = frame.StatusNotFoundPeerByTopicSendMsg
		case ErrAMOPSendMsgFailed:
			status = frame.StatusAMOPSendMsgFailed
		}
		_ = s.Send(frame.Frame{Type: f.Type, Status: status, SeqID: f.SeqID, Payload: respPayload}, session.SendOptions{}, nil)
	})
}

// HandleClientBroadcast is the session type-handler for TypeAMOPBroadcast
// sent by an SDK client: fire-and-forget fan-out by topic.
func (e *Engine) HandleClientBroadcast(s *session.Session, f frame.Frame) {
	req, _, err := frame.DecodeAMOP(f.Payload)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed client broadcast")
		return
	}
	e.AsyncSendBroadcast(req.Topic, req.Payload)
}

// Handlers returns the session type-handler table for the three
// SDK-facing AMOP frame types, for merging into a Session's handler map.
func (e *Engine) Handlers() map[uint16]session.HandlerFunc {
	return map[uint16]session.HandlerFunc{
		frame.TypeAMOPSubscribe: e.HandleClientSubscribe,
		frame.TypeAMOPRequest:   e.HandleClientRequest,
		frame.TypeAMOPBroadcast: e.HandleClientBroadcast,
	}
}

// handleClientDisconnect reaps endpoint's subscriptions and, if any topic
// loses its last local subscriber, expedites gossip so peer gateways stop
// routing that topic here within one round instead of two.
func (e *Engine) handleClientDisconnect(endpoint string) {
	prior, _ := e.topics.QueryTopics(endpoint)
	e.topics.RemoveClient(endpoint)
	if lost := e.topics.TopicsLostBy(endpoint, prior); len(lost) > 0 {
		e.broadcastTopicSeq()
	}
}
