// Package topic implements the subscription maps AMOP routes on: the local
// client->topics table, the monotonic local topicSeq, and the eventually
// consistent peer->(seq, topics) view gossiped from peer gateways.
package topic

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Snapshot is the JSON shape exchanged during gossip: the union of every
// locally subscribed client's topics, tagged with the seq that produced it.
type Snapshot struct {
	TopicSeq   uint32   `json:"topicSeq"`
	TopicItems []string `json:"topicItems"`
}

type peerState struct {
	seq    uint32
	topics map[string]struct{}
}

// Manager holds the client->topics map, the local topicSeq, and the
// peer->(seq, topics) map. All mutation goes through an RWMutex; snapshots
// are taken under the read lock and iterated outside it.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]map[string]struct{} // endpoint -> topic set
	peers   map[string]peerState           // peer node id -> (seq, topics)

	topicSeq uint32 // atomic
}

// NewManager constructs an empty topic manager.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]map[string]struct{}),
		peers:   make(map[string]peerState),
	}
}

func toSet(topics []string) map[string]struct{} {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}

// Subscribe replaces endpoint's topic set (not a delta) and bumps topicSeq.
func (m *Manager) Subscribe(endpoint string, topics []string) {
	set := toSet(topics)
	m.mu.Lock()
	m.clients[endpoint] = set
	m.mu.Unlock()
	// Released after the map mutation so a peer observing the new seq via
	// gossip is guaranteed to see the corresponding subscription state.
	atomic.AddUint32(&m.topicSeq, 1)
}

// QueryTopics returns endpoint's topic set, or ok=false if it has none.
func (m *Manager) QueryTopics(endpoint string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.clients[endpoint]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out, true
}

// RemoveClient erases endpoint's subscriptions and bumps topicSeq.
func (m *Manager) RemoveClient(endpoint string) {
	m.mu.Lock()
	_, existed := m.clients[endpoint]
	delete(m.clients, endpoint)
	m.mu.Unlock()
	if existed {
		atomic.AddUint32(&m.topicSeq, 1)
	}
}

// TopicSeq returns the current local topicSeq.
func (m *Manager) TopicSeq() uint32 {
	return atomic.LoadUint32(&m.topicSeq)
}

// SnapshotAsJSON serializes the union of every client's topics, tagged with
// the current topicSeq.
func (m *Manager) SnapshotAsJSON() ([]byte, error) {
	m.mu.RLock()
	seq := m.topicSeq
	union := make(map[string]struct{})
	for _, set := range m.clients {
		for t := range set {
			union[t] = struct{}{}
		}
	}
	m.mu.RUnlock()

	items := make([]string, 0, len(union))
	for t := range union {
		items = append(items, t)
	}
	return json.Marshal(Snapshot{TopicSeq: seq, TopicItems: items})
}

// ParseSnapshot decodes a peer's topic snapshot. Malformed JSON is returned
// as an error; callers log and drop it per the gossip protocol.
func ParseSnapshot(data []byte) (uint32, []string, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, nil, err
	}
	return snap.TopicSeq, snap.TopicItems, nil
}

// CheckPeerSeq reports whether peer's stored seq differs from seq, i.e.
// whether a RequestTopic refresh is warranted.
func (m *Manager) CheckPeerSeq(peer string, seq uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.peers[peer]
	if !ok {
		return true
	}
	return st.seq != seq
}

// UpdatePeer replaces peer's (seq, topics) pair. Updates are accepted
// unconditionally here; callers are expected to have already gated on
// CheckPeerSeq so that (seq, topics) only ever advance together.
func (m *Manager) UpdatePeer(peer string, seq uint32, topics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer] = peerState{seq: seq, topics: toSet(topics)}
}

// ReconcilePeers erases peer state for any peer not present in live.
func (m *Manager) ReconcilePeers(live map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer := range m.peers {
		if _, ok := live[peer]; !ok {
			delete(m.peers, peer)
		}
	}
}

// LookupPeersByTopic returns the ids of peers whose last-known topic set
// contains name.
func (m *Manager) LookupPeersByTopic(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for peer, st := range m.peers {
		if _, ok := st.topics[name]; ok {
			out = append(out, peer)
		}
	}
	return out
}

// LookupClientsByTopic returns the endpoints of local clients subscribed to
// name.
func (m *Manager) LookupClientsByTopic(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for endpoint, set := range m.clients {
		if _, ok := set[name]; ok {
			out = append(out, endpoint)
		}
	}
	return out
}

// TopicsLostBy returns the topics that become empty (no remaining
// subscriber) once endpoint is removed, given endpoint's topic set prior to
// removal. The AMOP engine uses it only to decide whether to advertise its
// topicSeq at once; no per-topic removal message is sent.
func (m *Manager) TopicsLostBy(endpoint string, priorTopics []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lost []string
	for _, t := range priorTopics {
		empty := true
		for other, set := range m.clients {
			if other == endpoint {
				continue
			}
			if _, ok := set[t]; ok {
				empty = false
				break
			}
		}
		if empty {
			lost = append(lost, t)
		}
	}
	return lost
}
