// Package groupmgr implements the chain/group/node registry: group info
// storage, per-node service bundle lifecycle, the height-based node
// selection policy, and the periodic liveness sweep.
package groupmgr

import (
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// NodeType mirrors the two cryptographic suites a node may run.
type NodeType int

const (
	NodeTypeClassical NodeType = iota
	NodeTypeSM
)

// ChainNodeInfo describes one node within a group.
type ChainNodeInfo struct {
	NodeName   string
	NodeType   NodeType
	Status     string
	IniConfig  string
	DeployInfo map[string]string // service-tag -> address
}

// GroupInfo describes one consensus group within a chain.
type GroupInfo struct {
	ChainID       string
	GroupID       string
	GenesisConfig string
	IniConfig     string
	Status        string
	Nodes         map[string]ChainNodeInfo // nodeName -> info
	// nodeOrder preserves insertion order for the selection policy's
	// "first node with a live bundle" fallback.
	nodeOrder []string
}

// ServiceBundle is the per-node set of remote service client handles the
// RPC dispatcher forwards calls through. The concrete clients (ledger,
// scheduler, txpool, consensus, sync) are external collaborators per
// spec.md §1; Bundle only tracks what the group manager needs: liveness.
type ServiceBundle struct {
	NodeName string

	mu          sync.RWMutex
	unreachable bool

	// Ledger, Scheduler, Txpool, Consensus, Sync hold opaque client
	// handles. They are left as interface{} because their call shapes are
	// explicitly out of scope (spec.md §1); the dispatcher type-asserts
	// them back to the concrete client it expects.
	Ledger     interface{}
	Scheduler  interface{}
	Txpool     interface{}
	Consensus  interface{}
	Sync       interface{}
}

// Unreachable reports the bundle's last-probed liveness.
func (b *ServiceBundle) Unreachable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unreachable
}

// SetUnreachable updates the bundle's liveness, as observed by a probe
// external to the group manager.
func (b *ServiceBundle) SetUnreachable(v bool) {
	b.mu.Lock()
	b.unreachable = v
	b.mu.Unlock()
}

// BundleFactory builds a ServiceBundle for a newly observed node. Swappable
// for tests; production wiring dials the real ledger/scheduler/txpool/
// consensus/sync clients.
type BundleFactory func(chainID, groupID string, node ChainNodeInfo) *ServiceBundle

// Manager holds groupInfos and nodeServices for one chain, under an
// upgradable readers-writer lock.
type Manager struct {
	ChainID string

	mu           sync.RWMutex
	groups       map[string]*GroupInfo           // groupId -> info
	nodeServices map[string]*ServiceBundle        // nodeName -> bundle
	latestBlock  map[string]map[string]uint64     // groupId -> nodeName -> blockNumber
	latestSet    map[string]map[string]struct{}   // groupId -> argmax node set

	bundleCache *lru.Cache[string, *ServiceBundle] // groupId|nodeName -> bundle, bounded under churn

	newBundle BundleFactory

	// OnGroupInfoChanged fires once per affected group on upsert and on
	// liveness-sweep removal, for the RPC dispatcher's GroupNotify push.
	OnGroupInfoChanged func(g GroupInfo)

	// OnBlockUpdate fires on every UpdateGroupBlockInfo call, for the RPC
	// dispatcher's BlockNotify push.
	OnBlockUpdate func(groupID, nodeName string, blockNumber uint64)

	log *logrus.Entry
}

// NewManager constructs a group manager for chainID. newBundle builds the
// per-node service bundle when a node is first observed.
func NewManager(chainID string, newBundle BundleFactory) *Manager {
	cache, _ := lru.New[string, *ServiceBundle](1024)
	return &Manager{
		ChainID:      chainID,
		groups:       make(map[string]*GroupInfo),
		nodeServices: make(map[string]*ServiceBundle),
		latestBlock:  make(map[string]map[string]uint64),
		latestSet:    make(map[string]map[string]struct{}),
		bundleCache:  cache,
		newBundle:    newBundle,
		log:          logrus.WithField("component", "groupmgr"),
	}
}

func cacheKey(groupID, nodeName string) string { return groupID + "|" + nodeName }

// UpsertGroupInfo merges g into the map. For each node without an existing
// bundle, it builds one via the factory and appends the node to the group.
// Repeated calls with an identical g are a no-op past the first: no extra
// bundles are built and OnGroupInfoChanged does not fire again unless the
// merge actually changed something.
func (m *Manager) UpsertGroupInfo(g GroupInfo) {
	m.mu.Lock()
	existing, ok := m.groups[g.GroupID]
	changed := !ok
	if !ok {
		existing = &GroupInfo{
			ChainID: g.ChainID, GroupID: g.GroupID, GenesisConfig: g.GenesisConfig,
			IniConfig: g.IniConfig, Status: g.Status, Nodes: make(map[string]ChainNodeInfo),
		}
		m.groups[g.GroupID] = existing
	} else if existing.Status != g.Status || existing.IniConfig != g.IniConfig {
		changed = true
		existing.Status = g.Status
		existing.IniConfig = g.IniConfig
	}

	for name, node := range g.Nodes {
		if _, already := existing.Nodes[name]; already {
			continue
		}
		changed = true
		existing.Nodes[name] = node
		existing.nodeOrder = append(existing.nodeOrder, name)

		key := cacheKey(g.GroupID, name)
		if _, cached := m.bundleCache.Get(key); !cached {
			var bundle *ServiceBundle
			if m.newBundle != nil {
				bundle = m.newBundle(g.ChainID, g.GroupID, node)
			} else {
				bundle = &ServiceBundle{NodeName: name}
			}
			m.nodeServices[name] = bundle
			m.bundleCache.Add(key, bundle)
		}
	}
	snapshot := cloneGroupInfo(existing)
	m.mu.Unlock()

	if changed && m.OnGroupInfoChanged != nil {
		m.OnGroupInfoChanged(snapshot)
	}
}

func cloneGroupInfo(g *GroupInfo) GroupInfo {
	nodes := make(map[string]ChainNodeInfo, len(g.Nodes))
	for k, v := range g.Nodes {
		nodes[k] = v
	}
	return GroupInfo{
		ChainID: g.ChainID, GroupID: g.GroupID, GenesisConfig: g.GenesisConfig,
		IniConfig: g.IniConfig, Status: g.Status, Nodes: nodes,
	}
}

// GroupInfos returns a snapshot of every known group.
func (m *Manager) GroupInfos() []GroupInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GroupInfo, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroupInfo(g))
	}
	return out
}

// SelectNode implements the selection policy: prefer a uniformly random
// node among those at the group's latest known block height; else the
// first node (insertion order) with a live bundle; else absent.
func (m *Manager) SelectNode(groupID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if set := m.latestSet[groupID]; len(set) > 0 {
		candidates := make([]string, 0, len(set))
		for name := range set {
			if b, ok := m.nodeServices[name]; ok && !b.Unreachable() {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) > 0 {
			r := rand.New(rand.NewSource(time.Now().UnixNano()))
			return candidates[r.Intn(len(candidates))], true
		}
	}

	g, ok := m.groups[groupID]
	if !ok {
		return "", false
	}
	for _, name := range g.nodeOrder {
		if b, ok := m.nodeServices[name]; ok && !b.Unreachable() {
			return name, true
		}
	}
	return "", false
}

// NodeService returns nodeName's bundle if given, else the bundle chosen
// by SelectNode.
func (m *Manager) NodeService(groupID string, nodeName string) (*ServiceBundle, bool) {
	if nodeName != "" {
		m.mu.RLock()
		defer m.mu.RUnlock()
		b, ok := m.nodeServices[nodeName]
		return b, ok
	}
	name, ok := m.SelectNode(groupID)
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.nodeServices[name]
	return b, ok
}

// UpdateGroupBlockInfo records nodeName's latest known block number within
// groupID and recomputes the argmax set for that group.
func (m *Manager) UpdateGroupBlockInfo(groupID, nodeName string, blockNumber uint64) {
	m.mu.Lock()
	byNode, ok := m.latestBlock[groupID]
	if !ok {
		byNode = make(map[string]uint64)
		m.latestBlock[groupID] = byNode
	}
	byNode[nodeName] = blockNumber

	var max uint64
	for _, h := range byNode {
		if h > max {
			max = h
		}
	}
	set := make(map[string]struct{})
	for name, h := range byNode {
		if h == max {
			set[name] = struct{}{}
		}
	}
	m.latestSet[groupID] = set
	m.mu.Unlock()

	if m.OnBlockUpdate != nil {
		m.OnBlockUpdate(groupID, nodeName, blockNumber)
	}
}

// LatestBlockNumber returns groupID's current maximum known block height.
func (m *Manager) LatestBlockNumber(groupID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, h := range m.latestBlock[groupID] {
		if h > max {
			max = h
		}
	}
	return max
}

// SweepLiveness removes every node whose bundle reports unreachable from
// its group, drops the bundle and its block-info entry, and fires
// OnGroupInfoChanged once per affected group.
func (m *Manager) SweepLiveness() {
	m.mu.Lock()
	var affected []GroupInfo
	for _, g := range m.groups {
		groupChanged := false
		for name, node := range g.Nodes {
			b, ok := m.nodeServices[name]
			if !ok || !b.Unreachable() {
				continue
			}
			delete(g.Nodes, name)
			g.nodeOrder = removeString(g.nodeOrder, name)
			delete(m.nodeServices, name)
			m.bundleCache.Remove(cacheKey(g.GroupID, name))
			if byNode, ok := m.latestBlock[g.GroupID]; ok {
				delete(byNode, name)
			}
			delete(m.latestSet[g.GroupID], name)
			groupChanged = true
			m.log.WithFields(logrus.Fields{"group": g.GroupID, "node": node.NodeName}).Info("node removed: unreachable")
		}
		if groupChanged {
			affected = append(affected, cloneGroupInfo(g))
		}
	}
	m.mu.Unlock()

	if m.OnGroupInfoChanged != nil {
		for _, g := range affected {
			m.OnGroupInfoChanged(g)
		}
	}
}

// GroupExists reports whether groupID has already been created, for the
// createGroup group-management RPC's conflict check.
func (m *Manager) GroupExists(groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[groupID]
	return ok
}

// NodeExists reports whether nodeName is currently registered within
// groupID, for the addNode/removeNode group-management RPCs.
func (m *Manager) NodeExists(groupID, nodeName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	_, ok = g.Nodes[nodeName]
	return ok
}

// CreateGroup registers a brand-new, empty group. It returns false without
// mutating anything if groupID already exists.
func (m *Manager) CreateGroup(g GroupInfo) bool {
	m.mu.Lock()
	if _, exists := m.groups[g.GroupID]; exists {
		m.mu.Unlock()
		return false
	}
	created := &GroupInfo{
		ChainID: g.ChainID, GroupID: g.GroupID, GenesisConfig: g.GenesisConfig,
		IniConfig: g.IniConfig, Status: g.Status, Nodes: make(map[string]ChainNodeInfo),
	}
	m.groups[g.GroupID] = created
	snapshot := cloneGroupInfo(created)
	m.mu.Unlock()

	if m.OnGroupInfoChanged != nil {
		m.OnGroupInfoChanged(snapshot)
	}
	return true
}

// AddNode appends node to groupID, building its service bundle via the
// configured factory. It returns false without mutating anything if groupID
// does not exist or node.NodeName is already registered.
func (m *Manager) AddNode(groupID string, node ChainNodeInfo) bool {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, already := g.Nodes[node.NodeName]; already {
		m.mu.Unlock()
		return false
	}
	g.Nodes[node.NodeName] = node
	g.nodeOrder = append(g.nodeOrder, node.NodeName)

	key := cacheKey(groupID, node.NodeName)
	if _, cached := m.bundleCache.Get(key); !cached {
		var bundle *ServiceBundle
		if m.newBundle != nil {
			bundle = m.newBundle(g.ChainID, groupID, node)
		} else {
			bundle = &ServiceBundle{NodeName: node.NodeName}
		}
		m.nodeServices[node.NodeName] = bundle
		m.bundleCache.Add(key, bundle)
	}
	snapshot := cloneGroupInfo(g)
	m.mu.Unlock()

	if m.OnGroupInfoChanged != nil {
		m.OnGroupInfoChanged(snapshot)
	}
	return true
}

// RemoveNode removes nodeName from groupID explicitly, independent of the
// liveness sweep, for the removeNode group-management RPC. It returns false
// without mutating anything if groupID or nodeName does not exist.
func (m *Manager) RemoveNode(groupID, nodeName string) bool {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, ok := g.Nodes[nodeName]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(g.Nodes, nodeName)
	g.nodeOrder = removeString(g.nodeOrder, nodeName)
	delete(m.nodeServices, nodeName)
	m.bundleCache.Remove(cacheKey(groupID, nodeName))
	if byNode, ok := m.latestBlock[groupID]; ok {
		delete(byNode, nodeName)
	}
	delete(m.latestSet[groupID], nodeName)
	snapshot := cloneGroupInfo(g)
	m.mu.Unlock()

	if m.OnGroupInfoChanged != nil {
		m.OnGroupInfoChanged(snapshot)
	}
	return true
}

func removeString(s []string, target string) []string {
	out := s[:0]
	for _, v := range s {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// RunLivenessSweep starts a goroutine calling SweepLiveness every interval
// until stop is closed.
func (m *Manager) RunLivenessSweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SweepLiveness()
			case <-stop:
				return
			}
		}
	}()
}
