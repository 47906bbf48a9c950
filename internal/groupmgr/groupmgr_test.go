package groupmgr

import (
	"testing"
)

func testBundle(name string) *ServiceBundle { return &ServiceBundle{NodeName: name} }

func newTestManager() *Manager {
	return NewManager("chain1", func(chainID, groupID string, node ChainNodeInfo) *ServiceBundle {
		return testBundle(node.NodeName)
	})
}

func TestUpsertGroupInfoIdempotent(t *testing.T) {
	m := newTestManager()
	calls := 0
	m.OnGroupInfoChanged = func(GroupInfo) { calls++ }

	g := GroupInfo{
		GroupID: "g1",
		Nodes: map[string]ChainNodeInfo{
			"n1": {NodeName: "n1"},
		},
	}
	m.UpsertGroupInfo(g)
	m.UpsertGroupInfo(g)
	m.UpsertGroupInfo(g)

	if calls != 1 {
		t.Fatalf("expected exactly one change notification, got %d", calls)
	}
	if len(m.GroupInfos()) != 1 {
		t.Fatalf("expected one group")
	}
	if _, ok := m.NodeService("g1", "n1"); !ok {
		t.Fatalf("expected bundle for n1")
	}
}

func TestSelectNodeByHeight(t *testing.T) {
	m := newTestManager()
	m.UpsertGroupInfo(GroupInfo{GroupID: "g1", Nodes: map[string]ChainNodeInfo{
		"n1": {NodeName: "n1"}, "n2": {NodeName: "n2"}, "n3": {NodeName: "n3"},
	}})
	m.UpdateGroupBlockInfo("g1", "n1", 100)
	m.UpdateGroupBlockInfo("g1", "n2", 101)
	m.UpdateGroupBlockInfo("g1", "n3", 101)

	counts := map[string]int{}
	const trials = 1000
	for i := 0; i < trials; i++ {
		name, ok := m.SelectNode("g1")
		if !ok {
			t.Fatal("expected a selection")
		}
		counts[name]++
	}
	if counts["n1"] != 0 {
		t.Fatalf("n1 is behind the latest height and must never be selected, got %d", counts["n1"])
	}
	n2, n3 := counts["n2"], counts["n3"]
	if n2+n3 != trials {
		t.Fatalf("expected all selections to land on n2/n3, got n2=%d n3=%d", n2, n3)
	}
	ratio := float64(n2) / float64(trials)
	if ratio < 0.40 || ratio > 0.60 {
		t.Fatalf("expected roughly 50/50 split, got n2 ratio %.2f", ratio)
	}
}

func TestSelectNodeFallsBackToInsertionOrder(t *testing.T) {
	m := newTestManager()
	m.UpsertGroupInfo(GroupInfo{GroupID: "g1", Nodes: map[string]ChainNodeInfo{"n1": {NodeName: "n1"}}})
	// No block info recorded yet: falls back to first live node.
	name, ok := m.SelectNode("g1")
	if !ok || name != "n1" {
		t.Fatalf("expected fallback to n1, got %q ok=%v", name, ok)
	}
}

func TestSelectNodeAbsentWhenEmpty(t *testing.T) {
	m := newTestManager()
	if _, ok := m.SelectNode("missing"); ok {
		t.Fatal("expected absent for unknown group")
	}
}

func TestUpdateGroupBlockInfoFiresOnBlockUpdate(t *testing.T) {
	m := newTestManager()
	m.UpsertGroupInfo(GroupInfo{GroupID: "g1", Nodes: map[string]ChainNodeInfo{"n1": {NodeName: "n1"}}})

	var gotGroup, gotNode string
	var gotHeight uint64
	calls := 0
	m.OnBlockUpdate = func(groupID, nodeName string, blockNumber uint64) {
		calls++
		gotGroup, gotNode, gotHeight = groupID, nodeName, blockNumber
	}

	m.UpdateGroupBlockInfo("g1", "n1", 42)

	if calls != 1 {
		t.Fatalf("expected exactly one OnBlockUpdate call, got %d", calls)
	}
	if gotGroup != "g1" || gotNode != "n1" || gotHeight != 42 {
		t.Fatalf("unexpected callback args: group=%q node=%q height=%d", gotGroup, gotNode, gotHeight)
	}
}

func TestCreateGroupRejectsDuplicate(t *testing.T) {
	m := newTestManager()
	if !m.CreateGroup(GroupInfo{GroupID: "g1"}) {
		t.Fatal("expected first CreateGroup to succeed")
	}
	if !m.GroupExists("g1") {
		t.Fatal("expected g1 to exist after CreateGroup")
	}
	if m.CreateGroup(GroupInfo{GroupID: "g1"}) {
		t.Fatal("expected duplicate CreateGroup to be rejected")
	}
}

func TestAddNodeRejectsUnknownGroupAndDuplicateNode(t *testing.T) {
	m := newTestManager()
	if m.AddNode("missing", ChainNodeInfo{NodeName: "n1"}) {
		t.Fatal("expected AddNode against a missing group to be rejected")
	}

	m.CreateGroup(GroupInfo{GroupID: "g1"})
	if !m.AddNode("g1", ChainNodeInfo{NodeName: "n1"}) {
		t.Fatal("expected AddNode to succeed for a fresh node")
	}
	if !m.NodeExists("g1", "n1") {
		t.Fatal("expected n1 to exist after AddNode")
	}
	if _, ok := m.NodeService("g1", "n1"); !ok {
		t.Fatal("expected a bundle to be built for the new node")
	}
	if m.AddNode("g1", ChainNodeInfo{NodeName: "n1"}) {
		t.Fatal("expected duplicate AddNode to be rejected")
	}
}

func TestRemoveNodeRejectsMissingNode(t *testing.T) {
	m := newTestManager()
	m.UpsertGroupInfo(GroupInfo{GroupID: "g1", Nodes: map[string]ChainNodeInfo{"n1": {NodeName: "n1"}}})

	if !m.RemoveNode("g1", "n1") {
		t.Fatal("expected RemoveNode to succeed for an existing node")
	}
	if m.NodeExists("g1", "n1") {
		t.Fatal("expected n1 to be gone after RemoveNode")
	}
	if _, ok := m.NodeService("g1", "n1"); ok {
		t.Fatal("expected n1's bundle to be dropped")
	}
	if m.RemoveNode("g1", "n1") {
		t.Fatal("expected repeat RemoveNode to be rejected")
	}
	if m.RemoveNode("missing", "n1") {
		t.Fatal("expected RemoveNode against a missing group to be rejected")
	}
}

func TestLivenessSweepRemovesUnreachableNode(t *testing.T) {
	m := newTestManager()
	var notified []GroupInfo
	m.OnGroupInfoChanged = func(g GroupInfo) { notified = append(notified, g) }

	m.UpsertGroupInfo(GroupInfo{GroupID: "g1", Nodes: map[string]ChainNodeInfo{
		"n1": {NodeName: "n1"}, "n2": {NodeName: "n2"},
	}})
	notified = nil // ignore the upsert notification

	bundle, _ := m.NodeService("g1", "n1")
	bundle.SetUnreachable(true)

	m.SweepLiveness()

	if len(notified) != 1 {
		t.Fatalf("expected exactly one sweep notification, got %d", len(notified))
	}
	if _, ok := notified[0].Nodes["n1"]; ok {
		t.Fatal("n1 should have been removed from the group info")
	}
	if _, ok := m.NodeService("g1", "n1"); ok {
		t.Fatal("n1's bundle should have been dropped")
	}
	if _, ok := m.NodeService("g1", "n2"); !ok {
		t.Fatal("n2 should be unaffected")
	}
}
