package topic

import (
	"reflect"
	"sort"
	"testing"
)

func TestSubscribeReplacesAndBumpsSeqTwice(t *testing.T) {
	m := NewManager()
	m.Subscribe("a:1", []string{"x", "y"})
	m.Subscribe("a:1", []string{"x", "y"})
	if m.TopicSeq() != 2 {
		t.Fatalf("expected topicSeq 2, got %d", m.TopicSeq())
	}
	got, ok := m.QueryTopics("a:1")
	if !ok {
		t.Fatal("expected subscription present")
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("unexpected topics: %v", got)
	}

	m.Subscribe("a:1", []string{"z"})
	got, _ = m.QueryTopics("a:1")
	if !reflect.DeepEqual(got, []string{"z"}) {
		t.Fatalf("expected subscribe to replace, not merge: %v", got)
	}
}

func TestRemoveClientNeverReturnedAgain(t *testing.T) {
	m := NewManager()
	m.Subscribe("a:1", []string{"t"})
	m.RemoveClient("a:1")
	for _, c := range m.LookupClientsByTopic("t") {
		if c == "a:1" {
			t.Fatal("removed endpoint must not be returned by lookup")
		}
	}
	if _, ok := m.QueryTopics("never-subscribed"); ok {
		t.Fatal("unknown endpoint should report absent")
	}
}

func TestPeerSeqAdvanceTogether(t *testing.T) {
	m := NewManager()
	if !m.CheckPeerSeq("p1", 5) {
		t.Fatal("unknown peer should warrant refresh")
	}
	m.UpdatePeer("p1", 5, []string{"t"})
	if m.CheckPeerSeq("p1", 5) {
		t.Fatal("matching seq should not warrant refresh")
	}
	if !m.CheckPeerSeq("p1", 6) {
		t.Fatal("differing seq should warrant refresh")
	}
	peers := m.LookupPeersByTopic("t")
	if len(peers) != 1 || peers[0] != "p1" {
		t.Fatalf("expected [p1], got %v", peers)
	}
}

func TestReconcilePeersDropsDeadPeers(t *testing.T) {
	m := NewManager()
	m.UpdatePeer("p1", 1, []string{"t"})
	m.UpdatePeer("p2", 1, []string{"t"})
	m.ReconcilePeers(map[string]struct{}{"p1": {}})
	peers := m.LookupPeersByTopic("t")
	if len(peers) != 1 || peers[0] != "p1" {
		t.Fatalf("expected only p1 to survive reconciliation, got %v", peers)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewManager()
	m.Subscribe("a:1", []string{"x"})
	m.Subscribe("a:2", []string{"y"})
	data, err := m.SnapshotAsJSON()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	seq, items, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seq != m.TopicSeq() {
		t.Fatalf("expected seq %d, got %d", m.TopicSeq(), seq)
	}
	sort.Strings(items)
	if !reflect.DeepEqual(items, []string{"x", "y"}) {
		t.Fatalf("unexpected items: %v", items)
	}
}

func TestParseSnapshotMalformed(t *testing.T) {
	if _, _, err := ParseSnapshot([]byte("not json")); err == nil {
		t.Fatal("expected parse error for malformed JSON")
	}
}

func TestTopicsLostByEmptyOnlyWhenNoOtherSubscriber(t *testing.T) {
	m := NewManager()
	m.Subscribe("a:1", []string{"t", "shared"})
	m.Subscribe("a:2", []string{"shared"})
	lost := m.TopicsLostBy("a:1", []string{"t", "shared"})
	sort.Strings(lost)
	if !reflect.DeepEqual(lost, []string{"t"}) {
		t.Fatalf("expected only 't' to be lost, got %v", lost)
	}
}
