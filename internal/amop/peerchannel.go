package amop

import "rpcgate/internal/frame"

// PeerChannel abstracts the node-to-node transport ("front service" in
// spec terms): broadcast, unicast-by-node-id with a response callback, and
// peer liveness notification. AMOP drives all inter-gateway traffic through
// this contract; internal/peerchannel supplies a concrete TCP-framed
// implementation.
type PeerChannel interface {
	// SendToPeer delivers f to peerID and invokes cb exactly once with the
	// peer's response frame, or a non-nil error on transport failure.
	SendToPeer(peerID string, f frame.Frame, cb func(frame.Frame, error))
	// BroadcastToPeers delivers f to every live peer with no acknowledgement.
	BroadcastToPeers(f frame.Frame)
	// LivePeers returns the current live peer id set.
	LivePeers() []string
	// OnFrame registers the callback invoked for every inbound frame from a
	// peer. Only one callback may be registered; NewEngine installs it.
	OnFrame(cb func(peerID string, f frame.Frame))
	// OnPeerListChanged registers the callback invoked whenever the live
	// peer set changes.
	OnPeerListChanged(cb func(live []string))
}
