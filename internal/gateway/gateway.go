// Package gateway wires the frame codec, session registry, topic manager,
// AMOP engine, group manager, event-subscription workers, and RPC
// dispatcher into one running process, the way original_source's
// RpcFactory/Rpc.cpp wire the equivalent pieces at node startup.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rpcgate/internal/amop"
	"rpcgate/internal/eventsub"
	"rpcgate/internal/groupmgr"
	"rpcgate/internal/httpfront"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/peerchannel"
	"rpcgate/internal/session"
	"rpcgate/internal/topic"
	"rpcgate/pkg/config"
)

const livenessSweepInterval = 5 * time.Second

// Gateway owns every component and its wiring for one gateway instance.
type Gateway struct {
	cfg *config.Config

	Sessions    *session.Registry
	Topics      *topic.Manager
	Groups      *groupmgr.Manager
	PeerChannel *peerchannel.Channel
	AMOP        *amop.Engine
	Dispatcher  *jsonrpc.Dispatcher
	Metrics     *metrics.Metrics
	HTTP        *httpfront.Server

	eventMu      sync.Mutex
	eventWorkers map[string]*eventsub.GroupWorker
	ledger       eventsub.LedgerClient

	httpServer *http.Server
	stopCh     chan struct{}
	log        *logrus.Entry
}

// BundleFactory is re-exported so callers constructing a Gateway can supply
// their own node-service dialing logic without importing groupmgr directly.
type BundleFactory = groupmgr.BundleFactory

// New builds a Gateway from cfg. ledger backs the event-subscription
// workers; it may be nil if event subscriptions are not exercised.
// bundleFactory builds a ServiceBundle for a newly observed node; a nil
// value leaves bundles with no wired clients, matching the fact that the
// concrete ledger/scheduler/txpool/consensus/sync clients are external
// collaborators (spec.md §1).
func New(cfg *config.Config, chainID string, bundleFactory BundleFactory, ledger eventsub.LedgerClient) *Gateway {
	log := logrus.WithField("component", "gateway")

	sessions := session.NewRegistry()
	topics := topic.NewManager()
	pc := peerchannel.NewChannel(time.Duration(cfg.Peers.SessionTimeoutMS) * time.Millisecond)
	amopEngine := amop.NewEngine(topics, pc, sessions, time.Duration(cfg.Peers.GossipIntervalMS)*time.Millisecond)
	groups := groupmgr.NewManager(chainID, bundleFactory)
	m := metrics.New()

	g := &Gateway{
		cfg:          cfg,
		Sessions:     sessions,
		Topics:       topics,
		Groups:       groups,
		PeerChannel:  pc,
		AMOP:         amopEngine,
		Metrics:      m,
		eventWorkers: make(map[string]*eventsub.GroupWorker),
		ledger:       ledger,
		stopCh:       make(chan struct{}),
		log:          log,
	}

	dispatcher := jsonrpc.NewDispatcher(groups, nil)
	dispatcher.OnError = func(code int) {
		m.JSONRPCErrors.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
	}
	g.Dispatcher = dispatcher

	amopEngine.OnSendFailed = func() { m.AMOPSendFailures.Inc() }
	amopEngine.OnPeerListChanged = func(live []string) { m.ActivePeers.Set(float64(len(live))) }

	groups.OnGroupInfoChanged = func(info groupmgr.GroupInfo) {
		jsonrpc.PushGroupNotify(sessions, info)
		m.GroupNodeCount.WithLabelValues(info.GroupID).Set(float64(len(info.Nodes)))
		g.ensureEventWorker(info.GroupID)
	}
	groups.OnBlockUpdate = func(groupID, nodeName string, blockNumber uint64) {
		jsonrpc.PushBlockNotify(sessions, groupID, nodeName, blockNumber)
		m.LatestBlockHeight.WithLabelValues(groupID).Set(float64(blockNumber))
		g.eventMu.Lock()
		w, ok := g.eventWorkers[groupID]
		g.eventMu.Unlock()
		if ok {
			w.UpdateLatestBlockNumber(blockNumber)
		}
	}

	handlers := make(map[uint16]session.HandlerFunc)
	for t, h := range dispatcher.Handlers() {
		handlers[t] = h
	}
	for t, h := range amopEngine.Handlers() {
		handlers[t] = h
	}

	g.HTTP = httpfront.NewServer(dispatcher, sessions, groups, handlers, m)
	return g
}

// ensureEventWorker starts a background worker for groupID the first time
// it is observed, per spec.md §4.7 ("one group worker per known group").
// The open event-sub liveness question is resolved unconditionally wired
// on, per SPEC_FULL.md §11. When New was given a nil ledger no worker is
// started for any group.
func (g *Gateway) ensureEventWorker(groupID string) {
	g.eventMu.Lock()
	defer g.eventMu.Unlock()
	if _, ok := g.eventWorkers[groupID]; ok {
		return
	}
	if g.ledger == nil {
		return
	}
	w := eventsub.NewGroupWorker(groupID, g.ledger)
	w.Start()
	g.eventWorkers[groupID] = w
}

// EventWorker returns the worker for groupID, if it has been observed.
func (g *Gateway) EventWorker(groupID string) (*eventsub.GroupWorker, bool) {
	g.eventMu.Lock()
	defer g.eventMu.Unlock()
	w, ok := g.eventWorkers[groupID]
	return w, ok
}

// Start launches the AMOP gossip loop, the liveness sweep, and the HTTP/WS
// listener. It blocks until the listener stops or ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.AMOP.Start()
	g.Groups.RunLivenessSweep(livenessSweepInterval, g.stopCh)

	addr := fmt.Sprintf("%s:%d", g.cfg.RPC.ListenIP, g.cfg.RPC.ListenPort)
	g.httpServer = &http.Server{Addr: addr, Handler: g.HTTP.Handler()}

	errCh := make(chan error, 1)
	go func() {
		g.log.WithField("addr", addr).Info("gateway listening")
		errCh <- g.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return g.Stop()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop tears down the gossip loop, the liveness sweep, every event-sub
// worker, and the HTTP listener.
func (g *Gateway) Stop() error {
	close(g.stopCh)
	g.AMOP.Stop()

	g.eventMu.Lock()
	for _, w := range g.eventWorkers {
		w.Stop()
	}
	g.eventMu.Unlock()

	if g.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.httpServer.Shutdown(ctx)
}
