// Package httpfront implements the HTTP/1.1 request glue: the JSON-RPC POST
// endpoint, the WebSocket upgrade path sharing the session package, and the
// metrics/healthz pair.
package httpfront

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rpcgate/internal/groupmgr"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/session"
)

// wsTransport adapts a *websocket.Conn to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// SessionRegistrar is the subset of session.Registry the front needs, kept
// as an interface so tests can substitute a double.
type SessionRegistrar interface {
	Add(s *session.Session)
	Len() int
}

// GroupCounter is the subset of groupmgr.Manager the front needs to report
// the known-group count on /healthz, kept as an interface so tests can
// substitute a double without pulling in groupmgr.
type GroupCounter interface {
	GroupInfos() []groupmgr.GroupInfo
}

// Server wires the gorilla/mux router, the JSON-RPC dispatcher, the session
// registry, and the metrics registry into one HTTP handler.
type Server struct {
	router     *mux.Router
	dispatcher *jsonrpc.Dispatcher
	registry   SessionRegistrar
	groups     GroupCounter
	handlers   map[uint16]session.HandlerFunc
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	log        *logrus.Entry
}

// NewServer builds the router. handlers is the full session type-handler
// table (RPC dispatcher's handlers merged with the AMOP engine's).
func NewServer(dispatcher *jsonrpc.Dispatcher, registry SessionRegistrar, groups GroupCounter, handlers map[uint16]session.HandlerFunc, m *metrics.Metrics) *Server {
	s := &Server{
		dispatcher: dispatcher,
		registry:   registry,
		groups:     groups,
		handlers:   handlers,
		metrics:    m,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:        logrus.WithField("component", "httpfront"),
	}
	s.router = mux.NewRouter()
	s.router.Use(requestLogger)
	s.router.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if m != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the composed http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("incoming request")
		next.ServeHTTP(w, r)
	})
}

// handleRPC decodes the JSON-RPC body and reuses the dispatcher's
// HandleRaw entry point, the same one the WebSocket path uses.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	resp := s.dispatcher.HandleRaw(body)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// handleWebSocket upgrades the connection and hands it to a new
// session.Session, registered into the session registry.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	sess := session.New(&wsTransport{conn: conn}, s.handlers)
	s.registry.Add(sess)
	if s.metrics != nil {
		s.metrics.ConnectedSessions.Inc()
	}
	go func() {
		sess.Serve()
		if s.metrics != nil {
			s.metrics.ConnectedSessions.Dec()
		}
	}()
}

type healthzResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Groups   int    `json:"groups"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "ok", Sessions: s.registry.Len(), Groups: len(s.groups.GroupInfos())}
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to marshal healthz response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
