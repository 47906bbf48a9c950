// Package jsonrpc implements the JSON-RPC 2.0 envelope, the method table,
// and the handshake/push messages shared by the WebSocket and HTTP fronts.
package jsonrpc

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"rpcgate/internal/frame"
	"rpcgate/internal/groupmgr"
	"rpcgate/internal/session"
)

// Standard JSON-RPC error codes plus the group-management server error
// range this gateway owns.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	NodeNotExistOrNotStarted = -32000
	GroupAlreadyExists       = -32001
	NodeAlreadyExists        = -32002
	OperationNotAllowed      = -32003
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// NewRPCError builds an *RPCError.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Request is the inbound JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int64             `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// Response is the outbound JSON-RPC 2.0 envelope. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func errorResponse(id int64, rpcErr *RPCError) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

func resultResponse(id int64, result interface{}) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// Reply delivers a method handler's outcome back to the dispatcher.
type Reply func(result interface{}, rpcErr *RPCError)

// MethodHandler implements one JSON-RPC method.
type MethodHandler func(params []json.RawMessage, reply Reply)

// groupScopedMethods resolves (groupId, nodeName?) from the head of params
// and forward through a node service bundle, per spec.md §4.8. The actual
// call shapes are an external collaborator's concern; Forwarder is the
// minimal contract the dispatcher needs to reach it.
var groupScopedMethods = map[string]bool{
	"call": true, "sendTransaction": true, "getTransaction": true,
	"getTransactionReceipt": true, "getBlockByHash": true, "getBlockByNumber": true,
	"getBlockHashByNumber": true, "getBlockNumber": true, "getCode": true,
	"getSealerList": true, "getObserverList": true, "getPbftView": true,
	"getPendingTxSize": true, "getSyncStatus": true, "getSystemConfigByKey": true,
	"getTotalTransactionCount": true, "getPeers": true, "getNodeInfo": true,
}

// Forwarder executes a group-scoped method against a resolved node service
// bundle.
type Forwarder interface {
	Forward(bundle *groupmgr.ServiceBundle, method string, params []json.RawMessage) (interface{}, *RPCError)
}

// groupParams is the shape every group-scoped method's params share: group
// id first, optional node name second.
type groupParams struct {
	GroupID  string
	NodeName string
}

func parseGroupParams(params []json.RawMessage) (groupParams, *RPCError) {
	if len(params) == 0 {
		return groupParams{}, NewRPCError(InvalidParams, "missing groupId parameter")
	}
	var gp groupParams
	if err := json.Unmarshal(params[0], &gp.GroupID); err != nil {
		return groupParams{}, NewRPCError(InvalidParams, "groupId must be a string")
	}
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &gp.NodeName)
	}
	return gp, nil
}

// Dispatcher owns the method table, resolves node services via the group
// manager, and answers handshake and group-management requests directly.
type Dispatcher struct {
	groups    *groupmgr.Manager
	forwarder Forwarder
	methods   map[string]MethodHandler
	log       *logrus.Entry

	// OnError, if set, is called with the JSON-RPC error code whenever
	// HandleRaw produces an error response, for the gateway's
	// JSONRPCErrors counter.
	OnError func(code int)
}

// NewDispatcher builds a dispatcher wired to groups for node selection and
// forwarder for executing group-scoped method bodies.
func NewDispatcher(groups *groupmgr.Manager, forwarder Forwarder) *Dispatcher {
	d := &Dispatcher{
		groups:    groups,
		forwarder: forwarder,
		methods:   make(map[string]MethodHandler),
		log:       logrus.WithField("component", "jsonrpc"),
	}
	for name := range groupScopedMethods {
		d.registerGroupScoped(name)
	}
	d.registerGroupManagement()
	return d
}

func (d *Dispatcher) registerGroupScoped(method string) {
	m := method
	d.methods[m] = func(params []json.RawMessage, reply Reply) {
		gp, rpcErr := parseGroupParams(params)
		if rpcErr != nil {
			reply(nil, rpcErr)
			return
		}
		bundle, ok := d.groups.NodeService(gp.GroupID, gp.NodeName)
		if !ok {
			reply(nil, NewRPCError(NodeNotExistOrNotStarted, "no live node service for group "+gp.GroupID))
			return
		}
		if d.forwarder == nil {
			reply(nil, NewRPCError(InternalError, "no forwarder configured"))
			return
		}
		result, rpcErr := d.forwarder.Forward(bundle, m, params)
		reply(result, rpcErr)
	}
}

// RegisterMethod installs or overrides a method handler. The group-scoped
// and group-management methods are registered by NewDispatcher itself;
// this is the extension seam for anything a gateway runtime wants to add
// on top (diagnostics, custom node-management verbs, ...).
func (d *Dispatcher) RegisterMethod(name string, handler MethodHandler) {
	d.methods[name] = handler
}

// createGroupParams is createGroup's params shape: groupId first, then the
// two opaque ini-style config blobs the group manager stores verbatim.
type createGroupParams struct {
	GroupID       string
	GenesisConfig string
	IniConfig     string
}

func parseCreateGroupParams(params []json.RawMessage) (createGroupParams, *RPCError) {
	if len(params) == 0 {
		return createGroupParams{}, NewRPCError(InvalidParams, "missing groupId parameter")
	}
	var cp createGroupParams
	if err := json.Unmarshal(params[0], &cp.GroupID); err != nil {
		return createGroupParams{}, NewRPCError(InvalidParams, "groupId must be a string")
	}
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &cp.GenesisConfig)
	}
	if len(params) > 2 {
		_ = json.Unmarshal(params[2], &cp.IniConfig)
	}
	return cp, nil
}

// addNodeParams is addNode's params shape: groupId, nodeName, nodeType
// ("classical" or "sm", defaulting to classical), iniConfig.
type addNodeParams struct {
	GroupID   string
	NodeName  string
	NodeType  string
	IniConfig string
}

func parseAddNodeParams(params []json.RawMessage) (addNodeParams, *RPCError) {
	if len(params) < 2 {
		return addNodeParams{}, NewRPCError(InvalidParams, "missing groupId/nodeName parameters")
	}
	var np addNodeParams
	if err := json.Unmarshal(params[0], &np.GroupID); err != nil {
		return addNodeParams{}, NewRPCError(InvalidParams, "groupId must be a string")
	}
	if err := json.Unmarshal(params[1], &np.NodeName); err != nil {
		return addNodeParams{}, NewRPCError(InvalidParams, "nodeName must be a string")
	}
	if len(params) > 2 {
		_ = json.Unmarshal(params[2], &np.NodeType)
	}
	if len(params) > 3 {
		_ = json.Unmarshal(params[3], &np.IniConfig)
	}
	return np, nil
}

// registerGroupManagement wires createGroup/addNode/removeNode directly
// against d.groups, per spec.md §4.8's "group-management RPCs" entry in
// the method table and the -32000..-32099 server error range it reserves
// for them.
func (d *Dispatcher) registerGroupManagement() {
	d.methods["createGroup"] = func(params []json.RawMessage, reply Reply) {
		cp, rpcErr := parseCreateGroupParams(params)
		if rpcErr != nil {
			reply(nil, rpcErr)
			return
		}
		ok := d.groups.CreateGroup(groupmgr.GroupInfo{
			GroupID: cp.GroupID, GenesisConfig: cp.GenesisConfig, IniConfig: cp.IniConfig,
		})
		if !ok {
			reply(nil, NewRPCError(GroupAlreadyExists, "group "+cp.GroupID+" already exists"))
			return
		}
		reply(map[string]string{"groupId": cp.GroupID}, nil)
	}

	d.methods["addNode"] = func(params []json.RawMessage, reply Reply) {
		np, rpcErr := parseAddNodeParams(params)
		if rpcErr != nil {
			reply(nil, rpcErr)
			return
		}
		if !d.groups.GroupExists(np.GroupID) {
			reply(nil, NewRPCError(OperationNotAllowed, "group "+np.GroupID+" does not exist"))
			return
		}
		nodeType := groupmgr.NodeTypeClassical
		if np.NodeType == "sm" {
			nodeType = groupmgr.NodeTypeSM
		}
		ok := d.groups.AddNode(np.GroupID, groupmgr.ChainNodeInfo{
			NodeName: np.NodeName, NodeType: nodeType, IniConfig: np.IniConfig,
		})
		if !ok {
			reply(nil, NewRPCError(NodeAlreadyExists, "node "+np.NodeName+" already exists in group "+np.GroupID))
			return
		}
		reply(map[string]string{"groupId": np.GroupID, "nodeName": np.NodeName}, nil)
	}

	d.methods["removeNode"] = func(params []json.RawMessage, reply Reply) {
		gp, rpcErr := parseGroupParams(params)
		if rpcErr != nil {
			reply(nil, rpcErr)
			return
		}
		if gp.NodeName == "" {
			reply(nil, NewRPCError(InvalidParams, "missing nodeName parameter"))
			return
		}
		if !d.groups.RemoveNode(gp.GroupID, gp.NodeName) {
			reply(nil, NewRPCError(NodeNotExistOrNotStarted, "node "+gp.NodeName+" not found in group "+gp.GroupID))
			return
		}
		reply(map[string]string{"groupId": gp.GroupID, "nodeName": gp.NodeName}, nil)
	}
}

// HandleRaw parses raw as a JSON-RPC request and serializes the response.
// It never returns an error: malformed input becomes an error response.
func (d *Dispatcher) HandleRaw(raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustMarshal(d.errored(errorResponse(0, NewRPCError(ParseError, "malformed JSON"))))
	}
	if req.JSONRPC == "" || req.Method == "" || req.Params == nil {
		return mustMarshal(d.errored(errorResponse(req.ID, NewRPCError(InvalidRequest, "missing jsonrpc/method/params"))))
	}

	handler, ok := d.methods[req.Method]
	if !ok {
		return mustMarshal(d.errored(errorResponse(req.ID, NewRPCError(MethodNotFound, "unknown method "+req.Method))))
	}

	result := make(chan Response, 1)
	handler(req.Params, func(res interface{}, rpcErr *RPCError) {
		if rpcErr != nil {
			result <- errorResponse(req.ID, rpcErr)
			return
		}
		result <- resultResponse(req.ID, res)
	})
	return mustMarshal(d.errored(<-result))
}

// errored fires OnError for an error response and returns resp unchanged,
// for chaining inline at every HandleRaw return site.
func (d *Dispatcher) errored(resp Response) Response {
	if resp.Error != nil && d.OnError != nil {
		d.OnError(resp.Error.Code)
	}
	return resp
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32603,"message":"internal marshal failure"}}`)
	}
	return b
}

// handshakeResponse is the body returned on a session's first frame.
type handshakeResponse struct {
	ProtocolVersion int                  `json:"protocolVersion"`
	GroupInfoList   []groupmgr.GroupInfo `json:"groupInfoList"`
}

const protocolVersion = 3

// HandleHandshake answers a Handshake frame with the current group info
// list. Per the resolved open question, it does not report a best-effort
// block number: callers query getBlockNumber explicitly once handshaken.
func (d *Dispatcher) HandleHandshake(s *session.Session, f frame.Frame) {
	body, err := json.Marshal(handshakeResponse{
		ProtocolVersion: protocolVersion,
		GroupInfoList:   d.groups.GroupInfos(),
	})
	if err != nil {
		d.log.WithError(err).Error("failed to marshal handshake response")
		return
	}
	resp := frame.Frame{Type: frame.TypeHandshake, Status: frame.StatusOK, SeqID: f.SeqID, Payload: body}
	if sendErr := s.Send(resp, session.SendOptions{}, nil); sendErr != nil {
		d.log.WithError(sendErr).Warn("failed to send handshake response")
	}
}

// HandleRpcRequest answers an RpcRequest frame by running the payload
// through HandleRaw and echoing the sequence id on the reply frame.
func (d *Dispatcher) HandleRpcRequest(s *session.Session, f frame.Frame) {
	respBody := d.HandleRaw(f.Payload)
	resp := frame.Frame{Type: frame.TypeRpcRequest, Status: frame.StatusOK, SeqID: f.SeqID, Payload: respBody}
	if err := s.Send(resp, session.SendOptions{}, nil); err != nil {
		d.log.WithError(err).Warn("failed to send RPC response")
	}
}

// Handlers returns the session type-handler table for the RPC-owned frame
// types, for wiring into session.New alongside the AMOP engine's handlers.
func (d *Dispatcher) Handlers() map[uint16]session.HandlerFunc {
	return map[uint16]session.HandlerFunc{
		frame.TypeHandshake:  d.HandleHandshake,
		frame.TypeRpcRequest: d.HandleRpcRequest,
	}
}

// blockNotifyBody is the payload of a server-initiated BlockNotify push.
type blockNotifyBody struct {
	Group       string `json:"group"`
	NodeName    string `json:"nodeName"`
	BlockNumber int64  `json:"blockNumber"`
}

// PushBlockNotify broadcasts a BlockNotify frame to every connected
// session, emitted on every updateGroupBlockInfo per spec.md §4.8.
func PushBlockNotify(reg *session.Registry, group, nodeName string, blockNumber uint64) {
	body, err := json.Marshal(blockNotifyBody{Group: group, NodeName: nodeName, BlockNumber: int64(blockNumber)})
	if err != nil {
		return
	}
	f := frame.Frame{Type: frame.TypeBlockNotify, Status: frame.StatusOK, SeqID: frame.NewSeqID(), Payload: body}
	for _, s := range reg.Sessions() {
		_ = s.Send(f, session.SendOptions{}, nil)
	}
}

// PushGroupNotify broadcasts the full group info to every connected
// session, emitted on upsertGroupInfo and on liveness-sweep removal.
func PushGroupNotify(reg *session.Registry, g groupmgr.GroupInfo) {
	body, err := json.Marshal(g)
	if err != nil {
		return
	}
	f := frame.Frame{Type: frame.TypeGroupNotify, Status: frame.StatusOK, SeqID: frame.NewSeqID(), Payload: body}
	for _, s := range reg.Sessions() {
		_ = s.Send(f, session.SendOptions{}, nil)
	}
}

// eventLogPushBody is the payload of an EventLogPush frame.
type eventLogPushBody struct {
	ID     string      `json:"id"`
	Status int         `json:"status"`
	Result interface{} `json:"result"`
}

// PushEventLog sends one event-subscription push to a single session. A
// final push carries status=PushCompleted and an empty result.
func PushEventLog(s *session.Session, taskID string, status int, result interface{}) error {
	if result == nil {
		result = []interface{}{}
	}
	body, err := json.Marshal(eventLogPushBody{ID: taskID, Status: status, Result: result})
	if err != nil {
		return err
	}
	f := frame.Frame{Type: frame.TypeEventLogPush, Status: frame.StatusOK, SeqID: frame.NewSeqID(), Payload: body}
	return s.Send(f, session.SendOptions{}, nil)
}
