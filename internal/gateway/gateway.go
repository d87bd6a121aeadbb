// Package gateway implements NodeGateway: one bidirectional session
// per connected node, carrying framed JSON messages over a persistent
// full-duplex channel (SPEC_FULL.md §4.6). Transport is
// github.com/gorilla/websocket rather than the teacher's gRPC, since
// no .proto/generated package was available to ground a gRPC
// transport on (see DESIGN.md's Transport decision).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devicefleet/internal/errs"
	"devicefleet/internal/events"
	"devicefleet/internal/log"
	"devicefleet/internal/statemanager"
)

// MessageType identifies one frame's payload shape.
type MessageType string

const (
	// Commands, server → node.
	CmdExecuteWorkflow MessageType = "EXECUTE_WORKFLOW"
	CmdCancelWorkflow  MessageType = "CANCEL_WORKFLOW"
	CmdPing            MessageType = "PING"

	// Events, node → server.
	EvtRegister         MessageType = "REGISTER"
	EvtDeviceStatus     MessageType = "DEVICE_STATUS"
	EvtWorkflowProgress MessageType = "WORKFLOW_PROGRESS"
	EvtWorkflowComplete MessageType = "WORKFLOW_COMPLETE"
	EvtWorkflowError    MessageType = "WORKFLOW_ERROR"
	EvtPong             MessageType = "PONG"

	// Ack, node → server, correlated by ID to a prior command. Carries
	// the {received, cancelled?, error?} shape spec.md §6 names.
	MsgAck MessageType = "ACK"
)

const (
	pingInterval  = 10 * time.Second
	pongTimeout   = 30 * time.Second
	defaultAckWin = 5 * time.Second
)

// Envelope is one JSON frame exchanged over a session.
type Envelope struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Ack is the payload of a MsgAck frame.
type Ack struct {
	Received  bool   `json:"received"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventHandler is invoked for every inbound node event (everything
// except PONG/ACK, which the gateway consumes itself).
type EventHandler func(nodeID string, env Envelope)

// Session is one node's live websocket connection.
type Session struct {
	nodeID string
	conn   *websocket.Conn
	send   chan Envelope

	mu      sync.Mutex
	pending map[string]chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(nodeID string, conn *websocket.Conn) *Session {
	return &Session{
		nodeID:  nodeID,
		conn:    conn,
		send:    make(chan Envelope, 32),
		pending: make(map[string]chan Envelope),
		closed:  make(chan struct{}),
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.mu.Lock()
		for _, ch := range s.pending {
			close(ch)
		}
		s.pending = nil
		s.mu.Unlock()
	})
}

// Gateway is the server-side NodeGateway: it accepts websocket
// upgrades, maintains node_id → Session with last-writer-wins
// replacement, and dispatches inbound events to a registered handler.
type Gateway struct {
	upgrader websocket.Upgrader
	bus      *events.Broker
	states   *statemanager.StateManager

	mu       sync.RWMutex
	sessions map[string]*Session

	handlerMu sync.RWMutex
	handler   EventHandler
}

// New builds a Gateway. states is used to mark a node offline on
// disconnect.
func New(bus *events.Broker, states *statemanager.StateManager) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bus:      bus,
		states:   states,
		sessions: make(map[string]*Session),
	}
}

// OnEvent registers the callback invoked for every inbound node event.
func (g *Gateway) OnEvent(h EventHandler) {
	g.handlerMu.Lock()
	g.handler = h
	g.handlerMu.Unlock()
}

// ServeHTTP upgrades the connection and runs the session until it
// registers, then blocks serving it until disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("gateway: upgrade failed", err)
		return
	}

	nodeID, firstEnv, err := g.awaitRegister(conn)
	if err != nil {
		log.Errorf("gateway: register handshake failed", err)
		_ = conn.Close()
		return
	}

	sess := newSession(nodeID, conn)
	g.mu.Lock()
	if prior, ok := g.sessions[nodeID]; ok {
		prior.close()
	}
	g.sessions[nodeID] = sess
	g.mu.Unlock()

	g.dispatch(nodeID, firstEnv)

	go g.writeLoop(sess)
	g.readLoop(sess)

	g.mu.Lock()
	if g.sessions[nodeID] == sess {
		delete(g.sessions, nodeID)
	}
	g.mu.Unlock()

	log.WithNodeID(nodeID).Warn().Msg("node session closed")
	g.bus.Publish(events.NodeDisconnected, map[string]any{"node_id": nodeID})
	if g.states != nil {
		if err := g.states.DisconnectNode(context.Background(), nodeID); err != nil {
			log.Errorf("gateway: disconnect_node failed", err)
		}
	}
}

// awaitRegister blocks for the session's first frame, which must be
// REGISTER, per spec.md §4.6's invariant "a socket is tagged with its
// node-id only after REGISTER succeeds".
func (g *Gateway) awaitRegister(conn *websocket.Conn) (string, Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", env, fmt.Errorf("read register frame: %w", err)
	}
	if env.Type != EvtRegister {
		return "", env, fmt.Errorf("expected REGISTER, got %s", env.Type)
	}
	var payload struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.NodeID == "" {
		return "", env, fmt.Errorf("register frame missing node_id")
	}
	return payload.NodeID, env, nil
}

func (g *Gateway) readLoop(sess *Session) {
	defer sess.close()
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		var env Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case EvtPong:
			continue
		case MsgAck:
			sess.mu.Lock()
			ch, ok := sess.pending[env.ID]
			if ok {
				delete(sess.pending, env.ID)
			}
			sess.mu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
		default:
			g.dispatch(sess.nodeID, env)
		}
	}
}

func (g *Gateway) writeLoop(sess *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.closed:
			return
		case env := <-sess.send:
			if err := sess.conn.WriteJSON(env); err != nil {
				sess.close()
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteJSON(Envelope{Type: CmdPing}); err != nil {
				sess.close()
				return
			}
		}
	}
}

func (g *Gateway) dispatch(nodeID string, env Envelope) {
	g.handlerMu.RLock()
	h := g.handler
	g.handlerMu.RUnlock()
	if h != nil {
		h(nodeID, env)
	}
}

// IsConnected reports whether a node currently has a live session.
func (g *Gateway) IsConnected(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sessions[nodeID]
	return ok
}

// SendCommand sends a fire-and-forget command frame to a node.
func (g *Gateway) SendCommand(ctx context.Context, nodeID string, msgType MessageType, data any) error {
	sess, ok := g.session(nodeID)
	if !ok {
		return errs.ErrNodeNotConnected
	}
	env, err := buildEnvelope(msgType, uuid.NewString(), data)
	if err != nil {
		return err
	}
	return sendTo(ctx, sess, env)
}

// SendCommandAck sends a command and blocks for its correlated ACK
// frame, or returns ErrAckTimeout after window elapses.
func (g *Gateway) SendCommandAck(ctx context.Context, nodeID string, msgType MessageType, data any, window time.Duration) (Ack, error) {
	if window <= 0 {
		window = defaultAckWin
	}
	sess, ok := g.session(nodeID)
	if !ok {
		return Ack{}, errs.ErrNodeNotConnected
	}

	id := uuid.NewString()
	env, err := buildEnvelope(msgType, id, data)
	if err != nil {
		return Ack{}, err
	}

	ch := make(chan Envelope, 1)
	sess.mu.Lock()
	sess.pending[id] = ch
	sess.mu.Unlock()

	if err := sendTo(ctx, sess, env); err != nil {
		sess.mu.Lock()
		delete(sess.pending, id)
		sess.mu.Unlock()
		return Ack{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Ack{}, errs.ErrSocketDisconnected
		}
		var ack Ack
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			return Ack{}, fmt.Errorf("unmarshal ack: %w", err)
		}
		return ack, nil
	case <-time.After(window):
		sess.mu.Lock()
		delete(sess.pending, id)
		sess.mu.Unlock()
		return Ack{}, errs.ErrAckTimeout
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (g *Gateway) session(nodeID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[nodeID]
	return sess, ok
}

func buildEnvelope(msgType MessageType, id string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, ID: id, Data: raw}, nil
}

func sendTo(ctx context.Context, sess *Session, env Envelope) error {
	select {
	case sess.send <- env:
		return nil
	case <-sess.closed:
		return errs.ErrSocketDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}
