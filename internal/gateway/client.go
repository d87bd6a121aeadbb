package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devicefleet/internal/log"
)

// CommandHandler is invoked for every inbound server command (PING is
// handled internally and never reaches it).
type CommandHandler func(env Envelope)

// Client is the node/agent-side half of a NodeGateway session: it
// dials the server, completes the REGISTER handshake, and exchanges
// framed JSON messages over the resulting full-duplex connection.
type Client struct {
	conn *websocket.Conn
	send chan Envelope

	handlerMu sync.RWMutex
	handler   CommandHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a NodeGateway server and performs the REGISTER
// handshake.
func Dial(ctx context.Context, rawURL, nodeID string, registerExtra map[string]any) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	payload := map[string]any{"node_id": nodeID}
	for k, v := range registerExtra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal register payload: %w", err)
	}
	if err := conn.WriteJSON(Envelope{Type: EvtRegister, Data: data}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	c := &Client{
		conn:   conn,
		send:   make(chan Envelope, 32),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// OnCommand registers the callback invoked for every inbound server
// command other than PING.
func (c *Client) OnCommand(h CommandHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// SendEvent sends a node → server event frame (e.g. DEVICE_STATUS,
// WORKFLOW_PROGRESS).
func (c *Client) SendEvent(msgType MessageType, data any) error {
	env, err := buildEnvelope(msgType, "", data)
	if err != nil {
		return err
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("gateway client closed")
	}
}

// SendAck replies to a correlated command with an ACK frame.
func (c *Client) SendAck(id string, ack Ack) error {
	env, err := buildEnvelope(MsgAck, id, ack)
	if err != nil {
		return err
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("gateway client closed")
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if env.Type == CmdPing {
			if err := c.SendEvent(EvtPong, struct{}{}); err != nil {
				log.Errorf("gateway client: pong send failed", err)
			}
			continue
		}

		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		if h != nil {
			h(env)
		}
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
