package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	uatomic "go.uber.org/atomic"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/command"
	"github.com/swarmfleet/swarmd/pkg/ident"
)

// commandQueueDepth bounds the per-connection command queue. Commands run
// strictly in submission order, one at a time per connection.
const commandQueueDepth = 16

// CommandRunner executes one console command line. Implemented by
// command.Executor.
type CommandRunner interface {
	Execute(ctx context.Context, line string) (*command.Result, error)
}

// ConnectionManager owns the WebSocket side of the console gateway:
// connection registration, per-connection read loops, authentication, and
// fan-out of bus events to subscribed clients.
type ConnectionManager struct {
	runner         CommandRunner
	clock          ident.Clock
	authToken      string
	maxConnections int
	writeTimeout   time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection is a single console client.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	conn          *websocket.Conn
	authenticated uatomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc

	// subscriptions is read by the broadcast pump while the read loop
	// mutates it, so it carries its own lock. wantAll means a subscribe
	// frame with no topic list was received.
	subMu         sync.RWMutex
	subscriptions map[string]bool
	wantAll       bool

	cmdCh chan clientFrame
}

// NewConnectionManager creates a manager. An empty authToken disables
// authentication: every connection starts authenticated.
func NewConnectionManager(runner CommandRunner, clock ident.Clock, authToken string, maxConnections int, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		runner:         runner,
		clock:          clock,
		authToken:      authToken,
		maxConnections: maxConnections,
		writeTimeout:   writeTimeout,
		logger:         slog.With("component", "gateway"),
		connections:    make(map[string]*Connection),
	}
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes. A connection over the global cap is
// greeted and then closed with a policy-violation code.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            ident.NewID(),
		ConnectedAt:   m.clock.Now(),
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
		cmdCh:         make(chan clientFrame, commandQueueDepth),
	}
	c.authenticated.Store(m.authToken == "")

	admitted := m.register(c)
	m.sendWelcome(c)
	if !admitted {
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "connection limit reached")
		return
	}
	defer m.unregister(c)

	// Command worker: one outstanding command per connection, in order.
	// The read loop is the only sender, so it closes cmdCh on exit.
	var workerDone sync.WaitGroup
	workerDone.Add(1)
	go func() {
		defer workerDone.Done()
		for frame := range c.cmdCh {
			m.runCommand(c, frame)
		}
	}()
	defer workerDone.Wait()
	defer close(c.cmdCh)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			m.sendFrame(c, serverFrame{Type: frameError, Message: "malformed frame"})
			continue
		}
		m.handleFrame(c, frame)
	}
}

func (m *ConnectionManager) handleFrame(c *Connection, frame clientFrame) {
	switch frame.Type {
	case "authenticate":
		if m.authOK(frame.Token) {
			c.authenticated.Store(true)
			m.sendFrame(c, serverFrame{Type: frameAuthSuccess, ID: frame.ID})
		} else {
			m.logger.Warn("Authentication failed", "connection_id", c.ID)
			m.sendFrame(c, serverFrame{Type: frameAuthFailed, ID: frame.ID, Message: "invalid token"})
		}

	case "ping":
		now := m.clock.Now()
		m.sendFrame(c, serverFrame{Type: framePong, ID: frame.ID, Timestamp: &now})

	case "subscribe":
		c.subMu.Lock()
		if len(frame.Events) == 0 {
			c.wantAll = true
		}
		for _, topic := range frame.Events {
			c.subscriptions[topic] = true
		}
		c.subMu.Unlock()
		m.sendFrame(c, serverFrame{Type: frameSubscribed, ID: frame.ID})

	case "execute_command":
		if !c.authenticated.Load() {
			m.sendFrame(c, serverFrame{
				Type: frameCommandError, ID: frame.ID,
				Code: "UNAUTHORIZED", Message: "authenticate first",
			})
			return
		}
		select {
		case c.cmdCh <- frame:
		default:
			m.sendFrame(c, serverFrame{
				Type: frameCommandError, ID: frame.ID,
				Code: command.CodeUnavailable, Message: "command queue full",
			})
		}

	default:
		m.sendFrame(c, serverFrame{Type: frameError, ID: frame.ID, Message: "unknown frame type"})
	}
}

// runCommand executes one queued command on the connection's context, so a
// disconnect cancels whatever is in flight.
func (m *ConnectionManager) runCommand(c *Connection, frame clientFrame) {
	res, err := m.runner.Execute(c.ctx, frame.Command)
	if err != nil {
		ce := command.AsError(err)
		m.sendFrame(c, serverFrame{
			Type: frameCommandError, ID: frame.ID,
			Code: ce.Code, Message: ce.Message,
		})
		return
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		m.sendFrame(c, serverFrame{
			Type: frameCommandError, ID: frame.ID,
			Code: command.CodeInternal, Message: "unencodable result",
		})
		return
	}
	m.sendFrame(c, serverFrame{
		Type: frameCommandResult, ID: frame.ID,
		Command: res.Command, Data: data,
	})
}

// authOK accepts the static token verbatim, or an HS256 JWT signed with it.
func (m *ConnectionManager) authOK(token string) bool {
	if m.authToken == "" {
		return true
	}
	if token == m.authToken {
		return true
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte(m.authToken), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

// Pump fans bus events out to authenticated, subscribed connections.
// Blocks until the subscription channel closes.
func (m *ConnectionManager) Pump(sub *bus.Subscription) {
	for evt := range sub.Events() {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			m.logger.Warn("Dropping unencodable event", "topic", evt.Topic, "error", err)
			continue
		}
		ts := evt.Timestamp
		m.Broadcast(string(evt.Topic), serverFrame{
			Type: frameEvent, Topic: string(evt.Topic), Timestamp: &ts, Data: payload,
		})
	}
}

// Broadcast sends a frame to every authenticated connection subscribed to
// topic. Connection pointers are snapshotted first so slow writes do not
// hold the registry lock.
func (m *ConnectionManager) Broadcast(topic string, frame serverFrame) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if !c.authenticated.Load() || !c.subscribedTo(topic) {
			continue
		}
		m.sendFrame(c, frame)
	}
}

func (c *Connection) subscribedTo(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.wantAll || c.subscriptions[topic]
}

// ActiveConnections returns the count of registered connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// ConnectionInfo is the /connections view of one client.
type ConnectionInfo struct {
	ID            string    `json:"connection_id"`
	Authenticated bool      `json:"authenticated"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Connections lists the registered clients.
func (m *ConnectionManager) Connections() []ConnectionInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.subMu.RLock()
		subs := make([]string, 0, len(c.subscriptions))
		for topic := range c.subscriptions {
			subs = append(subs, topic)
		}
		c.subMu.RUnlock()
		out = append(out, ConnectionInfo{
			ID:            c.ID,
			Authenticated: c.authenticated.Load(),
			Subscriptions: subs,
			ConnectedAt:   c.ConnectedAt,
		})
	}
	return out
}

// CloseAll cancels every connection, aborting in-flight commands.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// register admits the connection unless the global cap is reached.
func (m *ConnectionManager) register(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxConnections > 0 && len(m.connections) >= m.maxConnections {
		return false
	}
	m.connections[c.ID] = c
	return true
}

func (m *ConnectionManager) unregister(c *Connection) {
	c.cancel()
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
}

func (m *ConnectionManager) sendWelcome(c *Connection) {
	now := m.clock.Now()
	authed := c.authenticated.Load()
	m.sendFrame(c, serverFrame{
		Type:          frameWelcome,
		ConnectionID:  c.ID,
		ServerTime:    &now,
		Authenticated: &authed,
	})
}

func (m *ConnectionManager) sendFrame(c *Connection, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("Failed to encode frame", "frame_type", frame.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn("Failed to send to WebSocket client",
			"connection_id", c.ID, "error", err)
	}
}
