package signal

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/realtime-bridge/shared"
)

// Handler consumes one inbound message from one client.
type Handler func(clientID string, msg *Message)

// Channel is the signaling hub. It upgrades HTTP connections to WebSocket,
// assigns each connection a client id, routes inbound messages to the
// subscriber registered for their type and writes outbound messages back.
//
// The client table is shared across sessions and guarded by mu; everything
// else is wired before Serve and read-only afterwards.
type Channel struct {
	logger   shared.LoggerAdapter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*clientConn

	handlers     map[MessageType]Handler
	onConnect    func(clientID string)
	onDisconnect func(clientID string)
}

type clientConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewChannel(logger shared.LoggerAdapter) (*Channel, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Channel{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The device dials by LAN address, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*clientConn),
		handlers: make(map[MessageType]Handler),
	}, nil
}

// Subscribe registers the handler for a message type. It must be called
// before the channel starts serving; later calls race with dispatch.
func (c *Channel) Subscribe(t MessageType, h Handler) error {
	if h == nil {
		return shared.ErrNoEventHandler
	}
	if _, ok := c.handlers[t]; ok {
		return shared.ErrHandlerAlreadySet
	}
	c.handlers[t] = h
	return nil
}

// OnConnect registers the callback invoked after a client id is assigned
// and the welcome message went out.
func (c *Channel) OnConnect(fn func(clientID string)) {
	c.onConnect = fn
}

// OnDisconnect registers the callback invoked after a client left the
// routing table, so dependent sessions can be torn down.
func (c *Channel) OnDisconnect(fn func(clientID string)) {
	c.onDisconnect = fn
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the socket closes.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("upgrading signaling connection", err)
		return
	}
	client := &clientConn{
		id:   uuid.NewString(),
		conn: conn,
	}
	c.mu.Lock()
	c.clients[client.id] = client
	c.mu.Unlock()
	c.logger.Info("client connected", zap.String("clientId", client.id))

	if !c.Send(client.id, NewWelcome(client.id)) {
		c.logger.Warn("sending welcome failed", zap.String("clientId", client.id))
	}
	if c.onConnect != nil {
		c.onConnect(client.id)
	}
	c.readLoop(client)
}

func (c *Channel) readLoop(client *clientConn) {
	defer c.drop(client.id)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("signaling read failed",
					zap.String("clientId", client.id),
					zap.Error(err),
				)
			}
			return
		}
		c.dispatch(client.id, data)
	}
}

func (c *Channel) dispatch(clientID string, data []byte) {
	msg, err := Parse(data)
	if err != nil {
		// Malformed input never takes the channel down; the sender gets
		// exactly one error reply.
		c.logger.Warn("malformed signaling message",
			zap.String("clientId", clientID),
			zap.Int("size", len(data)),
			zap.Error(err),
		)
		c.Send(clientID, NewError("malformed message: "+err.Error()))
		return
	}
	c.logger.Debug("signaling message received",
		zap.String("clientId", clientID),
		zap.String("type", string(msg.Type)),
		zap.Int("size", len(data)),
	)
	handler, ok := c.handlers[msg.Type]
	if !ok {
		c.logger.Warn("no subscriber for signaling message",
			zap.String("clientId", clientID),
			zap.String("type", string(msg.Type)),
		)
		c.Send(clientID, NewError("unsupported message type: "+string(msg.Type)))
		return
	}
	handler(clientID, msg)
}

// Send writes one message to one client. It reports false when the client
// is gone or the socket write fails.
func (c *Channel) Send(clientID string, msg *Message) bool {
	c.mu.Lock()
	client, ok := c.clients[clientID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("encoding signaling message", err, zap.String("type", string(msg.Type)))
		return false
	}
	client.writeMu.Lock()
	err = client.conn.WriteMessage(websocket.TextMessage, data)
	client.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("signaling write failed",
			zap.String("clientId", clientID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return false
	}
	c.logger.Debug("signaling message sent",
		zap.String("clientId", clientID),
		zap.String("type", string(msg.Type)),
		zap.Int("size", len(data)),
	)
	return true
}

// Broadcast sends msg to every connected client except excludeID (pass ""
// to address everyone).
func (c *Channel) Broadcast(msg *Message, excludeID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Send(id, msg)
	}
}

// Disconnect closes a client's socket and removes it from the routing table.
func (c *Channel) Disconnect(clientID string) {
	c.mu.Lock()
	client, ok := c.clients[clientID]
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = client.conn.Close()
}

// Connected reports whether the client is currently routed.
func (c *Channel) Connected(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[clientID]
	return ok
}

// Close disconnects every client.
func (c *Channel) Close() {
	c.mu.Lock()
	clients := make([]*clientConn, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()
	for _, cl := range clients {
		_ = cl.conn.Close()
	}
}

func (c *Channel) drop(clientID string) {
	c.mu.Lock()
	client, ok := c.clients[clientID]
	delete(c.clients, clientID)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = client.conn.Close()
	c.logger.Info("client disconnected", zap.String("clientId", clientID))
	if c.onDisconnect != nil {
		c.onDisconnect(clientID)
	}
}
