package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codex-core/session-engine/internal/protocol"
)

// ChannelCapacity bounds the writer mailbox and the processor mailbox:
// 128 messages is plenty for an interactive session, matching the
// upstream app-server transport's balance of throughput vs memory.
const ChannelCapacity = 128

// OutgoingMessage is a single frame destined for one connection's
// writer task.
type OutgoingMessage struct {
	Message protocol.JSONRPCMessage
}

// Event is the tagged union the acceptor tasks push into the processor
// mailbox.
type Event struct {
	Kind         EventKind
	ConnectionID protocol.ConnectionId
	Writer       chan<- OutgoingMessage
	Message      protocol.JSONRPCMessage
}

type EventKind int

const (
	EventConnectionOpened EventKind = iota
	EventConnectionClosed
	EventIncomingMessage
)

// ToConnection addresses a single connection; Broadcast fans out to
// every initialized connection. These are the two envelope kinds the
// processor may route (spec §4.1).
type Envelope struct {
	Broadcast    bool
	ConnectionID protocol.ConnectionId
	Message      protocol.JSONRPCMessage
}

// ConnectionSessionState tracks whether a connection has completed the
// session-configured handshake; only initialized connections receive
// broadcasts.
type ConnectionSessionState struct {
	Initialized bool
}

type connectionState struct {
	writer  chan<- OutgoingMessage
	session ConnectionSessionState
}

// Multiplexer owns the connection table and routes outgoing envelopes.
// A mutex guards the table, so Route and MarkInitialized may be called
// from any goroutine.
type Multiplexer struct {
	mu          sync.Mutex
	connections map[protocol.ConnectionId]*connectionState
	Events      chan Event
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		connections: make(map[protocol.ConnectionId]*connectionState),
		Events:      make(chan Event, ChannelCapacity),
	}
}

// handleEvent folds a transport Event into the connection table.
// pushOpened and pushClosed call it for the events they publish.
func (m *Multiplexer) handleEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case EventConnectionOpened:
		m.connections[ev.ConnectionID] = &connectionState{writer: ev.Writer}
	case EventConnectionClosed:
		delete(m.connections, ev.ConnectionID)
	}
}

// MarkInitialized flips a connection's session.initialized flag so it
// becomes eligible for broadcasts.
func (m *Multiplexer) MarkInitialized(id protocol.ConnectionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.session.Initialized = true
	}
}

// Route delivers an outgoing envelope: ToConnection sends on one
// mailbox; Broadcast snapshots initialized connections and sends to
// each. Each send waits until the mailbox has room or ctx is done;
// connections are not evicted here, only when their acceptor task
// reports them closed.
func (m *Multiplexer) Route(ctx context.Context, env Envelope) {
	m.mu.Lock()
	var targets []protocol.ConnectionId
	if env.Broadcast {
		for id, c := range m.connections {
			if c.session.Initialized {
				targets = append(targets, id)
			}
		}
	} else if _, ok := m.connections[env.ConnectionID]; ok {
		targets = []protocol.ConnectionId{env.ConnectionID}
	} else {
		m.mu.Unlock()
		log.Printf("[transport] dropping message for disconnected connection %d", env.ConnectionID)
		return
	}
	m.mu.Unlock()

	for _, id := range targets {
		m.mu.Lock()
		c, ok := m.connections[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case c.writer <- OutgoingMessage{Message: env.Message}:
		case <-ctx.Done():
			return
		}
	}
}

// pushOpened emits a ConnectionOpened event and returns the bounded
// writer channel the caller should drain.
func (m *Multiplexer) pushOpened(ctx context.Context, id protocol.ConnectionId) chan OutgoingMessage {
	writer := make(chan OutgoingMessage, ChannelCapacity)
	ev := Event{Kind: EventConnectionOpened, ConnectionID: id, Writer: writer}
	select {
	case m.Events <- ev:
	case <-ctx.Done():
	}
	m.handleEvent(ev)
	return writer
}

func (m *Multiplexer) pushClosed(ctx context.Context, id protocol.ConnectionId) {
	ev := Event{Kind: EventConnectionClosed, ConnectionID: id}
	select {
	case m.Events <- ev:
	case <-ctx.Done():
	}
	m.handleEvent(ev)
}

func (m *Multiplexer) pushIncoming(ctx context.Context, id protocol.ConnectionId, msg protocol.JSONRPCMessage) bool {
	select {
	case m.Events <- Event{Kind: EventIncomingMessage, ConnectionID: id, Message: msg}:
		return true
	case <-ctx.Done():
		return false
	}
}

// StartStdio synthesizes connection 0 over the process's stdin/stdout.
// The reader parses LF-terminated JSON-RPC lines; malformed lines are
// logged and skipped, the connection stays open (spec §4.1).
func (m *Multiplexer) StartStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) {
	writer := m.pushOpened(ctx, protocol.StdioConnectionId)

	go func() {
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg protocol.JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				log.Printf("[transport] malformed stdio frame: %v", err)
				continue
			}
			if !m.pushIncoming(ctx, protocol.StdioConnectionId, msg) {
				break
			}
		}
		m.pushClosed(ctx, protocol.StdioConnectionId)
	}()

	go func() {
		w := bufio.NewWriter(stdout)
		for {
			select {
			case out, ok := <-writer:
				if !ok {
					return
				}
				data, err := json.Marshal(out.Message)
				if err != nil {
					log.Printf("[transport] failed to serialize outgoing message: %v", err)
					continue
				}
				data = append(data, '\n')
				if _, err := w.Write(data); err != nil {
					log.Printf("[transport] failed to write stdout: %v", err)
					return
				}
				if err := w.Flush(); err != nil {
					log.Printf("[transport] failed to flush stdout: %v", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StartWebSocket binds a TCP listener at bindAddress and accepts
// WebSocket connections, each assigned a monotonically increasing id
// starting at 1 (spec §4.1).
func (m *Multiplexer) StartWebSocket(ctx context.Context, bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", bindAddress, err)
	}
	log.Printf("[transport] websocket listening on ws://%s", listener.Addr())

	var nextID uint64
	var idMu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[transport] websocket upgrade error: %v", err)
			return
		}
		idMu.Lock()
		nextID++
		id := protocol.ConnectionId(nextID)
		idMu.Unlock()
		m.runWebSocketConnection(ctx, id, wsConn)
	})
	server := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[transport] websocket server error: %v", err)
		}
	}()
	return nil
}

func (m *Multiplexer) runWebSocketConnection(ctx context.Context, id protocol.ConnectionId, wsConn *websocket.Conn) {
	writer := m.pushOpened(ctx, id)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			msgType, data, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.TextMessage:
				var msg protocol.JSONRPCMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					log.Printf("[transport] failed to deserialize JSONRPCMessage: %v", err)
					continue
				}
				if !m.pushIncoming(ctx, id, msg) {
					return
				}
			case websocket.BinaryMessage:
				log.Printf("[transport] dropping unsupported binary websocket message")
			case websocket.CloseMessage:
				return
			}
		}
	}()

	for {
		select {
		case out, ok := <-writer:
			if !ok {
				wsConn.Close()
				<-done
				m.pushClosed(ctx, id)
				return
			}
			data, err := json.Marshal(out.Message)
			if err != nil {
				log.Printf("[transport] failed to serialize outgoing message: %v", err)
				continue
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
				wsConn.Close()
				<-done
				m.pushClosed(ctx, id)
				return
			}
		case <-done:
			wsConn.Close()
			m.pushClosed(ctx, id)
			return
		case <-ctx.Done():
			wsConn.Close()
			<-done
			m.pushClosed(ctx, id)
			return
		}
	}
}
