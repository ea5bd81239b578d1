package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is a connection lifecycle phase.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Disconnected is terminal.
var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateActive, StateDisconnected},
	StateActive:        {StateDisconnected},
}

var (
	errIllegalTransition = errors.New("illegal connection state transition")
	errNotWritable       = errors.New("connection not writable")
	errSendBufferFull    = errors.New("send buffer full")
)

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type connection struct {
	id        string
	userID    uuid.UUID
	createdAt time.Time
	ws        *websocket.Conn

	mu    sync.Mutex
	state State
	send  chan []byte
}

func newConnection(ws *websocket.Conn, userID uuid.UUID, buffer int, now time.Time) *connection {
	return &connection{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: now,
		ws:        ws,
		state:     StateConnecting,
		send:      make(chan []byte, buffer),
	}
}

func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the connection to the next state. Entering Disconnected
// closes the send buffer so no further pushes are accepted.
func (c *connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, c.state, to)
	}
	c.state = to
	if to == StateDisconnected {
		close(c.send)
	}
	return nil
}

// push enqueues a server-initiated event; only Active connections accept them.
func (c *connection) push(payload []byte) error {
	return c.enqueue(payload, StateActive)
}

// reply enqueues a direct response, which is also allowed during the handshake.
func (c *connection) reply(payload []byte) error {
	return c.enqueue(payload, StateAuthenticated, StateActive)
}

func (c *connection) enqueue(payload []byte, allowed ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writable := false
	for _, s := range allowed {
		if c.state == s {
			writable = true
			break
		}
	}
	if !writable {
		return errNotWritable
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}
