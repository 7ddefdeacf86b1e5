package relay

import (
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle of a live connection. A connection only moves
// forward: connecting, connected, disconnected.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Peer is one live output channel. Send must not block; it reports whether
// the message was queued.
type Peer interface {
	ID() string
	Send(msg Message) bool
}

// Sink receives every fan-out message, for pull-based clients.
type Sink interface {
	Append(typ string, data any)
}

type client struct {
	peer    Peer
	kind    string
	project string
}

// Hub is the registry of live connections and the fan-out primitive.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	sink    Sink
	log     *zap.Logger
}

// NewHub creates an empty hub. sink may be nil.
func NewHub(sink Sink, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*client),
		sink:    sink,
		log:     log.Named("hub"),
	}
}

// Attach registers p and queues initial messages to it before any
// concurrent broadcast can reach it.
func (h *Hub) Attach(p Peer, initial ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[p.ID()] = &client{peer: p}
	for _, msg := range initial {
		p.Send(msg)
	}
}

// Detach forgets a connection. It reports whether the id was attached.
func (h *Hub) Detach(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return false
	}
	delete(h.clients, id)
	return true
}

// State reports the lifecycle state of id as seen by the hub.
func (h *Hub) State(id string) State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[id]; ok {
		return StateConnected
	}
	return StateDisconnected
}

// Broadcast sends msg to every connection and appends it to the sink.
func (h *Hub) Broadcast(msg Message) int {
	return h.BroadcastExcept("", msg)
}

// BroadcastExcept sends msg to every connection but senderID and appends it
// to the sink. It returns the number of connections that queued it.
func (h *Hub) BroadcastExcept(senderID string, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, c := range h.clients {
		if id == senderID {
			continue
		}
		if c.peer.Send(msg) {
			delivered++
		}
	}
	if h.sink != nil {
		h.sink.Append(msg.Event, msg.Data)
	}
	h.log.Debug("broadcast",
		zap.String("event", msg.Event),
		zap.String("except", senderID),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// SendTo sends msg to a single connection. Direct replies are not buffered.
func (h *Hub) SendTo(id string, msg Message) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.peer.Send(msg)
}

// SetKind records the client type announced by a register event.
func (h *Hub) SetKind(id, kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.kind = kind
	}
}

// Kind returns the client type announced by id.
func (h *Hub) Kind(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[id]; ok {
		return c.kind
	}
	return ""
}

// SelectProject records the project a connection last selected.
func (h *Hub) SelectProject(id, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.project = path
	}
}

// SelectedProject returns the project a connection last selected.
func (h *Hub) SelectedProject(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[id]; ok {
		return c.project
	}
	return ""
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// peers returns a snapshot of attached peers.
func (h *Hub) peers() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Peer, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.peer)
	}
	return out
}
