package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is the bookkeeping kept for one polling client.
type Client struct {
	ID          string    `json:"clientId"`
	ProjectPath string    `json:"projectPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Registry tracks polling clients. Entries are never expired; they only
// serve status reporting and the per-client project hint.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Register creates a client with a generated id.
func (r *Registry) Register(projectPath string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := &Client{
		ID:          uuid.New().String(),
		ProjectPath: projectPath,
		CreatedAt:   now,
		LastSeen:    now,
	}
	r.clients[c.ID] = c
	return *c
}

// Touch updates a client's last-seen time, adopting ids the registry has
// not issued (clients that kept their id across a relay restart).
func (r *Registry) Touch(id string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.clients[id]
	if !ok {
		c = &Client{ID: id, CreatedAt: now}
		r.clients[id] = c
	}
	c.LastSeen = now
	return *c
}

// SetProject records the project a client is looking at.
func (r *Registry) SetProject(id, projectPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.ProjectPath = projectPath
	return true
}

// Get returns a client by id.
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Count returns the number of known clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
