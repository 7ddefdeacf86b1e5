// Package relay is the live event hub between the mobile app and the editor
// extension. It keeps one Hub of connections, answers cache queries
// directly, forwards editor commands to every other connection and runs AI
// chat turns in the background.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kink2001crypto/aether-relay/internal/ai"
	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/models"
)

// Defaults for Options.
const (
	DefaultMaxContextFiles = 20
	DefaultHistoryTurns    = 10
	DefaultChatTimeout     = 2 * time.Minute
)

// ErrUnknownConnection is returned when a targeted event names no live
// connection.
var ErrUnknownConnection = errors.New("unknown connection")

// History is the chat-history side of the store.
type History interface {
	SaveMessage(ctx context.Context, projectPath, role, content string) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, projectPath string, limit int) ([]models.ChatMessage, error)
	ClearMessages(ctx context.Context, projectPath string) (int64, error)
}

// Assistant answers chat requests.
type Assistant interface {
	Chat(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// Options tunes the relay.
type Options struct {
	MaxContextFiles int
	HistoryTurns    int
	ChatTimeout     time.Duration
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.MaxContextFiles <= 0 {
		o.MaxContextFiles = DefaultMaxContextFiles
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = DefaultHistoryTurns
	}
	if o.ChatTimeout <= 0 {
		o.ChatTimeout = DefaultChatTimeout
	}
}

// Relay dispatches inbound events against the cache, the history store and
// the AI bridge.
type Relay struct {
	hub     *Hub
	cache   *cache.Cache
	history History
	bridge  Assistant
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wires a relay and installs it as the cache's change notifier.
func New(hub *Hub, c *cache.Cache, history History, bridge Assistant, opts Options, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		hub:     hub,
		cache:   c,
		history: history,
		bridge:  bridge,
		opts:    opts,
		log:     log.Named("relay"),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.OnChange(func(list []models.ProjectSummary) {
		hub.Broadcast(Message{Event: EventProjects, Data: list})
	})
	return r
}

// Hub returns the connection registry.
func (r *Relay) Hub() *Hub { return r.hub }

// Connect attaches p and sends it the current project list. The snapshot
// and the registration happen atomically with respect to cache changes, so
// a joining peer never misses a projects broadcast.
func (r *Relay) Connect(p Peer) {
	r.cache.Subscribe(func(list []models.ProjectSummary) {
		r.hub.Attach(p, Message{Event: EventProjects, Data: list})
	})
	r.log.Info("client connected", zap.String("id", p.ID()), zap.Int("connections", r.hub.Count()))
}

// Disconnect detaches a connection.
func (r *Relay) Disconnect(id string) {
	if r.hub.Detach(id) {
		r.log.Info("client disconnected", zap.String("id", id), zap.Int("connections", r.hub.Count()))
	}
}

// Inject forwards an event that arrived outside a live connection. Relay-only
// tags are renamed the same way as live events. With a target the event goes
// to that connection only; otherwise it is broadcast and buffered.
func (r *Relay) Inject(event string, data json.RawMessage, targetID string) (int, error) {
	tag := event
	if renamed, ok := ForwardTag(event); ok {
		tag = renamed
	}
	msg := Message{Event: tag, Data: data}
	if targetID != "" {
		if !r.hub.SendTo(targetID, msg) {
			return 0, ErrUnknownConnection
		}
		return 1, nil
	}
	return r.hub.Broadcast(msg), nil
}

// Close stops background chats, closes every live connection and waits for
// their goroutines to finish.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	for _, p := range r.hub.peers() {
		if c, ok := p.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	r.wg.Wait()
}

// goTracked runs fn in a goroutine that Close waits for. It reports false
// once the relay is closed.
func (r *Relay) goTracked(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}
