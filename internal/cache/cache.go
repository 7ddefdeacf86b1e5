// Package cache holds the authoritative in-memory view of registered
// projects and their file trees.
//
// Every access path (the live relay, the polling API and the MCP tools)
// reads and mutates projects through a single Cache. Mutations are applied
// in memory first, announced to the change notifier exactly once, and then
// mirrored to the durable store. A store failure never rolls back the
// in-memory state; it is returned wrapped in ErrNotPersisted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

// DefaultFolder is the display-folder label attached to project summaries.
const DefaultFolder = "Projects"

var (
	// ErrInvalidProject is returned when a registration lacks a name or path.
	ErrInvalidProject = errors.New("project name and path are required")
	// ErrNotPersisted wraps store failures after the cache was updated.
	ErrNotPersisted = errors.New("cache updated but not persisted")
	// ErrProjectNotFound is returned for an unknown project path.
	ErrProjectNotFound = errors.New("project not found")
	// ErrFileNotFound is returned when a path does not resolve to a file.
	ErrFileNotFound = errors.New("file not found")
	// ErrNoContent is returned for a file whose content was not captured.
	ErrNoContent = errors.New("file has no content")
)

// Store is the durable side of the cache.
type Store interface {
	LoadProjects(ctx context.Context) ([]*models.Project, error)
	SaveProject(ctx context.Context, p *models.Project) error
	ReplaceProjects(ctx context.Context, list []*models.Project) error
	DeleteProject(ctx context.Context, path string) error
	ClearProjects(ctx context.Context) error
}

// Notifier receives the full project list after every visible change.
type Notifier func(projects []models.ProjectSummary)

// Cache maps project paths to projects. Writers are serialized by wmu so
// that notifications and store writes happen in mutation order; readers only
// take mu and never observe a partially applied bulk replace.
type Cache struct {
	wmu sync.Mutex

	mu       sync.RWMutex
	projects map[string]*models.Project
	notify   Notifier

	store  Store
	folder string
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithFolder sets the display-folder label used in summaries.
func WithFolder(folder string) Option {
	return func(c *Cache) {
		if folder != "" {
			c.folder = folder
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithClock overrides the time source used to stamp registrations.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache backed by store. Call Load to populate it.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		projects: make(map[string]*models.Project),
		store:    store,
		folder:   DefaultFolder,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("cache")
	return c
}

// OnChange installs the notifier called after each visible mutation.
func (c *Cache) OnChange(fn Notifier) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Load replaces the in-memory state with the store's contents. It does not
// notify.
func (c *Cache) Load(ctx context.Context) error {
	list, err := c.store.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	next := make(map[string]*models.Project, len(list))
	for _, p := range list {
		next[p.Path] = p
	}
	c.mu.Lock()
	c.projects = next
	c.mu.Unlock()

	c.log.Info("projects loaded", zap.Int("count", len(next)))
	return nil
}

// Subscribe calls fn with the current list while holding the read lock, so
// a subscriber registered inside fn cannot miss a concurrent change.
func (c *Cache) Subscribe(fn func(projects []models.ProjectSummary)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.summariesLocked())
}

// RegisterProject upserts a single project by path.
func (c *Cache) RegisterProject(ctx context.Context, p *models.Project) error {
	if p == nil || p.Name == "" || p.Path == "" {
		return ErrInvalidProject
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	entry := p.Clone()
	entry.LastUpdated = c.now().UTC()

	c.mu.Lock()
	c.projects[entry.Path] = entry
	list, notify := c.summariesLocked(), c.notify
	c.mu.Unlock()

	c.emit(notify, list)
	c.log.Debug("project registered", zap.String("path", entry.Path), zap.String("name", entry.Name))

	if err := c.store.SaveProject(ctx, entry); err != nil {
		return c.persistFailed("save project", err)
	}
	return nil
}

// RegisterProjects replaces the whole cache and the whole durable collection
// with list. Projects absent from list are deleted.
func (c *Cache) RegisterProjects(ctx context.Context, list []*models.Project) error {
	for _, p := range list {
		if p == nil || p.Name == "" || p.Path == "" {
			return ErrInvalidProject
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	now := c.now().UTC()
	next := make(map[string]*models.Project, len(list))
	for _, p := range list {
		entry := p.Clone()
		entry.LastUpdated = now
		next[entry.Path] = entry
	}

	c.mu.Lock()
	c.projects = next
	summaries, notify := c.summariesLocked(), c.notify
	entries := make([]*models.Project, 0, len(next))
	for _, path := range c.sortedPathsLocked() {
		entries = append(entries, next[path])
	}
	c.mu.Unlock()

	c.emit(notify, summaries)
	c.log.Info("projects replaced", zap.Int("count", len(next)))

	if err := c.store.ReplaceProjects(ctx, entries); err != nil {
		return c.persistFailed("replace projects", err)
	}
	return nil
}

// RemoveProject deletes a single project. It reports whether the path was
// known; unknown paths do not notify.
func (c *Cache) RemoveProject(ctx context.Context, path string) (bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if _, ok := c.projects[path]; !ok {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.projects, path)
	list, notify := c.summariesLocked(), c.notify
	c.mu.Unlock()

	c.emit(notify, list)

	if err := c.store.DeleteProject(ctx, path); err != nil {
		return true, c.persistFailed("delete project", err)
	}
	return true, nil
}

// ClearAllProjects empties the cache and the store.
func (c *Cache) ClearAllProjects(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	c.projects = make(map[string]*models.Project)
	notify := c.notify
	c.mu.Unlock()

	c.emit(notify, []models.ProjectSummary{})
	c.log.Info("projects cleared")

	if err := c.store.ClearProjects(ctx); err != nil {
		return c.persistFailed("clear projects", err)
	}
	return nil
}

// GetProjects returns the list view of every project, ordered by path.
func (c *Cache) GetProjects() []models.ProjectSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summariesLocked()
}

// GetProjectsWithFiles returns deep copies of every project, ordered by path.
func (c *Cache) GetProjectsWithFiles() []*models.Project {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Project, 0, len(c.projects))
	for _, path := range c.sortedPathsLocked() {
		out = append(out, c.projects[path].Clone())
	}
	return out
}

// GetProject returns a deep copy of one project.
func (c *Cache) GetProject(path string) (*models.Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[path]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Count returns the number of cached projects.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.projects)
}

// GetFiles lists the directory at dir inside a project's tree. It returns
// an empty list when the project is unknown, has no tree, or dir does not
// resolve to a directory.
func (c *Cache) GetFiles(dir, projectPath string) []models.FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.projects[projectPath]
	if !ok || p.Files == nil {
		return []models.FileEntry{}
	}
	node, ok := p.Files.Lookup(dir)
	if !ok {
		return []models.FileEntry{}
	}
	return node.Entries(dir)
}

// GetFileContent returns the captured content of the file at filePath.
func (c *Cache) GetFileContent(filePath, projectPath string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.projects[projectPath]
	if !ok {
		return "", ErrProjectNotFound
	}
	node, ok := p.Files.Lookup(filePath)
	if !ok || node.IsDir() {
		return "", ErrFileNotFound
	}
	if node.Content == nil {
		return "", ErrNoContent
	}
	return *node.Content, nil
}

// ContextFiles flattens a project's tree into at most limit files with
// content, in pre-order.
func (c *Cache) ContextFiles(projectPath string, limit int) []models.FileContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.projects[projectPath]
	if !ok {
		return nil
	}
	return p.Files.Flatten(limit)
}

func (c *Cache) emit(notify Notifier, list []models.ProjectSummary) {
	if notify != nil {
		notify(list)
	}
}

func (c *Cache) persistFailed(op string, err error) error {
	c.log.Warn("store write failed; cache keeps the new state", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, ErrNotPersisted, err)
}

func (c *Cache) summariesLocked() []models.ProjectSummary {
	out := make([]models.ProjectSummary, 0, len(c.projects))
	for _, path := range c.sortedPathsLocked() {
		out = append(out, c.projects[path].Summary(c.folder))
	}
	return out
}

func (c *Cache) sortedPathsLocked() []string {
	paths := make([]string, 0, len(c.projects))
	for path := range c.projects {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
