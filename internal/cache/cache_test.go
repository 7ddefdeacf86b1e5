package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	saves    int
	replaces int
	fail     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: make(map[string]*models.Project)}
}

func (f *fakeStore) LoadProjects(context.Context) ([]*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Project
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, f.fail
}

func (f *fakeStore) SaveProject(_ context.Context, p *models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.fail != nil {
		return f.fail
	}
	f.projects[p.Path] = p
	return nil
}

func (f *fakeStore) ReplaceProjects(_ context.Context, list []*models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	if f.fail != nil {
		return f.fail
	}
	f.projects = make(map[string]*models.Project)
	for _, p := range list {
		f.projects[p.Path] = p
	}
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	delete(f.projects, path)
	return nil
}

func (f *fakeStore) ClearProjects(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.projects = make(map[string]*models.Project)
	return nil
}

func (f *fakeStore) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.projects {
		out = append(out, p)
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	lists [][]models.ProjectSummary
}

func (r *recorder) notify(list []models.ProjectSummary) {
	r.mu.Lock()
	r.lists = append(r.lists, list)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

func (r *recorder) last() []models.ProjectSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists[len(r.lists)-1]
}

func newTestCache(t *testing.T) (*Cache, *fakeStore, *recorder) {
	t.Helper()
	store := newFakeStore()
	c := New(store, WithLogger(zaptest.NewLogger(t)))
	rec := &recorder{}
	c.OnChange(rec.notify)
	return c, store, rec
}

func proj(name, path string, tree *models.FileNode) *models.Project {
	return &models.Project{Name: name, Path: path, Files: tree}
}

func TestRegisterProjectReplacesByPath(t *testing.T) {
	c, store, rec := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterProject(ctx, proj("demo", "/p", models.NewDirectory("", models.NewFile("old.ts", "1")))))
	require.NoError(t, c.RegisterProject(ctx, proj("demo", "/p", models.NewDirectory("", models.NewFile("new.ts", "2")))))

	all := c.GetProjectsWithFiles()
	require.Len(t, all, 1)
	_, hasOld := all[0].Files.Lookup("/old.ts")
	_, hasNew := all[0].Files.Lookup("/new.ts")
	assert.False(t, hasOld, "re-registration must replace, not merge")
	assert.True(t, hasNew)

	assert.Equal(t, 2, rec.count(), "one broadcast per registration")
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, []string{"/p"}, store.paths())
}

func TestRegisterProjectValidation(t *testing.T) {
	c, store, rec := newTestCache(t)

	err := c.RegisterProject(context.Background(), proj("", "/p", nil))
	assert.ErrorIs(t, err, ErrInvalidProject)
	err = c.RegisterProject(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidProject)

	assert.Zero(t, c.Count())
	assert.Zero(t, rec.count())
	assert.Zero(t, store.saves)
}

func TestRegisterProjectsReplacesEverything(t *testing.T) {
	c, store, rec := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterProjects(ctx, []*models.Project{proj("A", "/a", nil), proj("B", "/b", nil)}))
	require.NoError(t, c.RegisterProjects(ctx, []*models.Project{proj("B", "/b", nil)}))

	assert.Equal(t, []models.ProjectSummary{{Name: "B", Path: "/b", Folder: DefaultFolder}}, c.GetProjects())
	assert.Equal(t, []string{"/b"}, store.paths())
	assert.Equal(t, 2, rec.count(), "exactly one broadcast per bulk replace")
	assert.Equal(t, c.GetProjects(), rec.last())
}

func TestRegisterProjectsRejectsInvalidEntryWithoutMutation(t *testing.T) {
	c, _, rec := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterProject(ctx, proj("keep", "/keep", nil)))

	err := c.RegisterProjects(ctx, []*models.Project{proj("ok", "/ok", nil), proj("bad", "", nil)})
	assert.ErrorIs(t, err, ErrInvalidProject)
	assert.Equal(t, 1, c.Count())
	assert.Equal(t, 1, rec.count())
}

func TestClearAllProjects(t *testing.T) {
	c, store, rec := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterProjects(ctx, []*models.Project{proj("A", "/a", nil)}))

	require.NoError(t, c.ClearAllProjects(ctx))
	assert.Empty(t, c.GetProjects())
	assert.Empty(t, store.paths())
	assert.Equal(t, []models.ProjectSummary{}, rec.last())
}

func TestRemoveProject(t *testing.T) {
	c, _, rec := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterProjects(ctx, []*models.Project{proj("A", "/a", nil), proj("B", "/b", nil)}))

	removed, err := c.RemoveProject(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 2, rec.count())

	removed, err = c.RemoveProject(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 2, rec.count(), "unknown path must not broadcast")
}

func TestStoreFailureKeepsCacheState(t *testing.T) {
	c, store, rec := newTestCache(t)
	store.fail = errors.New("disk full")

	err := c.RegisterProject(context.Background(), proj("demo", "/p", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPersisted)

	_, ok := c.GetProject("/p")
	assert.True(t, ok, "cache stays authoritative when the store fails")
	assert.Equal(t, 1, rec.count(), "broadcast is not delayed or skipped by store failure")
}

func TestGetFiles(t *testing.T) {
	c, _, _ := newTestCache(t)
	tree := models.NewDirectory("", models.NewDirectory("src", models.NewEmptyFile("a.ts")))
	require.NoError(t, c.RegisterProject(context.Background(), proj("demo", "/p", tree)))

	files := c.GetFiles("/src", "/p")
	require.Len(t, files, 1)
	assert.Equal(t, "a.ts", files[0].Name)

	assert.Equal(t, []models.FileEntry{}, c.GetFiles("/missing", "/p"))
	assert.Equal(t, []models.FileEntry{}, c.GetFiles("/src/a.ts", "/p"))
	assert.Equal(t, []models.FileEntry{}, c.GetFiles("/src", "/unknown"))

	require.NoError(t, c.RegisterProject(context.Background(), proj("bare", "/bare", nil)))
	assert.Equal(t, []models.FileEntry{}, c.GetFiles("/", "/bare"))
}

func TestGetFileContent(t *testing.T) {
	c, _, _ := newTestCache(t)
	tree := models.NewDirectory("",
		models.NewDirectory("src",
			models.NewFile("a.ts", "export const a = 1\n"),
			models.NewEmptyFile("logo.png"),
		),
	)
	require.NoError(t, c.RegisterProject(context.Background(), proj("demo", "/p", tree)))

	content, err := c.GetFileContent("/src/a.ts", "/p")
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1\n", content)

	tests := []struct {
		name, path, project string
		want                error
	}{
		{"directory", "/src", "/p", ErrFileNotFound},
		{"missing", "/src/nope.ts", "/p", ErrFileNotFound},
		{"no content", "/src/logo.png", "/p", ErrNoContent},
		{"unknown project", "/src/a.ts", "/nope", ErrProjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := c.GetFileContent(tt.path, tt.project)
			assert.Empty(t, content)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadersGetCopies(t *testing.T) {
	c, _, _ := newTestCache(t)
	require.NoError(t, c.RegisterProject(context.Background(), proj("demo", "/p", models.NewDirectory("", models.NewFile("a", "1")))))

	p, _ := c.GetProject("/p")
	p.Name = "mutated"
	p.Files.Children = nil

	again, _ := c.GetProject("/p")
	assert.Equal(t, "demo", again.Name)
	assert.Len(t, again.Files.Children, 1)
}

func TestLoadFromStore(t *testing.T) {
	store := newFakeStore()
	store.projects["/p"] = proj("demo", "/p", nil)
	c := New(store, WithFolder("Workspace"))
	rec := &recorder{}
	c.OnChange(rec.notify)

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, []models.ProjectSummary{{Name: "demo", Path: "/p", Folder: "Workspace"}}, c.GetProjects())
	assert.Zero(t, rec.count(), "Load does not broadcast")
}

func TestRegisterStampsLastUpdated(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := New(newFakeStore(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, c.RegisterProject(context.Background(), proj("demo", "/p", nil)))

	p, _ := c.GetProject("/p")
	assert.Equal(t, fixed, p.LastUpdated)
}

func TestContextFiles(t *testing.T) {
	c, _, _ := newTestCache(t)
	var files []*models.FileNode
	for i := 0; i < 25; i++ {
		files = append(files, models.NewFile(fmt.Sprintf("f%02d.go", i), "package p"))
	}
	require.NoError(t, c.RegisterProject(context.Background(), proj("big", "/big", models.NewDirectory("", files...))))

	got := c.ContextFiles("/big", 20)
	require.Len(t, got, 20)
	assert.Equal(t, "/f00.go", got[0].Path)
	assert.Equal(t, "/f19.go", got[19].Path)
	assert.Nil(t, c.ContextFiles("/unknown", 20))
}

// A bulk replace must never be observed half-applied: every read sees either
// the full old set or the full new set.
func TestBulkReplaceIsAtomicForReaders(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	setA := []*models.Project{proj("a1", "/a1", nil), proj("a2", "/a2", nil), proj("a3", "/a3", nil)}
	setB := []*models.Project{proj("b1", "/b1", nil), proj("b2", "/b2", nil)}
	require.NoError(t, c.RegisterProjects(ctx, setA))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_ = c.RegisterProjects(ctx, setB)
			} else {
				_ = c.RegisterProjects(ctx, setA)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		n := len(c.GetProjects())
		if n != 2 && n != 3 {
			close(stop)
			wg.Wait()
			t.Fatalf("observed partial replace with %d projects", n)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeSeesCurrentList(t *testing.T) {
	c, _, _ := newTestCache(t)
	require.NoError(t, c.RegisterProject(context.Background(), proj("demo", "/p", nil)))

	var got []models.ProjectSummary
	c.Subscribe(func(list []models.ProjectSummary) { got = list })
	assert.Equal(t, []models.ProjectSummary{{Name: "demo", Path: "/p", Folder: DefaultFolder}}, got)
}
