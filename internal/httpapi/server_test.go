package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kink2001crypto/aether-relay/internal/ai"
	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/polling"
	"github.com/kink2001crypto/aether-relay/internal/relay"
	"github.com/kink2001crypto/aether-relay/internal/server"
	"github.com/kink2001crypto/aether-relay/internal/session"
	"github.com/kink2001crypto/aether-relay/internal/storage"
)

type testEnv struct {
	url      string
	cache    *cache.Cache
	buffer   *polling.Buffer
	sessions *session.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := cache.New(store, cache.WithLogger(log))
	buf := polling.NewBuffer(0, 0)
	sessions := session.New()
	rl := relay.New(relay.NewHub(buf, log), c, store, ai.NewBridge(ai.Config{}, log), relay.Options{}, log)

	mcpServer := server.New(server.Deps{Cache: c, History: store, Relay: rl, Version: "test"})
	srv := NewServer(Deps{
		Cache:    c,
		Relay:    rl,
		Buffer:   buf,
		Sessions: sessions,
		MCP: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Version: "test",
		Logger:  log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(rl.Close)
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, cache: c, buffer: buf, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.url+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

const demoProject = `{"name":"demo","path":"/work/demo","files":[
	{"name":"src","type":"directory","children":[{"name":"a.ts","type":"file","content":"export const a = 1"}]},
	{"name":"logo.png","type":"file"}
]}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)

	status, out := env.do(t, http.MethodPost, "/api/projects", demoProject)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, map[string]any{"name": "demo", "path": "/work/demo", "folder": "Projects"}, out["project"])

	status, out = env.do(t, http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, status)
	projects := out["projects"].([]any)
	require.Len(t, projects, 1)
	assert.NotNil(t, projects[0].(map[string]any)["files"])

	status, out = env.do(t, http.MethodGet, "/api/files?projectPath=/work/demo&path=/src", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{map[string]any{"name": "a.ts", "type": "file", "path": "/src/a.ts"}}, out["files"])

	status, out = env.do(t, http.MethodGet, "/api/file-content?projectPath=/work/demo&path=/src/a.ts", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "export const a = 1", out["content"])

	status, out = env.do(t, http.MethodGet, "/api/file-content?projectPath=/work/demo&path=/logo.png", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, cache.ErrNoContent.Error(), out["error"])

	status, out = env.do(t, http.MethodDelete, "/api/projects", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 0, env.cache.Count())
}

func TestSyncProjects(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/projects", demoProject)

	status, out := env.do(t, http.MethodPost, "/api/projects/sync",
		`{"projects":[{"name":"one","path":"/p/one"},{"name":"two","path":"/p/two"}]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(2), out["count"])

	_, ok := env.cache.GetProject("/work/demo")
	assert.False(t, ok, "sync replaces the whole set")
	assert.Equal(t, 2, env.cache.Count())
}

func TestValidationFailures(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name, method, path, body string
	}{
		{"project without path", http.MethodPost, "/api/projects", `{"name":"x"}`},
		{"malformed json", http.MethodPost, "/api/projects", `{`},
		{"sync without array", http.MethodPost, "/api/projects/sync", `{}`},
		{"sync with invalid entry", http.MethodPost, "/api/projects/sync", `{"projects":[{"name":"x"}]}`},
		{"files without project", http.MethodGet, "/api/files?path=/", ""},
		{"content without path", http.MethodGet, "/api/file-content?projectPath=/p", ""},
		{"relay without event", http.MethodPost, "/api/relay", `{"data":{}}`},
		{"bad since", http.MethodGet, "/api/events?since=yesterday", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Equal(t, 0, env.cache.Count(), "validation failures must not mutate")
}

func TestNotFoundCarriesErrorField(t *testing.T) {
	env := newTestEnv(t)

	status, out := env.do(t, http.MethodGet, "/api/files?projectPath=/nope&path=/", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, cache.ErrProjectNotFound.Error(), out["error"])
	assert.Equal(t, []any{}, out["files"])

	status, out = env.do(t, http.MethodGet, "/api/file-content?projectPath=/nope&path=/a", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, cache.ErrProjectNotFound.Error(), out["error"])

	status, out = env.do(t, http.MethodPost, "/api/relay", `{"event":"git:statusResult","data":{},"targetId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, relay.ErrUnknownConnection.Error(), out["error"])
}

func TestPollingClientsDrainBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	_, out := env.do(t, http.MethodPost, "/api/clients", `{"projectPath":"/work/demo"}`)
	clientID := out["clientId"].(string)
	require.NotEmpty(t, clientID)

	before := time.Now().Add(-time.Second)
	env.do(t, http.MethodPost, "/api/projects", demoProject)
	env.do(t, http.MethodPost, "/api/relay", `{"event":"gitStatus","data":{"projectPath":"/work/demo"}}`)

	status, out := env.do(t, http.MethodGet, "/api/events?clientId="+clientID, "")
	require.Equal(t, http.StatusOK, status)
	events := out["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "projects", events[0].(map[string]any)["type"])
	second := events[1].(map[string]any)
	assert.Equal(t, "git:status", second["type"], "relay endpoint applies the forward renames")
	assert.Equal(t, map[string]any{"projectPath": "/work/demo"}, second["data"])

	_, out = env.do(t, http.MethodGet, "/api/events?since="+before.UTC().Format(time.RFC3339Nano), "")
	assert.Len(t, out["events"], 2)
	_, out = env.do(t, http.MethodGet, "/api/events?since="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano), "")
	assert.Empty(t, out["events"])

	// The project hint stands in for projectPath.
	status, out = env.do(t, http.MethodGet, "/api/files?clientId="+clientID+"&path=/", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["files"], 2)

	_, out = env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, "test", out["version"])
	assert.Equal(t, float64(1), out["pollingClients"])
	assert.Equal(t, float64(1), out["projects"])
	assert.Equal(t, float64(2), out["pendingEvents"])
	assert.Equal(t, float64(0), out["connections"])
}

func TestRelayEndpointReachesLiveClients(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.url, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "projects", frame.Event)

	status, out := env.do(t, http.MethodPost, "/api/relay", `{"event":"terminal:response","data":{"output":"ok\n"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), out["delivered"])

	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "terminalOutput", frame.Event)
	assert.JSONEq(t, `{"output":"ok\n"}`, string(frame.Data))
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())

	ts, err = parseSince("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	_, err = parseSince("soon")
	assert.Error(t, err)
}

func TestLoggingMiddlewareKeepsFlusher(t *testing.T) {
	srv := NewServer(Deps{Logger: zaptest.NewLogger(t)})
	var flushable bool
	h := srv.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: hello\n\n")
		w.(http.Flusher).Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.True(t, flushable)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: hello\n\n", rec.Body.String())
}

func TestMCPOverStreamableHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/projects", demoProject)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: env.url + "/mcp"}, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "list_projects", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "/work/demo")
}
