package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-wan-console/pkg/client"
	"peer-wan-console/pkg/journal"
	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/policy"
	"peer-wan-console/pkg/statussync"
	"peer-wan-console/pkg/topology"
)

// fakeController serves the controller REST surface and the status feeds.
type fakeController struct {
	mu          sync.Mutex
	mesh        model.Mesh
	meshErr     error
	meshFetches int
	policies    map[string]model.Policy
	submitted   []model.Policy
	stream      chan []byte
}

func (f *fakeController) Mesh(ctx context.Context) (model.Mesh, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meshFetches++
	return f.mesh, f.meshErr
}

func (f *fakeController) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meshFetches
}

func (f *fakeController) setMesh(m model.Mesh) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mesh = m
}

func (f *fakeController) Policy(ctx context.Context, nodeID string) (model.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[nodeID], nil
}

func (f *fakeController) RawPolicy(ctx context.Context, nodeID string) (json.RawMessage, error) {
	return json.RawMessage(`{"egressPeerId":"B","policyRules":[]}`), nil
}

func (f *fakeController) SubmitPolicy(ctx context.Context, p model.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, p)
	return nil
}

func (f *fakeController) InstallLogs(ctx context.Context, nodeID string, limit int) ([]model.InstallLogEntry, error) {
	return []model.InstallLogEntry{{NodeID: nodeID, Status: "success", Version: "v1"}}, nil
}

func (f *fakeController) Tasks(ctx context.Context, nodeID string) ([]model.Task, error) {
	return []model.Task{{ID: "t1", NodeID: nodeID, Type: "policy_apply"}}, nil
}

func (f *fakeController) SendCommand(ctx context.Context, nodeID, action string) error { return nil }

func (f *fakeController) Diagnostics(ctx context.Context, nodeID string, limit int) ([]model.DiagnosticResult, error) {
	return []model.DiagnosticResult{{NodeID: nodeID, Summary: "all good"}}, nil
}

type chanStream struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *chanStream) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, context.Canceled
	}
}

func (c *chanStream) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (f *fakeController) DialLogs(ctx context.Context, nodeID string) (client.LogStream, error) {
	return &chanStream{msgs: f.stream, closed: make(chan struct{})}, nil
}

type testEnv struct {
	fake    *fakeController
	tracker *statussync.Tracker
	ctrl    *policy.Controller
	srv     *httptest.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := &fakeController{
		mesh: model.Mesh{
			Nodes: []model.Node{
				{ID: "A"},
				{ID: "B", Location: model.LatLng(10, 20)},
				{ID: "C", Location: model.LatLng(-20, 100)},
			},
			Links: []model.Link{
				{From: "A", To: "B", OK: true},
				{From: "B", To: "C", OK: false, Reason: "timeout"},
			},
		},
		policies: map[string]model.Policy{"A": {EgressPeerID: "B"}},
		stream:   make(chan []byte, 8),
	}
	ctx, cancel := context.WithCancel(context.Background())
	tracker := statussync.NewTracker(ctx, statussync.Options{
		Source:      fake,
		Interval:    time.Hour,
		StreamRetry: 10 * time.Millisecond,
		Now:         func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) },
		Log:         zerolog.Nop(),
	})
	m := metrics.New()
	j, err := journal.Open(ctx, t.TempDir()+"/journal.db")
	require.NoError(t, err)
	ctrl := policy.NewController(policy.Options{
		API: fake,
		Sessions: func(_ context.Context, nodeID string) (policy.Session, error) {
			s, err := tracker.Start(nodeID)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Journal: j,
		Metrics: m,
		Mesh:    fake,
		Log:     zerolog.Nop(),
	})
	s := NewServer(Options{
		Mesh:       fake,
		Controller: ctrl,
		Status:     tracker,
		Expander:   policy.NewExpander(policy.ExpanderConfig{CacheDir: t.TempDir()}, zerolog.Nop()),
		History:    j,
		Metrics:    m,
		Log:        zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		ctrl.Close()
		cancel()
		_ = j.Close()
	})
	return &testEnv{fake: fake, tracker: tracker, ctrl: ctrl, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestMeshEndpoints(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodGet, "/api/mesh", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[meshResponse](t, res)
	assert.Len(t, body.Draw.Markers, 3)
	assert.Len(t, body.Draw.Segments, 2)
	require.Len(t, body.DownLinks, 1)
	assert.Equal(t, "timeout", body.DownLinks[0].Reason)

	res = env.do(t, http.MethodGet, "/api/mesh.svg", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/svg+xml", res.Header.Get("Content-Type"))
}

func TestMeshUnauthorizedMapsTo401(t *testing.T) {
	env := newEnv(t)
	env.fake.mu.Lock()
	env.fake.meshErr = client.ErrUnauthorized
	env.fake.mu.Unlock()
	res := env.do(t, http.MethodGet, "/api/mesh", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestEditingFlow(t *testing.T) {
	env := newEnv(t)

	res := env.do(t, http.MethodPost, "/api/path/pick", pickRequest{NodeID: "B"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/session", openRequest{NodeID: "A"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	opened := decode[sessionResponse](t, res)
	assert.Equal(t, "A", opened.NodeID)
	assert.Equal(t, "B", opened.Defaults.EgressPeerID)

	env.do(t, http.MethodGet, "/api/mesh", nil)
	for _, id := range []string{"A", "B", "C"} {
		res = env.do(t, http.MethodPost, "/api/path/pick", pickRequest{NodeID: id})
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	path := decode[policy.PathView](t, env.do(t, http.MethodGet, "/api/path", nil))
	assert.Equal(t, []string{"B", "C"}, path.Path)
	require.Len(t, path.Degraded, 1)

	res = env.do(t, http.MethodPost, "/api/path/confirm", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/rules", map[string]any{"prefix": "10.0.0.0/8", "domains": ""})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var rule map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rule))
	assert.Equal(t, "C", rule["viaNode"])
	assert.Equal(t, []any{"B", "C"}, rule["path"])

	res = env.do(t, http.MethodPost, "/api/rules", map[string]any{"domains": "a.com"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = env.do(t, http.MethodGet, "/api/rules/0/preview", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	preview := decode[map[string]any](t, res)
	assert.Equal(t, []any{"10.0.0.0/8"}, preview["prefixes"])

	res = env.do(t, http.MethodPut, "/api/defaults", map[string]any{"egressPeerId": "C", "bypassCidrs": "192.168.0.0/16, 10.1.0.0/16"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	d := decode[policy.Defaults](t, res)
	assert.Equal(t, []string{"192.168.0.0/16", "10.1.0.0/16"}, d.BypassCIDRs)

	res = env.do(t, http.MethodPost, "/api/submit", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, env.fake.submitted, 1)
	assert.Equal(t, "A", env.fake.submitted[0].NodeID)
	assert.Equal(t, "C", env.fake.submitted[0].EgressPeerID)

	res = env.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	hist := decode[map[string][]journal.Op](t, res)
	require.Len(t, hist["items"], 2)

	res = env.do(t, http.MethodDelete, "/api/rules/3", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res = env.do(t, http.MethodDelete, "/api/rules/0", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = env.do(t, http.MethodGet, "/api/policy/raw", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/diagnose", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	diag := decode[model.DiagnosticResult](t, res)
	assert.Equal(t, "all good", diag.Summary)
}

func TestSessionViewAndLogRelay(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/session", openRequest{NodeID: "A"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.Eventually(t, func() bool {
		s := env.tracker.Current()
		return s != nil && len(s.Snapshot().Tasks) == 1
	}, time.Second, 5*time.Millisecond)

	res = env.do(t, http.MethodPost, "/api/session/refresh", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	view := decode[statussync.View](t, res)
	assert.Equal(t, "A", view.NodeID)
	require.NotNil(t, view.Latest)
	assert.Equal(t, "v1", view.Latest.Version)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first linesMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Empty(t, first.Lines)

	env.fake.stream <- []byte(`{"lines":["wg up"]}`)
	var next linesMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, []string{"[08:30:00] wg up"}, next.Lines)

	res = env.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Nil(t, env.tracker.Current())
}

func TestSubmitReloadsMesh(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodPost, "/api/session", openRequest{NodeID: "A"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	env.do(t, http.MethodGet, "/api/mesh", nil)
	before := env.fake.fetches()

	env.fake.setMesh(model.Mesh{Nodes: []model.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "D"}}})
	res = env.do(t, http.MethodPost, "/api/rules", map[string]any{"prefix": "10.0.0.0/8", "viaNode": "B"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res = env.do(t, http.MethodPost, "/api/submit", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, before+1, env.fake.fetches())
	assert.Len(t, env.ctrl.DrawModel(topology.DefaultPlane).Markers, 4)
}

func TestSessionReload(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodPost, "/api/session/reload", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/session", openRequest{NodeID: "A"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	res = env.do(t, http.MethodPut, "/api/defaults", map[string]any{"egressPeerId": "C"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = env.do(t, http.MethodPost, "/api/session/reload", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	state := decode[sessionResponse](t, res)
	assert.Equal(t, "A", state.NodeID)
	assert.Equal(t, "B", state.Defaults.EgressPeerID)
}
