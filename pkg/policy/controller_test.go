package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/topology"
)

type fakeAPI struct {
	mu        sync.Mutex
	policies  map[string]model.Policy
	policyErr error
	submitted []model.Policy
	submitErr error
}

func (f *fakeAPI) Policy(ctx context.Context, nodeID string) (model.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policyErr != nil {
		return model.Policy{}, f.policyErr
	}
	return f.policies[nodeID], nil
}

func (f *fakeAPI) RawPolicy(ctx context.Context, nodeID string) (json.RawMessage, error) {
	return json.RawMessage(`{"raw":"` + nodeID + `"}`), nil
}

func (f *fakeAPI) SubmitPolicy(ctx context.Context, p model.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, p)
	return nil
}

type fakeSession struct {
	nodeID  string
	stopped bool
}

func (s *fakeSession) Stop() { s.stopped = true }

func (s *fakeSession) RefreshDiagnostics(ctx context.Context) (*model.DiagnosticResult, error) {
	return &model.DiagnosticResult{NodeID: s.nodeID, Summary: "ok"}, nil
}

type recorder struct {
	mu     sync.Mutex
	ops    []string
	purges [][]model.PolicyRule
}

func (r *recorder) Record(ctx context.Context, nodeID, op string, rule model.PolicyRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, nodeID+":"+op+":"+rule.ViaNode)
	return nil
}

func (r *recorder) Purge(ctx context.Context, nodeID string, current []model.PolicyRule) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purges = append(r.purges, current)
	return 0, nil
}

type meshSource struct {
	fetches int
	mesh    model.Mesh
}

func (m *meshSource) Mesh(ctx context.Context) (model.Mesh, error) {
	m.fetches++
	return m.mesh, nil
}

type auditRecorder struct{ entries []model.AuditEntry }

func (a *auditRecorder) Record(ctx context.Context, e model.AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

type harness struct {
	api      *fakeAPI
	sessions []*fakeSession
	journal  *recorder
	audit    *auditRecorder
	mesh     *meshSource
	startErr error
	ctrl     *Controller
}

func newHarness() *harness {
	h := &harness{
		api: &fakeAPI{policies: map[string]model.Policy{
			"A": {
				EgressPeerID: "B",
				DefaultRoute: true,
				BypassCIDRs:  []string{"192.168.0.0/16"},
				PolicyRules:  []model.PolicyRule{{Prefix: "8.8.8.8/32", Domains: []string{}, ViaNode: "B"}},
			},
			"B": {},
		}},
		journal: &recorder{},
		audit:   &auditRecorder{},
		mesh:    &meshSource{mesh: model.Mesh{Nodes: []model.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}}}},
	}
	h.ctrl = NewController(Options{
		API: h.api,
		Sessions: func(ctx context.Context, nodeID string) (Session, error) {
			if h.startErr != nil {
				return nil, h.startErr
			}
			s := &fakeSession{nodeID: nodeID}
			h.sessions = append(h.sessions, s)
			return s, nil
		},
		Journal: h.journal,
		Auditor: h.audit,
		Metrics: metrics.New(),
		Mesh:    h.mesh,
		Log:     zerolog.Nop(),
	})
	return h
}

func TestControllerOpenLoadsPolicy(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.ctrl.Open(context.Background(), "A"))

	assert.Equal(t, "A", h.ctrl.NodeID())
	require.Len(t, h.ctrl.Rules(), 1)
	d := h.ctrl.Defaults()
	assert.Equal(t, "B", d.EgressPeerID)
	assert.True(t, d.DefaultRoute)
	assert.Equal(t, []string{"192.168.0.0/16"}, d.BypassCIDRs)
}

func TestControllerSwitchStopsPreviousSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.ctrl.Open(ctx, "A"))
	_, err := h.ctrl.Pick("B")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Open(ctx, "B"))
	require.Len(t, h.sessions, 2)
	assert.True(t, h.sessions[0].stopped)
	assert.False(t, h.sessions[1].stopped)
	assert.Empty(t, h.ctrl.Rules())
	assert.Empty(t, h.ctrl.Path().Path)
	assert.Equal(t, "B", h.ctrl.Path().Origin)

	res, err := h.ctrl.Diagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", res.NodeID)

	h.ctrl.Close()
	assert.True(t, h.sessions[1].stopped)
	assert.Equal(t, "", h.ctrl.NodeID())
	_, err = h.ctrl.Diagnose(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestControllerPathToRule(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.ctrl.Open(ctx, "A"))
	h.ctrl.SetMesh(model.Mesh{
		Nodes: []model.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Links: []model.Link{{From: "B", To: "C", OK: false, Reason: "down"}},
	})

	for _, id := range []string{"A", "B", "C"} {
		_, err := h.ctrl.Pick(id)
		require.NoError(t, err)
	}
	view := h.ctrl.Path()
	assert.Equal(t, "building", view.State)
	assert.Equal(t, []string{"B", "C"}, view.Path)
	require.Len(t, view.Degraded, 1)

	dm := h.ctrl.DrawModel(topology.DefaultPlane)
	require.Len(t, dm.Segments, 1)
	assert.True(t, dm.Segments[0].Highlighted)

	path, err := h.ctrl.ConfirmPath()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, path)

	rule, err := h.ctrl.AddRule(ctx, Draft{Prefix: "10.0.0.0/8"})
	require.NoError(t, err)
	assert.Equal(t, "C", rule.ViaNode)
	assert.Equal(t, []string{"B", "C"}, rule.Path)
	assert.Empty(t, h.ctrl.Path().Confirmed)

	_, err = h.ctrl.AddRule(ctx, Draft{Prefix: "10.0.0.0/8"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	require.Len(t, h.ctrl.Rules(), 2)
	require.NoError(t, h.ctrl.RemoveRule(ctx, 0))
	assert.ErrorIs(t, h.ctrl.RemoveRule(ctx, 5), ErrRuleIndex)
	require.Len(t, h.ctrl.Rules(), 1)
	assert.Equal(t, "C", h.ctrl.Rules()[0].ViaNode)
	assert.Equal(t, []string{"A:add:C", "A:remove:B"}, h.journal.ops)
}

func TestControllerSubmitFailureKeepsRules(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.ctrl.Open(ctx, "A"))
	_, err := h.ctrl.AddRule(ctx, Draft{Domains: DomainText("example.com"), ViaNode: "C"})
	require.NoError(t, err)

	h.api.submitErr = errors.New("controller unavailable")
	err = h.ctrl.Submit(ctx)
	require.Error(t, err)
	assert.Len(t, h.ctrl.Rules(), 2)
	assert.Equal(t, 0, h.mesh.fetches)
	assert.Empty(t, h.journal.purges)
	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "policy_submit_failed", h.audit.entries[0].Action)

	h.api.submitErr = nil
	require.NoError(t, h.ctrl.Submit(ctx))
	assert.Equal(t, 1, h.mesh.fetches)
	assert.Len(t, h.ctrl.DrawModel(topology.DefaultPlane).Markers, 3)
	require.Len(t, h.journal.purges, 1)
	assert.Len(t, h.journal.purges[0], 2)
	require.Len(t, h.api.submitted, 1)
	doc := h.api.submitted[0]
	assert.Equal(t, "A", doc.NodeID)
	assert.Equal(t, "B", doc.EgressPeerID)
	assert.Len(t, doc.PolicyRules, 2)
	assert.Equal(t, "policy_submit", h.audit.entries[1].Action)
}

func TestControllerRequiresOpenNode(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.ctrl.Pick("B")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.ctrl.AddRule(ctx, Draft{Prefix: "1.1.1.1", ViaNode: "B"})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.ctrl.Submit(ctx), ErrNoSession)
	_, err = h.ctrl.RawPolicy(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.ctrl.Open(ctx, ""), ErrNoSession)
}

func TestControllerSetDefaultsAndRaw(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.ctrl.Open(ctx, "B"))
	require.NoError(t, h.ctrl.SetDefaults(Defaults{EgressPeerID: "A", BypassCIDRs: []string{"10.0.0.0/8"}}))
	doc, err := h.ctrl.Document()
	require.NoError(t, err)
	assert.Equal(t, "A", doc.EgressPeerID)
	assert.Equal(t, []string{"10.0.0.0/8"}, doc.BypassCIDRs)
	assert.NotNil(t, doc.PolicyRules)

	raw, err := h.ctrl.RawPolicy(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":"B"}`, string(raw))
}

func TestControllerSubmitRequiresLoadedPolicy(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.api.policyErr = errors.New("controller unavailable")

	err := h.ctrl.Open(ctx, "A")
	require.Error(t, err)
	assert.Equal(t, "A", h.ctrl.NodeID())
	assert.ErrorIs(t, h.ctrl.Submit(ctx), ErrNotLoaded)
	assert.Empty(t, h.api.submitted)

	h.api.policyErr = nil
	require.NoError(t, h.ctrl.Reload(ctx))
	require.Len(t, h.ctrl.Rules(), 1)
	require.NoError(t, h.ctrl.Submit(ctx))
	require.Len(t, h.api.submitted, 1)
	assert.Len(t, h.api.submitted[0].PolicyRules, 1)
}

func TestControllerReloadDiscardsEdits(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	assert.ErrorIs(t, h.ctrl.Reload(ctx), ErrNoSession)

	require.NoError(t, h.ctrl.Open(ctx, "A"))
	_, err := h.ctrl.AddRule(ctx, Draft{Prefix: "1.1.1.1", ViaNode: "C"})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.SetDefaults(Defaults{EgressPeerID: "C"}))

	require.NoError(t, h.ctrl.Reload(ctx))
	require.Len(t, h.ctrl.Rules(), 1)
	assert.Equal(t, "B", h.ctrl.Rules()[0].ViaNode)
	assert.Equal(t, "B", h.ctrl.Defaults().EgressPeerID)
}

func TestControllerFailedSessionStartLeavesNoNodeOpen(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.ctrl.Open(ctx, "A"))

	h.startErr = errors.New("boom")
	require.Error(t, h.ctrl.Open(ctx, "B"))
	assert.True(t, h.sessions[0].stopped)
	assert.Equal(t, "", h.ctrl.NodeID())
	_, err := h.ctrl.Pick("C")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.ctrl.Diagnose(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.ctrl.Submit(ctx), ErrNoSession)
}
