package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/topology"
)

var (
	// ErrNoSession is returned when an operation needs an opened node.
	ErrNoSession = errors.New("no node session open")
	// ErrRuleIndex is returned when removing a rule position that does not exist.
	ErrRuleIndex = errors.New("rule index out of range")
	// ErrNotLoaded is returned by Submit until the node's policy has been read.
	ErrNotLoaded = errors.New("policy not loaded")
)

// API is the controller REST surface the policy editor needs.
type API interface {
	Policy(ctx context.Context, nodeID string) (model.Policy, error)
	RawPolicy(ctx context.Context, nodeID string) (json.RawMessage, error)
	SubmitPolicy(ctx context.Context, p model.Policy) error
}

// Session is the live status sync bound to the open node.
type Session interface {
	Stop()
	RefreshDiagnostics(ctx context.Context) (*model.DiagnosticResult, error)
}

// SessionFactory starts a session for a node. ctx bounds the session lifetime.
type SessionFactory func(ctx context.Context, nodeID string) (Session, error)

// Journal records rule edits locally. Purge drops the history of rules that
// are no longer part of the node's policy.
type Journal interface {
	Record(ctx context.Context, nodeID, op string, rule model.PolicyRule) error
	Purge(ctx context.Context, nodeID string, current []model.PolicyRule) (int64, error)
}

// MeshSource fetches the node list and link health.
type MeshSource interface {
	Mesh(ctx context.Context) (model.Mesh, error)
}

// Auditor records submissions to a shared audit trail.
type Auditor interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// Options wires a Controller. Only API is required.
type Options struct {
	API      API
	Sessions SessionFactory
	Journal  Journal
	Auditor  Auditor
	Metrics  *metrics.Metrics
	Mesh     MeshSource // re-read after every successful submit
	Actor    string
	Log      zerolog.Logger
}

// Defaults are the non-rule fields of a policy document.
type Defaults struct {
	EgressPeerID        string   `json:"egressPeerId"`
	DefaultRoute        bool     `json:"defaultRoute"`
	BypassCIDRs         []string `json:"bypassCidrs"`
	DefaultRouteNextHop string   `json:"defaultRouteNextHop,omitempty"`
}

// PathView is the live state of the map path editor.
type PathView struct {
	State     string        `json:"state"`
	Origin    string        `json:"origin"`
	Path      []string      `json:"path"`
	Confirmed []string      `json:"confirmed"`
	Degraded  []DegradedHop `json:"degraded"`
}

// Controller is the policy editing session for one node at a time: it loads
// the current policy, accumulates rule edits, drives the path selector and
// owns the node's status session.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	nodeID    string
	loaded    bool
	selector  *PathSelector
	confirmed []string
	rules     []model.PolicyRule
	defaults  Defaults
	mesh      model.Mesh
	index     *topology.LinkIndex
	session   Session
}

// NewController builds an idle controller.
func NewController(opts Options) *Controller {
	if opts.Actor == "" {
		opts.Actor = "console"
	}
	return &Controller{
		opts:     opts,
		log:      opts.Log.With().Str("component", "policy").Logger(),
		selector: NewPathSelector(),
		index:    topology.NewLinkIndex(nil),
	}
}

// Open switches the controller to nodeID: the previous session is stopped,
// the path editor is reset, a new status session is started and the current
// policy is loaded. ctx bounds the new session's lifetime.
func (c *Controller) Open(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node id required", ErrNoSession)
	}
	c.mu.Lock()
	c.stopSessionLocked()
	c.gen++
	gen := c.gen
	c.resetLocked("")
	if c.opts.Sessions != nil {
		s, err := c.opts.Sessions(ctx, nodeID)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("start session for %s: %w", nodeID, err)
		}
		c.session = s
	}
	c.resetLocked(nodeID)
	c.mu.Unlock()
	c.log.Info().Str("nodeId", nodeID).Msg("policy session opened")
	return c.load(ctx, gen, nodeID)
}

// Reload re-reads the policy of the open node, discarding local edits. It is
// also the way out after Open failed to read the policy.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	nodeID, gen := c.nodeID, c.gen
	c.mu.Unlock()
	if nodeID == "" {
		return ErrNoSession
	}
	return c.load(ctx, gen, nodeID)
}

func (c *Controller) load(ctx context.Context, gen uint64, nodeID string) error {
	p, err := c.opts.API.Policy(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("load policy for %s: %w", nodeID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// node changed while the request was in flight
		return nil
	}
	c.loaded = true
	c.rules = make([]model.PolicyRule, 0, len(p.PolicyRules))
	for _, r := range p.PolicyRules {
		c.rules = append(c.rules, r.Clone())
	}
	c.defaults = Defaults{
		EgressPeerID:        p.EgressPeerID,
		DefaultRoute:        p.DefaultRoute,
		BypassCIDRs:         append([]string{}, p.BypassCIDRs...),
		DefaultRouteNextHop: p.DefaultRouteNextHop,
	}
	return nil
}

// Close stops the status session and forgets the node.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSessionLocked()
	c.gen++
	if c.nodeID != "" {
		c.log.Info().Str("nodeId", c.nodeID).Msg("policy session closed")
	}
	c.resetLocked("")
}

func (c *Controller) resetLocked(nodeID string) {
	c.nodeID = nodeID
	c.loaded = false
	c.selector.Reset(nodeID)
	c.confirmed = nil
	c.rules = nil
	c.defaults = Defaults{}
}

func (c *Controller) stopSessionLocked() {
	if c.session != nil {
		c.session.Stop()
		c.session = nil
	}
}

// NodeID is the open node, empty when idle.
func (c *Controller) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// SetMesh replaces the topology snapshot used for map drawing and hop checks.
func (c *Controller) SetMesh(m model.Mesh) {
	idx := topology.NewLinkIndex(m.Links)
	c.mu.Lock()
	c.mesh = m
	c.index = idx
	c.mu.Unlock()
}

// Pick adds a hop to the path being drawn. Picking the origin is ignored.
func (c *Controller) Pick(nodeID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		return false, ErrNoSession
	}
	return c.selector.Pick(nodeID), nil
}

// ConfirmPath keeps the drawn path for the next rule and returns it.
func (c *Controller) ConfirmPath() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		return nil, ErrNoSession
	}
	c.confirmed = c.selector.Confirm()
	return append([]string(nil), c.confirmed...), nil
}

// CancelPath discards the path being drawn; an earlier confirmed path is kept.
func (c *Controller) CancelPath() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selector.Cancel()
}

// Path reports the path editor state including degraded hops.
func (c *Controller) Path() PathView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PathView{
		State:     c.selector.State().String(),
		Origin:    c.selector.Origin(),
		Path:      c.selector.Path(),
		Confirmed: append([]string{}, c.confirmed...),
		Degraded:  c.selector.Degraded(c.index),
	}
}

// DrawModel renders the current mesh with the open node marked and the path
// being drawn (or the confirmed one) highlighted.
func (c *Controller) DrawModel(plane topology.Plane) topology.DrawModel {
	c.mu.Lock()
	nodes := topology.MarkCurrent(c.mesh.Nodes, c.nodeID)
	links := c.mesh.Links
	highlight := c.selector.Highlight()
	if c.selector.State() == PathIdle && len(c.confirmed) > 0 {
		highlight = append([]string{c.nodeID}, c.confirmed...)
	}
	c.mu.Unlock()
	return topology.Render(plane, nodes, plane.Project(nodes), links, highlight)
}

// AddRule validates a draft against the confirmed path and appends the rule.
// The path editor is reset afterwards so the next rule starts clean.
func (c *Controller) AddRule(ctx context.Context, d Draft) (model.PolicyRule, error) {
	c.mu.Lock()
	if c.nodeID == "" {
		c.mu.Unlock()
		return model.PolicyRule{}, ErrNoSession
	}
	rule, err := BuildRule(d, c.confirmed)
	if err != nil {
		c.mu.Unlock()
		return model.PolicyRule{}, err
	}
	c.rules = append(c.rules, rule)
	c.confirmed = nil
	c.selector.Reset(c.nodeID)
	nodeID := c.nodeID
	c.mu.Unlock()
	c.journal(ctx, nodeID, "add", rule)
	return rule.Clone(), nil
}

// RemoveRule drops the rule at position i. No network call is made.
func (c *Controller) RemoveRule(ctx context.Context, i int) error {
	c.mu.Lock()
	if c.nodeID == "" {
		c.mu.Unlock()
		return ErrNoSession
	}
	if i < 0 || i >= len(c.rules) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrRuleIndex, i)
	}
	removed := c.rules[i]
	c.rules = append(c.rules[:i:i], c.rules[i+1:]...)
	nodeID := c.nodeID
	c.mu.Unlock()
	c.journal(ctx, nodeID, "remove", removed)
	return nil
}

// Rules returns a copy of the edited rule list.
func (c *Controller) Rules() []model.PolicyRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PolicyRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r.Clone())
	}
	return out
}

// Defaults returns the non-rule policy fields.
func (c *Controller) Defaults() Defaults {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.defaults
	d.BypassCIDRs = append([]string{}, d.BypassCIDRs...)
	return d
}

// SetDefaults replaces the non-rule policy fields.
func (c *Controller) SetDefaults(d Defaults) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		return ErrNoSession
	}
	d.BypassCIDRs = append([]string{}, d.BypassCIDRs...)
	c.defaults = d
	return nil
}

// Document assembles the full policy document for submission.
func (c *Controller) Document() (model.Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		return model.Policy{}, ErrNoSession
	}
	rules := make([]model.PolicyRule, 0, len(c.rules))
	for _, r := range c.rules {
		rules = append(rules, r.Clone())
	}
	return model.Policy{
		NodeID:              c.nodeID,
		EgressPeerID:        c.defaults.EgressPeerID,
		DefaultRoute:        c.defaults.DefaultRoute,
		BypassCIDRs:         append([]string{}, c.defaults.BypassCIDRs...),
		DefaultRouteNextHop: c.defaults.DefaultRouteNextHop,
		PolicyRules:         rules,
	}, nil
}

// Submit sends the full policy document. On failure the edited rules are kept
// so the operator can retry; on success the journal is pruned to the submitted
// rules and the mesh is reloaded.
func (c *Controller) Submit(ctx context.Context) error {
	doc, err := c.Document()
	if err != nil {
		return err
	}
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()
	if !loaded {
		return fmt.Errorf("%w for %s; reload before submitting", ErrNotLoaded, doc.NodeID)
	}
	err = c.opts.API.SubmitPolicy(ctx, doc)
	c.audit(ctx, doc, err)
	if err != nil {
		c.opts.Metrics.IncSubmission("error")
		c.log.Error().Err(err).Str("nodeId", doc.NodeID).Msg("policy submit failed")
		return fmt.Errorf("submit policy for %s: %w", doc.NodeID, err)
	}
	c.opts.Metrics.IncSubmission("ok")
	c.log.Info().Str("nodeId", doc.NodeID).Int("rules", len(doc.PolicyRules)).Msg("policy submitted")
	for _, r := range doc.PolicyRules {
		c.journal(ctx, doc.NodeID, "submit", r)
	}
	if c.opts.Journal != nil {
		if n, err := c.opts.Journal.Purge(ctx, doc.NodeID, doc.PolicyRules); err != nil {
			c.log.Warn().Err(err).Msg("journal purge failed")
		} else if n > 0 {
			c.log.Debug().Int64("ops", n).Str("nodeId", doc.NodeID).Msg("journal purged")
		}
	}
	c.reloadMesh(ctx)
	return nil
}

func (c *Controller) reloadMesh(ctx context.Context) {
	if c.opts.Mesh == nil {
		return
	}
	m, err := c.opts.Mesh.Mesh(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("node list reload failed")
		return
	}
	c.SetMesh(m)
	c.log.Info().Int("nodes", len(m.Nodes)).Msg("node list reloaded")
}

// RawPolicy fetches the unmodified server policy for debugging.
func (c *Controller) RawPolicy(ctx context.Context) (json.RawMessage, error) {
	nodeID := c.NodeID()
	if nodeID == "" {
		return nil, ErrNoSession
	}
	return c.opts.API.RawPolicy(ctx, nodeID)
}

// Diagnose asks the node for fresh diagnostics and returns the latest result.
func (c *Controller) Diagnose(ctx context.Context) (*model.DiagnosticResult, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNoSession
	}
	return s.RefreshDiagnostics(ctx)
}

func (c *Controller) journal(ctx context.Context, nodeID, op string, rule model.PolicyRule) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.Record(ctx, nodeID, op, rule); err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("journal record failed")
	}
}

func (c *Controller) audit(ctx context.Context, doc model.Policy, submitErr error) {
	if c.opts.Auditor == nil {
		return
	}
	entry := model.AuditEntry{
		Actor:     c.opts.Actor,
		Action:    "policy_submit",
		Target:    doc.NodeID,
		Detail:    fmt.Sprintf("%d rules, egress=%s", len(doc.PolicyRules), doc.EgressPeerID),
		Timestamp: time.Now(),
	}
	if submitErr != nil {
		entry.Action = "policy_submit_failed"
		entry.Detail = submitErr.Error()
	}
	if err := c.opts.Auditor.Record(ctx, entry); err != nil {
		c.log.Warn().Err(err).Msg("audit record failed")
	}
}
