package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"peer-wan-console/pkg/auth"
	"peer-wan-console/pkg/model"
)

// ErrUnauthorized signals that the bearer credential was rejected or has
// expired. Callers must re-authenticate; the client never retries it.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx, non-401 controller response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %d", e.Path, e.Code)
	}
	return fmt.Sprintf("%s %d %s", e.Path, e.Code, e.Body)
}

// Options configures a Client. BaseURL and Token are passed explicitly to
// every request; nothing is read from the environment.
type Options struct {
	BaseURL string
	Token   string
	TLS     *tls.Config
	Timeout time.Duration
	Now     func() time.Time
}

// Client talks to the peer-wan controller REST and WebSocket API.
type Client struct {
	base   string
	token  string
	claims *auth.Claims
	http   *http.Client
	tls    *tls.Config
	now    func() time.Time
	log    zerolog.Logger
}

// New validates the base URL and prepares an HTTP client.
func New(opts Options, log zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid controller base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		transport.TLSClientConfig = opts.TLS
	}
	c := &Client{
		base:  base,
		token: opts.Token,
		http:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		tls:   opts.TLS,
		now:   opts.Now,
		log:   log.With().Str("component", "client").Logger(),
	}
	if claims, err := auth.Inspect(opts.Token); err == nil {
		c.claims = claims
		c.log.Debug().Str("user", claims.Username).Msg("bearer token decoded")
	}
	return c, nil
}

// Identity returns the decoded bearer claims when the token is a JWT.
func (c *Client) Identity() (*auth.Claims, bool) {
	return c.claims, c.claims != nil
}

// Mesh fetches the node and link snapshot.
func (c *Client) Mesh(ctx context.Context) (model.Mesh, error) {
	var m model.Mesh
	err := c.getJSON(ctx, "/api/v1/status/mesh", &m)
	return m, err
}

// Policy fetches the current policy of a node.
func (c *Client) Policy(ctx context.Context, nodeID string) (model.Policy, error) {
	var p model.Policy
	if err := c.getJSON(ctx, "/api/v1/policy?nodeId="+url.QueryEscape(nodeID), &p); err != nil {
		return p, err
	}
	p.NodeID = nodeID
	return p, nil
}

// RawPolicy fetches the policy response body untouched.
func (c *Client) RawPolicy(ctx context.Context, nodeID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.getJSON(ctx, "/api/v1/policy?nodeId="+url.QueryEscape(nodeID), &raw)
	return raw, err
}

// SubmitPolicy writes the full policy document.
func (c *Client) SubmitPolicy(ctx context.Context, p model.Policy) error {
	if p.NodeID == "" {
		return fmt.Errorf("policy node id is required")
	}
	return c.postJSON(ctx, "/api/v1/policy", p, nil)
}

// InstallLogs fetches install/apply status entries, oldest first.
func (c *Client) InstallLogs(ctx context.Context, nodeID string, limit int) ([]model.InstallLogEntry, error) {
	var items []model.InstallLogEntry
	err := c.getItems(ctx, "/api/v1/policy/status?nodeId="+url.QueryEscape(nodeID)+"&limit="+strconv.Itoa(limit), &items)
	return items, err
}

// Tasks fetches the task timeline of a node.
func (c *Client) Tasks(ctx context.Context, nodeID string) ([]model.Task, error) {
	var items []model.Task
	err := c.getItems(ctx, "/api/v1/tasks?nodeId="+url.QueryEscape(nodeID), &items)
	return items, err
}

// SendCommand dispatches an agent command such as "diag".
func (c *Client) SendCommand(ctx context.Context, nodeID, action string) error {
	body := map[string]string{"nodeId": nodeID, "action": action}
	return c.postJSON(ctx, "/api/v1/policy/command", body, nil)
}

// Diagnostics fetches diagnostic results; the latest is the last element.
func (c *Client) Diagnostics(ctx context.Context, nodeID string, limit int) ([]model.DiagnosticResult, error) {
	var items []model.DiagnosticResult
	err := c.getItems(ctx, "/api/v1/policy/diag?nodeId="+url.QueryEscape(nodeID)+"&limit="+strconv.Itoa(limit), &items)
	return items, err
}

// getItems accepts both a bare array and an {"items": [...]} envelope.
func (c *Client) getItems(ctx context.Context, path string, out any) error {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var env struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if len(env.Items) == 0 || string(env.Items) == "null" {
		return nil
	}
	return json.Unmarshal(env.Items, out)
}

func (c *Client) authorize(h http.Header, path string) error {
	if c.token == "" {
		return nil
	}
	if c.claims != nil {
		if err := c.claims.Check(c.now()); err != nil {
			return fmt.Errorf("%s: %w", path, ErrUnauthorized)
		}
	}
	h.Set("Authorization", "Bearer "+c.token)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req.Header, path); err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Path: path, Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
