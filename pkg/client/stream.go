package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// LogStream is a push connection delivering raw log tail messages.
// *websocket.Conn satisfies it.
type LogStream interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialLogs opens the log tail WebSocket for a node. Each server message is
// expected to be {"lines": [...]}; parsing is left to the consumer.
func (c *Client) DialLogs(ctx context.Context, nodeID string) (LogStream, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	u.Path = "/api/v1/ws/logs"
	q := u.Query()
	q.Set("nodeId", nodeID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if err := c.authorize(header, u.Path); err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = c.tls
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%s: %w", u.Path, ErrUnauthorized)
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("ws dial %s (status=%d): %w", u.Path, status, err)
	}
	c.log.Debug().Str("nodeId", nodeID).Msg("log tail connected")
	return conn, nil
}
