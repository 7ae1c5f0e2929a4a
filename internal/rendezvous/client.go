// Package rendezvous implements the client side of the felund rendezvous
// protocol: presence registration, peer lookup over NAT boundaries, and an
// optional relay store for MAC-verified plaintext messages. The server
// stays external; this package only consumes its HTTP API. Circles are
// never named to the server: every request carries a truncated hash of
// the circle id instead.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/wire"
)

// Client tuning. The batch caps are fixed by the rendezvous protocol.
const (
	requestTimeout = 8 * time.Second
	maxResponse    = 1 << 20 // read cap on response bodies

	// RegisterTTL is the presence lifetime requested per registration,
	// in seconds. Re-registration every presence interval keeps it alive.
	RegisterTTL = 120

	// PeerLimit caps one peer lookup.
	PeerLimit = 50

	// PushBatch is the server's per-request message cap.
	PushBatch = 50

	// PullLimit caps one relay fetch.
	PullLimit = 200
)

// CircleHint pseudonymizes a circle id for the server. The server matches
// hints without ever learning circle ids.
func CircleHint(circleID string) string {
	return fcrypto.CircleHint(circleID)
}

// StatusError reports a non-2xx response. Callers branch on Code to tell
// an endpoint that lacks the relay extension (404) from one that is down.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rendezvous: %s %s returned HTTP %d", e.Method, e.Path, e.Code)
}

// Client talks to one rendezvous server.
type Client struct {
	base   string
	nodeID string
	hc     *http.Client
}

// NewClient builds a client for the given base URL (no trailing slash
// required) identifying itself as nodeID.
func NewClient(base, nodeID string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		nodeID: nodeID,
		hc:     &http.Client{Timeout: requestTimeout},
	}
}

// endpoint is one reachable address in a register body.
type endpoint struct {
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Family    string `json:"family"`
	NAT       string `json:"nat"`
}

type capabilities struct {
	Relay     bool     `json:"relay"`
	Transport []string `json:"transport"`
}

// PeerAddr is one lookup result: a node and its best TCP endpoint.
type PeerAddr struct {
	NodeID string
	Addr   string
}

// do sends one request and decodes the JSON response into target when the
// server returns a body. Every request carries the node header.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, target any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rendezvous: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}
	req.Header.Set("X-Felund-Node", c.nodeID)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return fmt.Errorf("rendezvous: read %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if target != nil && len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("rendezvous: decode %s response: %w", path, err)
		}
	}
	return nil
}

// Register announces this node's presence for one circle. listenAddr is
// the public host:port hint other members should dial.
func (c *Client) Register(ctx context.Context, circleID, listenAddr string) error {
	host, port, err := wire.ParseHostPort(listenAddr, 0)
	if err != nil || port == 0 {
		return fmt.Errorf("rendezvous: listen addr %q: %w", listenAddr, err)
	}
	family := "ipv4"
	if strings.Contains(host, ":") {
		family = "ipv6"
	}
	body := struct {
		NodeID       string       `json:"node_id"`
		CircleHint   string       `json:"circle_hint"`
		Endpoints    []endpoint   `json:"endpoints"`
		Capabilities capabilities `json:"capabilities"`
		TTLSeconds   int          `json:"ttl_s"`
	}{
		NodeID:     c.nodeID,
		CircleHint: CircleHint(circleID),
		Endpoints: []endpoint{
			{Transport: "tcp", Host: host, Port: port, Family: family, NAT: "unknown"},
		},
		Capabilities: capabilities{Relay: false, Transport: []string{"tcp"}},
		TTLSeconds:   RegisterTTL,
	}
	return c.do(ctx, http.MethodPost, "/v1/register", nil, body, nil)
}

// Unregister withdraws this node's presence for one circle.
func (c *Client) Unregister(ctx context.Context, circleID string) error {
	body := struct {
		NodeID     string `json:"node_id"`
		CircleHint string `json:"circle_hint"`
	}{NodeID: c.nodeID, CircleHint: CircleHint(circleID)}
	return c.do(ctx, http.MethodDelete, "/v1/register", nil, body, nil)
}

// Peers looks up registered members of a circle. The node's own entry and
// entries without a usable TCP endpoint are dropped.
func (c *Client) Peers(ctx context.Context, circleID string) ([]PeerAddr, error) {
	query := url.Values{
		"circle_hint": {CircleHint(circleID)},
		"limit":       {strconv.Itoa(PeerLimit)},
	}
	var resp struct {
		Peers []struct {
			NodeID    string     `json:"node_id"`
			Endpoints []endpoint `json:"endpoints"`
		} `json:"peers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/peers", query, nil, &resp); err != nil {
		return nil, err
	}
	var out []PeerAddr
	for _, p := range resp.Peers {
		if p.NodeID == "" || p.NodeID == c.nodeID {
			continue
		}
		for _, ep := range p.Endpoints {
			if ep.Transport != "tcp" {
				continue
			}
			host := strings.TrimSpace(ep.Host)
			if host == "" || ep.Port <= 0 {
				continue
			}
			out = append(out, PeerAddr{NodeID: p.NodeID, Addr: net.JoinHostPort(host, strconv.Itoa(ep.Port))})
			break
		}
	}
	return out, nil
}

// PushMessages stores one batch of plaintext messages (MACs attached) on
// the relay. At most PushBatch per call; the server reports how many were
// new to it.
func (c *Client) PushMessages(ctx context.Context, circleID string, msgs []state.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if len(msgs) > PushBatch {
		msgs = msgs[:PushBatch]
	}
	body := struct {
		CircleHint string          `json:"circle_hint"`
		Messages   []state.Message `json:"messages"`
	}{CircleHint: CircleHint(circleID), Messages: msgs}
	var resp struct {
		Stored int `json:"stored"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Stored, nil
}

// PullMessages fetches relay messages newer than since. The returned
// server time is the cursor for the next call.
func (c *Client) PullMessages(ctx context.Context, circleID string, since int64) ([]state.Message, int64, error) {
	query := url.Values{
		"circle_hint": {CircleHint(circleID)},
		"since":       {strconv.FormatInt(since, 10)},
		"limit":       {strconv.Itoa(PullLimit)},
	}
	var resp struct {
		Messages   []state.Message `json:"messages"`
		ServerTime int64           `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages", query, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Messages, resp.ServerTime, nil
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}
