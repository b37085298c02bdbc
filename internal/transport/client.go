package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/wire"
)

// DefaultTimeout bounds a request when the caller's context has no
// deadline.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// ErrBadEndpoint is returned for an endpoint that is not an absolute URL.
var ErrBadEndpoint = errors.New("endpoint must be an absolute http(s) URL")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to fedlog instances over HTTP.
type Client struct {
	http      *http.Client
	dialer    *websocket.Dialer
	readLimit int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithReadLimit caps the size of one stream message. Larger frames fail
// Recv with websocket.ErrReadLimit.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		c.readLimit = n
	}
}

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		readLimit: maxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register implements syncer.Client.
func (c *Client) Register(ctx context.Context, endpoint string, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	var resp wire.RegisterResponse
	err := c.do(ctx, http.MethodPost, endpoint, wire.PathRegister, nil, req, &resp)
	return resp, err
}

// PushEvents implements syncer.Client.
func (c *Client) PushEvents(ctx context.Context, endpoint string, req wire.PushRequest) (wire.PushResponse, error) {
	var resp wire.PushResponse
	err := c.do(ctx, http.MethodPost, endpoint, wire.PathEvents, nil, req, &resp)
	return resp, err
}

// PullEvents implements syncer.Client.
func (c *Client) PullEvents(ctx context.Context, endpoint string, req wire.PullRequest) (wire.PullResponse, error) {
	q := url.Values{}
	q.Set("since_seq", strconv.FormatInt(req.SinceSeq, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var resp wire.PullResponse
	err := c.do(ctx, http.MethodGet, endpoint, wire.PathEvents, q, nil, &resp)
	return resp, err
}

// GetIdentity implements syncer.Client.
func (c *Client) GetIdentity(ctx context.Context, endpoint string) (wire.IdentityResponse, error) {
	var resp wire.IdentityResponse
	err := c.do(ctx, http.MethodGet, endpoint, wire.PathIdentity, nil, nil, &resp)
	return resp, err
}

// GetStatus fetches GetFederationStatus.
func (c *Client) GetStatus(ctx context.Context, endpoint string) (wire.StatusResponse, error) {
	var resp wire.StatusResponse
	err := c.do(ctx, http.MethodGet, endpoint, wire.PathStatus, nil, nil, &resp)
	return resp, err
}

// AppendLocal appends payload on the instance at endpoint. Only
// loopback callers are served.
func (c *Client) AppendLocal(ctx context.Context, endpoint string, payload ir.Payload) (ir.Event, error) {
	var ev ir.Event
	err := c.do(ctx, http.MethodPost, endpoint, wire.PathLocalEvents, nil, wire.LocalAppendRequest{Payload: payload}, &ev)
	return ev, err
}

// AddPeer asks the instance at endpoint to register with peer.
func (c *Client) AddPeer(ctx context.Context, endpoint, peer string) (wire.AddPeerResponse, error) {
	var resp wire.AddPeerResponse
	err := c.do(ctx, http.MethodPost, endpoint, wire.PathLocalPeers, nil, wire.AddPeerRequest{Endpoint: peer}, &resp)
	return resp, err
}

// ListPeers returns every peer record of the instance at endpoint.
func (c *Client) ListPeers(ctx context.Context, endpoint string) ([]ir.Peer, error) {
	var resp wire.PeerList
	err := c.do(ctx, http.MethodGet, endpoint, wire.PathLocalPeers, nil, nil, &resp)
	return resp.Peers, err
}

// RemovePeer deletes a peer on the instance at endpoint.
func (c *Client) RemovePeer(ctx context.Context, endpoint string, key ir.PublicKey) error {
	return c.do(ctx, http.MethodDelete, endpoint, wire.PathLocalPeers+"/"+key.Hex(), nil, nil, nil)
}

// do sends one JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, endpoint, path string, query url.Values, in, out any) error {
	u, err := resolve(endpoint, path, query)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er wire.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			se.Code = er.Code
			se.Message = er.Error
		}
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// resolve joins endpoint and path.
func resolve(endpoint, path string, query url.Values) (string, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, ErrBadEndpoint)
	}
	base.Path += path
	if query != nil {
		base.RawQuery = query.Encode()
	}
	return base.String(), nil
}
