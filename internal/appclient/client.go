// Package appclient talks to a running ridewatchd over its HTTP API.
package appclient

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

	"github.com/g960059/ridewatch/internal/api"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each short call. Sync is exempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a client for a daemon at addr, either "host:port" or a
// base URL.
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &Client{
		base:    strings.TrimRight(addr, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DaemonError is a non-2xx reply. Code is the daemon's error code, or
// HTTP_<status> when the body was not an error envelope.
type DaemonError struct {
	Status  int
	Code    string
	Message string
}

func (e *DaemonError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("http %d", e.Status)
	}
}

// Temporary reports whether repeating the call may succeed.
func (e *DaemonError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	return out, c.call(ctx, http.MethodGet, "/v1/health", nil, nil, &out, true)
}

func (c *Client) Status(ctx context.Context) (api.StatusEnvelope, error) {
	var out api.StatusEnvelope
	return out, c.call(ctx, http.MethodGet, "/v1/status", nil, nil, &out, true)
}

func (c *Client) Pending(ctx context.Context) (api.PendingEnvelope, error) {
	var out api.PendingEnvelope
	return out, c.call(ctx, http.MethodGet, "/v1/pending", nil, nil, &out, true)
}

func (c *Client) Stats(ctx context.Context, refresh bool) (api.StatsResponse, error) {
	var q url.Values
	if refresh {
		q = url.Values{"refresh": {"true"}}
	}
	var out api.StatsResponse
	return out, c.call(ctx, http.MethodGet, "/v1/stats", q, nil, &out, true)
}

func (c *Client) Retry(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPost, "/v1/pending/"+strconv.FormatInt(id, 10)+"/retry", nil, nil, nil, true)
}

func (c *Client) Discard(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, "/v1/pending/"+strconv.FormatInt(id, 10), nil, nil, nil, true)
}

// Sync asks the daemon for a replay pass. A pass can take longer than
// the per-call timeout, so only ctx bounds it.
func (c *Client) Sync(ctx context.Context) (api.SyncResponse, error) {
	var out api.SyncResponse
	return out, c.call(ctx, http.MethodPost, "/v1/sync", nil, nil, &out, false)
}

func (c *Client) PostLocation(ctx context.Context, req api.LocationRequest) (api.WriteResponse, error) {
	var out api.WriteResponse
	return out, c.call(ctx, http.MethodPost, "/v1/locations", nil, req, &out, true)
}

type WatchOptions struct {
	PollInterval time.Duration
	// MinBackoff and MaxBackoff bound the wait after a temporary failure.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(o.MinBackoff, 4*time.Second)
	}
	return o
}

// WatchStatus polls the daemon and hands each banner change to onChange.
// Temporary failures and transport errors back off and retry; other
// daemon errors and errors from onChange end the watch.
func (c *Client) WatchStatus(ctx context.Context, opts WatchOptions, onChange func(api.StatusEnvelope) error) error {
	opts = opts.withDefaults()
	var (
		seen bool
		last api.BannerResponse
		wait = opts.MinBackoff
	)
	for {
		st, err := c.Status(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var de *DaemonError
			if errors.As(err, &de) && !de.Temporary() {
				return err
			}
			if err := pause(ctx, wait); err != nil {
				return err
			}
			wait = min(2*wait, opts.MaxBackoff)
			continue
		case !seen || st.Banner != last:
			seen, last = true, st.Banner
			if err := onChange(st); err != nil {
				return err
			}
		}
		wait = opts.MinBackoff
		if err := pause(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
}

// call sends in as JSON and decodes a 2xx body into out. bounded applies
// the client timeout unless ctx already ends sooner.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, in, out any, bounded bool) error {
	if bounded && c.timeout > 0 {
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > c.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var env api.ErrorResponse
	if json.Unmarshal(data, &env) == nil && env.Error.Code != "" {
		return &DaemonError{Status: status, Code: env.Error.Code, Message: env.Error.Message}
	}
	return &DaemonError{
		Status:  status,
		Code:    "HTTP_" + strconv.Itoa(status),
		Message: strings.TrimSpace(string(data)),
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
