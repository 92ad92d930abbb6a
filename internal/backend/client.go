// Package backend is the HTTP client for the hosted row store: table
// CRUD and RPC under /rest/v1 and sessions under /auth/v1.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	unaryTimeout time.Duration

	mu          sync.RWMutex
	accessToken string
}

func New(baseURL, apiKey string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := &Client{
		baseURL:      c.baseURL,
		apiKey:       c.apiKey,
		client:       c.client,
		unaryTimeout: timeout,
		accessToken:  c.AccessToken(),
	}
	return clone
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAccessToken switches requests from the anonymous key to a user session.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Query is a row filter in the backend's query-string dialect.
type Query struct {
	Select string
	Eq     map[string]string
	Order  string
	Limit  int
	Offset int
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Select != "" {
		v.Set("select", q.Select)
	}
	for _, col := range sortedKeys(q.Eq) {
		v.Set(col, "eq."+q.Eq[col])
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

type WriteOptions struct {
	IdempotencyKey string
}

// Select returns the matching rows as a JSON array.
func (c *Client) Select(ctx context.Context, table string, q Query) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(table), q.values(), nil, nil)
}

// Insert creates row (an object or an array of objects) and returns the
// stored representation.
func (c *Client) Insert(ctx context.Context, table string, row any, opts WriteOptions) (json.RawMessage, error) {
	return c.request(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table), nil, row, writeHeaders(opts))
}

func (c *Client) Update(ctx context.Context, table string, eq map[string]string, patch any, opts WriteOptions) (json.RawMessage, error) {
	if len(eq) == 0 {
		return nil, fmt.Errorf("update %s: refusing unfiltered update", table)
	}
	return c.request(ctx, http.MethodPatch, "/rest/v1/"+url.PathEscape(table), Query{Eq: eq}.values(), patch, writeHeaders(opts))
}

func (c *Client) Delete(ctx context.Context, table string, eq map[string]string, opts WriteOptions) error {
	if len(eq) == 0 {
		return fmt.Errorf("delete %s: refusing unfiltered delete", table)
	}
	_, err := c.request(ctx, http.MethodDelete, "/rest/v1/"+url.PathEscape(table), Query{Eq: eq}.values(), nil, writeHeaders(opts))
	return err
}

// RPC calls a stored function with named arguments.
func (c *Client) RPC(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.request(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), nil, args, nil)
}

// Functions lists the stored functions the API exposes, read from the
// OpenAPI description served at the REST root. Nothing is called.
func (c *Client) Functions(ctx context.Context) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/rest/v1/", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode api description: %w", err)
	}
	var fns []string
	for p := range doc.Paths {
		if name, ok := strings.CutPrefix(p, "/rpc/"); ok && name != "" {
			fns = append(fns, name)
		}
	}
	sort.Strings(fns)
	return fns, nil
}

// SelectInto decodes the rows of a Select into T.
func SelectInto[T any](ctx context.Context, c *Client, table string, q Query) ([]T, error) {
	body, err := c.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", table, err)
	}
	return rows, nil
}

func writeHeaders(opts WriteOptions) http.Header {
	h := http.Header{}
	h.Set("Prefer", "return=representation")
	if opts.IdempotencyKey != "" {
		h.Set("Idempotency-Key", opts.IdempotencyKey)
	}
	return h
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, payload)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage("null"), nil
	}
	return payload, nil
}

func (c *Client) bearer() string {
	if token := c.AccessToken(); token != "" {
		return token
	}
	return c.apiKey
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
