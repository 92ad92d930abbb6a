package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sync"

	"github.com/g960059/ridewatch/internal/logging"
)

// Namespace is what the SDK exposes once initialized.
type Namespace struct {
	Version      string   `json:"version"`
	Libraries    []string `json:"libraries"`
	Constructors []string `json:"constructors"`
}

// Has reports whether the SDK provides the named constructor.
func (n *Namespace) Has(constructor string) bool {
	return n != nil && slices.Contains(n.Constructors, constructor)
}

// ScriptEvents receives the outcome of an injected script. OnLoad fires
// once the script downloaded and ran, whether or not it called back.
type ScriptEvents struct {
	OnLoad  func()
	OnError func(error)
}

// Host is the global scope scripts are loaded into.
type Host interface {
	// HasScript reports whether a script for resource was already added,
	// ignoring the callback parameter.
	HasScript(resource string) bool
	// InjectScript adds a script and returns immediately.
	InjectScript(ctx context.Context, src string, ev ScriptEvents)
	// RemoveScript drops the script for resource after its download
	// failed, so a later attempt can add it again.
	RemoveScript(resource string)
	RegisterCallback(name string, fn func(*Namespace))
	UnregisterCallback(name string)
	// Namespace returns the SDK namespace once a script has defined it.
	Namespace() (*Namespace, bool)
}

// HTTPHost downloads scripts over HTTP. A script body of the form
// name({...}) defines the namespace from the JSON argument and invokes
// the callback registered under name.
type HTTPHost struct {
	client *http.Client
	log    *slog.Logger

	mu        sync.Mutex
	scripts   map[string]string
	callbacks map[string]func(*Namespace)
	ns        *Namespace
}

func NewHTTPHost(client *http.Client, logger *slog.Logger) *HTTPHost {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHost{
		client:    client,
		log:       logging.OrDiscard(logger),
		scripts:   map[string]string{},
		callbacks: map[string]func(*Namespace){},
	}
}

func (h *HTTPHost) HasScript(resource string) bool {
	key := stripCallback(resource)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.scripts[key]
	return ok
}

// Scripts returns the sources of every injected script.
func (h *HTTPHost) Scripts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.scripts))
	for _, src := range h.scripts {
		out = append(out, src)
	}
	return out
}

func (h *HTTPHost) InjectScript(ctx context.Context, src string, ev ScriptEvents) {
	h.mu.Lock()
	h.scripts[stripCallback(src)] = src
	h.mu.Unlock()

	go func() {
		body, err := h.download(ctx, src)
		if err != nil {
			h.log.Debug("script download failed", "error", err)
			if ev.OnError != nil {
				ev.OnError(err)
			}
			return
		}
		h.execute(body)
		if ev.OnLoad != nil {
			ev.OnLoad()
		}
	}()
}

func (h *HTTPHost) RemoveScript(resource string) {
	h.mu.Lock()
	delete(h.scripts, stripCallback(resource))
	h.mu.Unlock()
}

func (h *HTTPHost) download(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", stripCallback(src), resp.StatusCode)
	}
	return body, nil
}

var invocation = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*)\s*\((\{[\s\S]*\})\)\s*;?\s*$`)

func (h *HTTPHost) execute(body []byte) {
	m := invocation.FindSubmatch(bytes.TrimSpace(body))
	if m == nil {
		return
	}
	var ns Namespace
	if err := json.Unmarshal(m[2], &ns); err != nil {
		h.log.Debug("script payload not understood", "error", err)
		return
	}
	h.mu.Lock()
	h.ns = &ns
	fn := h.callbacks[string(m[1])]
	h.mu.Unlock()
	if fn != nil {
		fn(&ns)
	}
}

func (h *HTTPHost) RegisterCallback(name string, fn func(*Namespace)) {
	h.mu.Lock()
	h.callbacks[name] = fn
	h.mu.Unlock()
}

func (h *HTTPHost) UnregisterCallback(name string) {
	h.mu.Lock()
	delete(h.callbacks, name)
	h.mu.Unlock()
}

// Callbacks lists the registered callback names.
func (h *HTTPHost) Callbacks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.callbacks))
	for name := range h.callbacks {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (h *HTTPHost) Namespace() (*Namespace, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ns, h.ns != nil
}

func stripCallback(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return src
	}
	q := u.Query()
	q.Del("callback")
	u.RawQuery = q.Encode()
	return u.String()
}
