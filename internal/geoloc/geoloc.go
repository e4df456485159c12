// Package geoloc acquires device positions. Lookups are asynchronous and may
// never resolve; callers treat "still pending" exactly like "unavailable".
package geoloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"classlink/internal/clock"
	"classlink/internal/geo"
)

// DefaultTimeout bounds a single position request.
const DefaultTimeout = 15 * time.Second

// DefaultMaxAge is how long a resolved position stays fresh.
const DefaultMaxAge = 5 * time.Minute

// Code classifies position failures.
type Code string

const (
	CodePermissionDenied Code = "permission-denied"
	CodeUnavailable      Code = "position-unavailable"
	CodeTimeout          Code = "timeout"
	CodeUnknown          Code = "unknown"
)

// Error is a failed position lookup. It degrades to "location unavailable"
// behavior and never blocks the rest of the app.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "geoloc: " + string(e.Code)
	}
	return fmt.Sprintf("geoloc: %s: %s", e.Code, e.Msg)
}

// Provider returns the current position of a subject (a logged-in device).
type Provider interface {
	Current(ctx context.Context, subject string) (geo.Point, error)
}

// HTTPProvider calls the location service.
type HTTPProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTP creates a provider with the standard 15 second timeout.
func NewHTTP(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Current fetches the subject's last reported position.
func (p *HTTPProvider) Current(ctx context.Context, subject string) (geo.Point, error) {
	if subject == "" {
		return geo.Point{}, &Error{Code: CodeUnknown, Msg: "subject required"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.BaseURL+"/v1/positions/"+url.PathEscape(subject), nil)
	if err != nil {
		return geo.Point{}, &Error{Code: CodeUnknown, Msg: err.Error()}
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return geo.Point{}, &Error{Code: CodeTimeout, Msg: err.Error()}
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return geo.Point{}, &Error{Code: CodeTimeout, Msg: err.Error()}
		}
		return geo.Point{}, &Error{Code: CodeUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return geo.Point{}, &Error{Code: CodePermissionDenied}
	case resp.StatusCode == http.StatusNotFound:
		return geo.Point{}, &Error{Code: CodeUnavailable}
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return geo.Point{}, &Error{Code: CodeUnknown, Msg: fmt.Sprintf("%s: %s", resp.Status, body)}
	}

	var out geo.Point
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return geo.Point{}, &Error{Code: CodeUnknown, Msg: "decode response: " + err.Error()}
	}
	return out, nil
}

// Static always returns the same position or error. Used in dev mode and
// tests.
type Static struct {
	Point geo.Point
	Err   error
}

func (s Static) Current(context.Context, string) (geo.Point, error) {
	if s.Err != nil {
		return geo.Point{}, s.Err
	}
	return s.Point, nil
}

// Cached wraps a Provider with a per-subject freshness window, the analogue
// of the browser's maximumAge option.
type Cached struct {
	inner  Provider
	clk    clock.Clock
	maxAge time.Duration

	mu    sync.Mutex
	cache map[string]cachedPos
}

type cachedPos struct {
	p  geo.Point
	at time.Time
}

// NewCached wraps inner with the default 5 minute tolerance.
func NewCached(inner Provider, clk clock.Clock) *Cached {
	return &Cached{inner: inner, clk: clk, maxAge: DefaultMaxAge, cache: make(map[string]cachedPos)}
}

func (c *Cached) Current(ctx context.Context, subject string) (geo.Point, error) {
	c.mu.Lock()
	if hit, ok := c.cache[subject]; ok && c.clk.Now().Sub(hit.at) <= c.maxAge {
		c.mu.Unlock()
		return hit.p, nil
	}
	c.mu.Unlock()

	p, err := c.inner.Current(ctx, subject)
	if err != nil {
		return geo.Point{}, err
	}
	c.mu.Lock()
	c.cache[subject] = cachedPos{p: p, at: c.clk.Now()}
	c.mu.Unlock()
	return p, nil
}

// Resolver tracks in-flight lookups. Request starts one lookup per subject;
// Resolved returns nil while the lookup is pending or has failed, which
// callers treat as "not at school".
type Resolver struct {
	provider Provider
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]bool
	points  map[string]geo.Point
	errs    map[string]error
}

// NewResolver creates a resolver over provider.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{
		provider: provider,
		timeout:  DefaultTimeout,
		pending:  make(map[string]bool),
		points:   make(map[string]geo.Point),
		errs:     make(map[string]error),
	}
}

// Request starts an asynchronous lookup for subject unless one is already in
// flight. It returns immediately.
func (r *Resolver) Request(subject string) {
	r.mu.Lock()
	if r.pending[subject] {
		r.mu.Unlock()
		return
	}
	r.pending[subject] = true
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		p, err := r.provider.Current(ctx, subject)

		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.pending, subject)
		if err != nil {
			delete(r.points, subject)
			r.errs[subject] = err
			return
		}
		delete(r.errs, subject)
		r.points[subject] = p
	}()
}

// Resolved returns the subject's position, or nil while pending, failed or
// never requested.
func (r *Resolver) Resolved(subject string) *geo.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.points[subject]; ok {
		cp := p
		return &cp
	}
	return nil
}

// LastError returns the most recent failure for subject, if any.
func (r *Resolver) LastError(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[subject]
}
