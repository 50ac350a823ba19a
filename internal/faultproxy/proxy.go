// Package faultproxy puts a man-in-the-middle HTTP proxy in front of a
// service so tests can corrupt what clients observe without touching the
// service itself.
//
// Every request runs through the registered rules twice: request hooks before
// forwarding, where a rule may rewrite the request or drop it so the upstream
// never sees it, and response hooks after the upstream answered, where a rule
// may rewrite the response or drop it so the client never learns the outcome.
package faultproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-taler-harness/internal/metrics"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("proxy closed")

// hopHeaders are meaningful for a single connection only.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configure a Proxy.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// ListenPort is the local port; 0 picks a free one.
	ListenPort int
	Upstream   *url.URL
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Proxy forwards HTTP requests to an upstream, applying fault rules.
type Proxy struct {
	name     string
	upstream *url.URL
	logger   *slog.Logger
	metrics  *metrics.Collector
	client   *http.Client

	mu     sync.Mutex
	rules  []Rule
	port   int
	ln     net.Listener
	srv    *http.Server
	closed bool

	requests         atomic.Int64
	droppedRequests  atomic.Int64
	droppedResponses atomic.Int64
	upstreamErrors   atomic.Int64

	digestMu sync.Mutex // TDigest is not thread-safe
	digest   *tdigest.TDigest
	samples  int64
}

// New returns a proxy for opts.Upstream. It does not listen until Start.
func New(opts Options) (*Proxy, error) {
	if opts.Upstream == nil {
		return nil, errors.New("faultproxy: upstream URL is required")
	}
	if opts.ListenPort < 0 || opts.ListenPort > 65535 {
		return nil, fmt.Errorf("faultproxy: invalid listen port %d", opts.ListenPort)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = opts.Upstream.Host
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Bodies pass through byte for byte.
	transport.DisableCompression = true

	return &Proxy{
		name:     name,
		upstream: opts.Upstream,
		logger:   logger.With("proxy", name),
		metrics:  opts.Metrics,
		// No Timeout: long polls are held open for as long as the upstream holds them.
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		port:   opts.ListenPort,
		digest: tdigest.NewWithCompression(100),
	}, nil
}

// Start binds the listen port and serves in the background.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port)))
	if err != nil {
		return fmt.Errorf("proxy %s: listen: %w", p.name, err)
	}
	p.ln = ln
	p.port = ln.Addr().(*net.TCPAddr).Port
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy_serve_failed", "error", err)
		}
	}(p.srv, ln)

	p.logger.Info("proxy_started",
		"listen", ln.Addr().String(),
		"upstream", p.upstream.String(),
	)
	return nil
}

// Port returns the local port; after Start it is the bound one.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// BaseURL is the proxy's URL, mirroring the upstream's path.
func (p *Proxy) BaseURL() string {
	path := p.upstream.Path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return fmt.Sprintf("http://localhost:%d%s", p.Port(), path)
}

// AddFault appends r to the rules. It applies from the next request on.
func (p *Proxy) AddFault(r Rule) {
	p.mu.Lock()
	p.rules = append(p.rules, r)
	p.mu.Unlock()
}

// ClearAllFaults removes every rule.
func (p *Proxy) ClearAllFaults() {
	p.mu.Lock()
	p.rules = nil
	p.mu.Unlock()
}

func (p *Proxy) snapshot() []Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.rules)
}

// Close detaches the rules and closes the listener and every open
// connection. Close is idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.rules = nil
	srv := p.srv
	p.mu.Unlock()

	p.client.CloseIdleConnections()
	if srv == nil {
		return nil
	}
	err := srv.Close()
	p.logger.Info("proxy_closed")
	return err
}

// ServeHTTP runs one request through the rule pipeline.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	p.metrics.ProxyRequest(p.name)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.logger.Debug("proxy_read_request_failed", "error", err)
		dropConnection(w)
		return
	}

	reqCtx := &RequestContext{
		URL:    p.upstreamURL(r.URL),
		Method: r.Method,
		Header: r.Header.Clone(),
		Body:   body,
	}
	rules := p.snapshot()

	for _, rule := range rules {
		rule.ModifyRequest(reqCtx)
	}
	if reqCtx.DropRequest {
		p.droppedRequests.Add(1)
		p.metrics.ProxyDroppedRequest(p.name)
		p.logger.Info("proxy_dropped_request", "method", reqCtx.Method, "path", reqCtx.URL.Path)
		dropConnection(w)
		return
	}

	respCtx, err := p.forward(r.Context(), reqCtx)
	if err != nil {
		p.upstreamErrors.Add(1)
		p.metrics.ProxyUpstreamError(p.name)
		p.logger.Warn("proxy_upstream_failed",
			"method", reqCtx.Method,
			"url", reqCtx.URL.String(),
			"error", err,
		)
		dropConnection(w)
		return
	}

	for _, rule := range rules {
		rule.ModifyResponse(respCtx)
	}
	if respCtx.DropResponse {
		p.droppedResponses.Add(1)
		p.metrics.ProxyDroppedResponse(p.name)
		p.logger.Info("proxy_dropped_response",
			"method", reqCtx.Method,
			"path", reqCtx.URL.Path,
			"upstream_status", respCtx.StatusCode,
		)
		dropConnection(w)
		return
	}

	h := w.Header()
	for k, vs := range respCtx.Header {
		h[k] = vs
	}
	h.Del("Content-Length")
	removeHopHeaders(h)
	h.Set("Content-Length", strconv.Itoa(len(respCtx.Body)))
	w.WriteHeader(respCtx.StatusCode)
	w.Write(respCtx.Body)
}

// upstreamURL maps a request URL onto the upstream.
func (p *Proxy) upstreamURL(in *url.URL) *url.URL {
	u := *p.upstream
	u.Path = strings.TrimSuffix(p.upstream.Path, "/") + in.Path
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

// forward sends the request to the upstream and reads the whole response.
func (p *Proxy) forward(ctx context.Context, reqCtx *RequestContext) (*ResponseContext, error) {
	req, err := http.NewRequestWithContext(ctx, reqCtx.Method, reqCtx.URL.String(), bytes.NewReader(reqCtx.Body))
	if err != nil {
		return nil, err
	}
	req.Header = reqCtx.Header.Clone()
	removeHopHeaders(req.Header)
	req.Header.Del("Content-Length")
	req.ContentLength = int64(len(reqCtx.Body))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	p.observeLatency(time.Since(start))

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &ResponseContext{
		Request:    reqCtx,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func (p *Proxy) observeLatency(d time.Duration) {
	p.metrics.ProxyUpstreamLatency(p.name, d)
	p.digestMu.Lock()
	p.digest.Add(float64(d.Nanoseconds()), 1)
	p.samples++
	p.digestMu.Unlock()
}

func removeHopHeaders(h http.Header) {
	for _, k := range strings.Split(h.Get("Connection"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			h.Del(k)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// dropConnection closes the client connection without writing a byte.
func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	// Unwinds the handler and makes the server close the connection.
	panic(http.ErrAbortHandler)
}
