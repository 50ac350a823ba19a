package faultproxy

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

// RequestContext is the mutable view of a request on its way upstream.
type RequestContext struct {
	// URL is the resolved upstream URL.
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte

	// DropRequest closes the client connection before anything is forwarded.
	DropRequest bool
}

// ResponseContext is the mutable view of an upstream response.
type ResponseContext struct {
	Request    *RequestContext
	StatusCode int
	Header     http.Header
	Body       []byte

	// DropResponse closes the client connection instead of replying. The
	// upstream has already processed the request.
	DropResponse bool
}

// Rule is a fault registered with a Proxy. Both hooks run for every request,
// in registration order.
type Rule interface {
	ModifyRequest(*RequestContext)
	ModifyResponse(*ResponseContext)
}

// RuleFuncs adapts optional closures to Rule.
type RuleFuncs struct {
	Request  func(*RequestContext)
	Response func(*ResponseContext)
}

func (f RuleFuncs) ModifyRequest(ctx *RequestContext) {
	if f.Request != nil {
		f.Request(ctx)
	}
}

func (f RuleFuncs) ModifyResponse(ctx *ResponseContext) {
	if f.Response != nil {
		f.Response(ctx)
	}
}

// matchPath reports whether a rule restricted to path applies to ctx.
// The empty path matches everything.
func matchPath(path string, ctx *RequestContext) bool {
	return path == "" || ctx.URL.Path == path
}

// counter counts the matches a limited rule consumed.
type counter struct {
	mu sync.Mutex
	n  int
}

// take consumes one match and reports whether the limit allowed it. A limit
// of 0 or less is unlimited.
func (c *counter) take(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.n >= limit {
		return false
	}
	c.n++
	return true
}

// Dropped returns how many requests or responses the rule dropped so far.
func (c *counter) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// DropResponses drops the responses to requests for Path after the upstream
// answered, at most Limit times. Use it through a pointer.
type DropResponses struct {
	Path  string
	Limit int

	counter
}

func (r *DropResponses) ModifyRequest(*RequestContext) {}

func (r *DropResponses) ModifyResponse(ctx *ResponseContext) {
	if matchPath(r.Path, ctx.Request) && r.take(r.Limit) {
		ctx.DropResponse = true
	}
}

// DropRequests drops requests for Path before they reach the upstream, at
// most Limit times. Use it through a pointer.
type DropRequests struct {
	Path  string
	Limit int

	counter
}

func (r *DropRequests) ModifyRequest(ctx *RequestContext) {
	if matchPath(r.Path, ctx) && r.take(r.Limit) {
		ctx.DropRequest = true
	}
}

func (r *DropRequests) ModifyResponse(*ResponseContext) {}

// ReplaceResponseBody replaces the body of every response for Path. A
// non-zero Status replaces the status code as well.
type ReplaceResponseBody struct {
	Path   string
	Body   []byte
	Status int
}

func (r ReplaceResponseBody) ModifyRequest(*RequestContext) {}

func (r ReplaceResponseBody) ModifyResponse(ctx *ResponseContext) {
	if !matchPath(r.Path, ctx.Request) {
		return
	}
	ctx.Body = append([]byte(nil), r.Body...)
	if r.Status != 0 {
		ctx.StatusCode = r.Status
	}
}

// LogRule logs every request and response passing the proxy without
// changing them.
type LogRule struct {
	Logger *slog.Logger
}

func (r LogRule) ModifyRequest(ctx *RequestContext) {
	r.Logger.Debug("proxy_request",
		"method", ctx.Method,
		"url", ctx.URL.String(),
		"body_bytes", len(ctx.Body),
	)
}

func (r LogRule) ModifyResponse(ctx *ResponseContext) {
	r.Logger.Debug("proxy_response",
		"method", ctx.Request.Method,
		"url", ctx.Request.URL.String(),
		"status", ctx.StatusCode,
		"body_bytes", len(ctx.Body),
	)
}
