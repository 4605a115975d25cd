// Package upstream adapts the gateway to the internal application service.
// It owns the pooled transport, the per-call timeout, and the translation of
// transport failures into gateway-level outcomes. A forwarded request gets
// exactly one upstream attempt: there is no retry policy, so a client
// request never amplifies against a struggling upstream.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"bastion/internal/router"
)

// FailureKind classifies a forwarding failure. The kind doubles as the
// stable error code in the client-visible body.
type FailureKind string

const (
	FailureUnreachable FailureKind = "upstream_unreachable"
	FailureTimeout     FailureKind = "upstream_timeout"
	FailureMalformed   FailureKind = "upstream_malformed"

	// FailureClientClosed marks a forward aborted because the client went
	// away, not because the upstream misbehaved. The translated response
	// goes to a dead connection; the kind exists so logs and metrics do
	// not blame the upstream for a client-side abort.
	FailureClientClosed FailureKind = "client_closed"
)

// Failure is a transport-level forwarding failure, translated at this
// boundary so raw transport errors never reach the client.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// StatusCode maps the failure to the client-visible status.
func (f *Failure) StatusCode() int {
	if f.Kind == FailureTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Message is the human-readable half of the client-visible body. It carries
// no connection detail.
func (f *Failure) Message() string {
	switch f.Kind {
	case FailureTimeout:
		return "upstream service did not respond in time"
	case FailureMalformed:
		return "upstream service returned an unrelayable response"
	case FailureClientClosed:
		return "client closed the connection"
	default:
		return "upstream service is unreachable"
	}
}

// Classify translates a transport error into a typed failure.
func Classify(err error) *Failure {
	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: FailureClientClosed, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: FailureTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Failure{Kind: FailureUnreachable, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Failure{Kind: FailureUnreachable, Err: err}
	}
	// The upstream accepted the connection but the response could not be
	// relayed verbatim (truncated headers, garbage status line, early close).
	return &Failure{Kind: FailureMalformed, Err: err}
}

// Config fixes the adapter's transport policy at process start.
type Config struct {
	// Timeout bounds every forwarded call, connect included.
	Timeout time.Duration
	// MaxConns is the connection pool ceiling per upstream host. A request
	// that cannot acquire a connection inside Timeout surfaces as a timeout
	// failure; the pool never grows past the ceiling.
	MaxConns int
	// MaxIdleConns bounds the idle connections kept for reuse.
	MaxIdleConns int
	// IdleTimeout closes idle pooled connections after this long.
	IdleTimeout time.Duration
}

// Client issues forwarding calls to the internal application service.
type Client struct {
	transport *http.Transport
	timeout   time.Duration
	maxConns  int

	// Throttles Error-level failure logging so an upstream outage under
	// load does not flood the log. Suppressed entries still log at Debug.
	errLog *rate.Limiter
}

// NewClient builds the adapter with its pooled transport.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 64
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 16
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleTimeout,
	}

	return &Client{
		transport: transport,
		timeout:   cfg.Timeout,
		maxConns:  cfg.MaxConns,
		errLog:    rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Timeout returns the fixed per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Detail describes the adapter for the local health verdict.
func (c *Client) Detail() string {
	return fmt.Sprintf("pool ceiling %d, call timeout %s", c.maxConns, c.timeout)
}

// Forward relays the request to the matched target and writes the upstream
// response, or the translated failure, to w. The returned failure is nil
// when the upstream response was relayed, whatever its status code. The
// forwarded call shares the inbound request context, so a client disconnect
// cancels the in-flight upstream call; the per-call timeout bounds it
// otherwise.
func (c *Client) Forward(w http.ResponseWriter, r *http.Request, m router.Match, clientIP, requestID string) *Failure {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	targetURL := m.Rule.Target.URL()
	inboundHost := r.Host
	inboundProto := "http"
	if r.TLS != nil {
		inboundProto = "https"
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = c.transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = m.Path
		req.URL.RawPath = ""
		req.Host = targetURL.Host
		req.Header.Set("X-Forwarded-Host", inboundHost)
		req.Header.Set("X-Forwarded-Proto", inboundProto)
		req.Header.Set("X-Real-IP", clientIP)
		if requestID != "" {
			req.Header.Set("X-Request-Id", requestID)
		}
	}

	var failure *Failure
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		failure = Classify(err)
		c.logFailure(failure, req.Method, m.Rule.Prefix, m.Path, targetURL.Host)
		writeFailure(w, failure)
	}

	log.Debug("forwarding request",
		"method", r.Method,
		"prefix", m.Rule.Prefix,
		"path", m.Path,
		"target", targetURL.String(),
		"request_id", requestID)

	proxy.ServeHTTP(w, r.WithContext(ctx))
	return failure
}

// Close releases pooled connections. Called on gateway shutdown.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

func (c *Client) logFailure(f *Failure, method, prefix, path, target string) {
	if f.Kind == FailureClientClosed {
		log.Debug("client closed connection during forward",
			"method", method,
			"prefix", prefix,
			"path", path,
			"target", target)
		return
	}
	if c.errLog.Allow() {
		log.Error("upstream forwarding failed",
			"component", "upstream_client",
			"kind", string(f.Kind),
			"method", method,
			"prefix", prefix,
			"path", path,
			"target", target,
			"error", f.Err)
		return
	}
	log.Debug("upstream forwarding failed (throttled)",
		"kind", string(f.Kind),
		"method", method,
		"path", path,
		"error", f.Err)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.StatusCode())
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:    string(f.Kind),
		Message: f.Message(),
	}})
}
