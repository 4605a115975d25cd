package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/router"
)

func targetFor(t *testing.T, rawURL string) router.Target {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return router.Target{Scheme: u.Scheme, Host: host, Port: port}
}

func matchFor(t *testing.T, rawURL, prefix, path string) router.Match {
	t.Helper()
	return router.Match{
		Rule: router.Rule{Prefix: prefix, StripPrefix: true, Target: targetFor(t, rawURL)},
		Path: path,
	}
}

// closedPortURL reserves a port and releases it so nothing is listening.
func closedPortURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}

func decodeError(t *testing.T, body io.Reader) errorDetail {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.NewDecoder(body).Decode(&eb))
	return eb.Error
}

func TestForward_PassThrough(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream-Header", "kept")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42}`)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	payload := `{"name":"widget"}`
	req := httptest.NewRequest(http.MethodPost, "http://gateway/api/products?limit=5", strings.NewReader(payload))
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "req-1")
	require.Nil(t, failure)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":42}`, rec.Body.String())
	assert.Equal(t, "kept", rec.Header().Get("X-Upstream-Header"))
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "/products", gotPath)
	assert.Equal(t, "limit=5", gotQuery)
}

func TestForward_PathAndQueryRewrite(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products/42?fields=name&sort=asc", nil)
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products/42"), "203.0.113.9", "")
	require.Nil(t, failure)

	assert.Equal(t, "/products/42", gotPath)
	assert.Equal(t, "fields=name&sort=asc", gotQuery)
}

func TestForward_ForwardingIdentityHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("X-Client-Header", "kept")
	req.Header.Set("Connection", "close")
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "req-abc")
	require.Nil(t, failure)

	assert.Equal(t, "kept", gotHeaders.Get("X-Client-Header"))
	assert.Equal(t, "203.0.113.9", gotHeaders.Get("X-Real-IP"))
	assert.Contains(t, gotHeaders.Get("X-Forwarded-For"), "203.0.113.9")
	assert.Equal(t, "gateway", gotHeaders.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", gotHeaders.Get("X-Forwarded-Proto"))
	assert.Equal(t, "req-abc", gotHeaders.Get("X-Request-Id"))
	// Hop-by-hop headers are regenerated for the upstream hop, never relayed.
	assert.Empty(t, gotHeaders.Get("Connection"))
}

func TestForward_ForwardedProtoReflectsTLS(t *testing.T) {
	var gotProto string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Header.Get("X-Forwarded-Proto")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "https://gateway/api/products", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "")
	require.Nil(t, failure)
	assert.Equal(t, "https", gotProto)
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products", nil)
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, closedPortURL(t), "/api", "/products"), "203.0.113.9", "")
	require.NotNil(t, failure)
	assert.Equal(t, FailureUnreachable, failure.Kind)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	detail := decodeError(t, rec.Body)
	assert.Equal(t, "upstream_unreachable", detail.Code)
	assert.NotEmpty(t, detail.Message)
	// The client-visible message never leaks connection detail.
	assert.NotContains(t, detail.Message, "127.0.0.1")
}

func TestForward_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{Timeout: 100 * time.Millisecond})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "")
	elapsed := time.Since(start)

	require.NotNil(t, failure)
	assert.Equal(t, FailureTimeout, failure.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "upstream_timeout", decodeError(t, rec.Body).Code)
	// One timeout window, not a hang.
	assert.Less(t, elapsed, time.Second)
}

func TestForward_UpstreamMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		_, _ = conn.Write([]byte("this is not HTTP\r\n\r\n"))
		_ = conn.Close()
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 2 * time.Second})
	defer client.Close()

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products", nil)
	rec := httptest.NewRecorder()

	failure := client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "")
	require.NotNil(t, failure)
	assert.Equal(t, FailureMalformed, failure.Kind)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_malformed", decodeError(t, rec.Body).Code)
}

func TestForward_ClientDisconnectCancelsUpstream(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		finished <- r
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: 5 * time.Second})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/products", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan *Failure, 1)
	go func() {
		done <- client.Forward(rec, req, matchFor(t, srv.URL, "/api", "/products"), "203.0.113.9", "")
	}()

	<-started
	cancel()

	select {
	case failure := <-done:
		require.NotNil(t, failure)
		// A client-side abort is its own kind, never blamed on the upstream.
		assert.Equal(t, FailureClientClosed, failure.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after client disconnect")
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not cancelled")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"context canceled", context.Canceled, FailureClientClosed},
		{"wrapped cancellation", fmt.Errorf("proxy: %w", context.Canceled), FailureClientClosed},
		{"deadline exceeded", context.DeadlineExceeded, FailureTimeout},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "app.internal"}, FailureUnreachable},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, FailureUnreachable},
		{"unexpected eof", io.ErrUnexpectedEOF, FailureMalformed},
		{"garbage", errors.New("malformed HTTP response"), FailureMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := Classify(tt.err)
			assert.Equal(t, tt.want, failure.Kind)
			assert.ErrorIs(t, failure, tt.err)
		})
	}
}

func TestFailure_StatusCode(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, (&Failure{Kind: FailureTimeout}).StatusCode())
	assert.Equal(t, http.StatusBadGateway, (&Failure{Kind: FailureUnreachable}).StatusCode())
	assert.Equal(t, http.StatusBadGateway, (&Failure{Kind: FailureMalformed}).StatusCode())
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{})
	defer client.Close()

	assert.Equal(t, 10*time.Second, client.Timeout())
	assert.Contains(t, client.Detail(), "pool ceiling 64")
}
