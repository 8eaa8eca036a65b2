package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func request(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = remote
	return req
}

func TestHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	Headers(ok).ServeHTTP(w, request("10.0.0.1:4000"))

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set without TLS: %q", hsts)
	}

	req := request("10.0.0.1:4000")
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	Headers(ok).ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing over TLS")
	}
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	RequestLog(logger)(failing).ServeHTTP(httptest.NewRecorder(), request("10.0.0.1:4000"))

	out := buf.String()
	for _, want := range []string{"level=WARN", "path=/api/v1/health", "status=503", "method=GET"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}

	buf.Reset()
	RequestLog(logger)(ok).ServeHTTP(httptest.NewRecorder(), request("10.0.0.1:4000"))
	if !strings.Contains(buf.String(), "level=DEBUG") || !strings.Contains(buf.String(), "status=200") {
		t.Errorf("success log = %s", buf.String())
	}
}

func TestLimiterBurstThenBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewLimiter(ctx, RateLimitConfig{RequestsPerMin: 6, Burst: 3}).Wrap(ok)

	var allowed, blocked int
	for range 10 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("192.168.1.1:12345"))
		switch w.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			blocked++
			if !strings.Contains(w.Body.String(), "RATE_LIMITED") {
				t.Errorf("429 body = %s", w.Body.String())
			}
		}
	}
	if allowed != 3 || blocked != 7 {
		t.Errorf("allowed=%d blocked=%d, want 3/7", allowed, blocked)
	}
}

func TestLimiterSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLimiter(ctx, RateLimitConfig{RequestsPerMin: 6, Burst: 2})

	for range 3 {
		l.Allow("192.168.1.1")
	}
	if l.Allow("192.168.1.1") {
		t.Error("first client should be limited")
	}
	if !l.Allow("192.168.1.2") || !l.Allow("192.168.1.2") {
		t.Error("second client should have its own burst")
	}
	if l.Tracked() != 2 {
		t.Errorf("Tracked = %d", l.Tracked())
	}
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLimiter(ctx, RateLimitConfig{RequestsPerMin: 60, Burst: 1})

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	l.now = func() time.Time { return now.Add(time.Minute) }
	l.Allow("10.0.0.2")

	l.now = func() time.Time { return now.Add(clientIdleTTL + 30*time.Second) }
	l.evictIdle()
	if l.Tracked() != 1 {
		t.Errorf("Tracked after sweep = %d, want 1", l.Tracked())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{name: "strips port", remote: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6 peer", remote: "[::1]:8650", want: "::1"},
		{name: "untrusted peer ignores xff", remote: "1.2.3.4:1", xff: "8.8.8.8", trusted: []string{"10.0.0.1"}, want: "1.2.3.4"},
		{name: "no proxies ignores xff", remote: "1.2.3.4:1", xff: "8.8.8.8", want: "1.2.3.4"},
		{name: "trusted proxy first xff hop", remote: "10.0.0.1:1", xff: "203.0.113.1, 198.51.100.1", trusted: []string{"10.0.0.1"}, want: "203.0.113.1"},
		{name: "trusted proxy x-real-ip", remote: "10.0.0.1:1", xri: "203.0.113.9", trusted: []string{"10.0.0.1"}, want: "203.0.113.9"},
		{name: "trusted proxy without headers", remote: "10.0.0.1:1", trusted: []string{"10.0.0.1"}, want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.remote)
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
