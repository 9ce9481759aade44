// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/logging"
)

const maxCapturedBody = 64 << 10 // beacon payloads are small

// ProxySource is a forwarding HTTP intermediary. Plain HTTP requests
// are captured with full payload visibility; CONNECT tunnels are
// passed through opaque and recorded as degraded host-only events.
type ProxySource struct {
	log    *logging.Logger
	listen string

	ln     net.Listener
	server *http.Server
	proxy  http.RoundTripper
}

// NewProxySource creates a proxy listening on addr.
func NewProxySource(addr string, log *logging.Logger) *ProxySource {
	if log == nil {
		log = logging.Default()
	}
	return &ProxySource{
		log:    log.WithComponent("proxy"),
		listen: addr,
		proxy: &http.Transport{
			// The proxy dials upstream directly, never through itself.
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 8,
		},
	}
}

func (p *ProxySource) Name() string { return "proxy" }

// Open binds the listen port. A conflict is surfaced to the caller,
// not retried.
func (p *ProxySource) Open() error {
	ln, err := net.Listen("tcp", p.listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "binding proxy listener %s", p.listen)
	}
	p.ln = ln
	return nil
}

// Close releases the listen port if Run has not already.
func (p *ProxySource) Close() error {
	if p.ln != nil {
		return p.ln.Close()
	}
	return nil
}

// Run serves the proxy until the context is cancelled.
func (p *ProxySource) Run(ctx context.Context, q *Queue) error {
	if p.ln == nil {
		return errors.New(errors.KindInternal, "proxy source not opened")
	}

	p.server = &http.Server{
		Handler:           p.handler(q),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(p.ln)
	}()
	p.log.Info("proxy listening", "addr", p.ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		p.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "proxy server")
	}
}

func (p *ProxySource) handler(q *Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			p.handleConnect(w, r, q)
			return
		}
		p.handleHTTP(w, r, q)
	})
}

// handleHTTP forwards a plain request upstream and records it with
// full payload visibility.
func (p *ProxySource) handleHTTP(w http.ResponseWriter, r *http.Request, q *Queue) {
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute URLs", http.StatusBadRequest)
		return
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
	}

	q.Push(RawRequest{
		Timestamp:   clock.Now().UTC(),
		Method:      r.Method,
		URL:         r.URL.String(),
		Host:        r.URL.Hostname(),
		Site:        siteFromHeaders(r.Header),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopHeaders(outReq.Header)

	resp, err := p.proxy.RoundTrip(outReq)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect records the destination host, then tunnels bytes both
// ways without inspecting them.
func (p *ProxySource) handleConnect(w http.ResponseWriter, r *http.Request, q *Queue) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	req := RawRequest{
		Timestamp: clock.Now().UTC(),
		Method:    http.MethodConnect,
		URL:       "https://" + host + "/",
		Host:      host,
		Degraded:  true,
	}

	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		// The attempt is still recorded; only the tunnel failed.
		q.Push(req)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	if addr, ok := upstream.RemoteAddr().(*net.TCPAddr); ok {
		req.DestIP = addr.IP
	}
	q.Push(req)

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		defer upstream.Close()
		defer client.Close()
		io.Copy(upstream, client)
	}()
	io.Copy(client, upstream)
}

func siteFromHeaders(h http.Header) string {
	for _, key := range []string{"Referer", "Origin"} {
		if v := h.Get(key); v != "" {
			return hostOf(v)
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
