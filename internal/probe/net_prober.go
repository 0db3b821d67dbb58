package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
	"proxypulse/proxypool/model"
)

// NetProber performs real checks: HTTP(S) fetches routed through the proxy,
// SOCKS4/SOCKS5 tunnel dials, DNS lookups and TCP "pings" of the proxy itself.
type NetProber struct {
	defaultURL   string
	dnsHost      string
	pingAddr     string
	userAgent    string
	maxBodyBytes int64
}

// NewNetProber builds a prober from the [probe] config section.
func NewNetProber(cfg types.ProbeConf) *NetProber {
	return &NetProber{
		defaultURL:   cfg.DefaultURL,
		dnsHost:      cfg.DNSHost,
		pingAddr:     cfg.PingAddr,
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Probe dispatches on the step type.
func (p *NetProber) Probe(ctx context.Context, entry model.ProxyEntry, step model.TestStep) Outcome {
	switch step.Type {
	case model.StepPing:
		return p.ping(ctx, entry)
	case model.StepDNS:
		return p.dns(ctx, entry, step)
	case model.StepSOCKS:
		return p.socks(ctx, entry, step)
	case model.StepHTTP, model.StepHTTPS, model.StepCustom, "":
		fallthrough
	default:
		return p.fetch(ctx, entry, step)
	}
}

// ping measures a plain TCP connect to the proxy.
func (p *NetProber) ping(ctx context.Context, entry model.ProxyEntry) Outcome {
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", entry.Address())
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{Err: err, ResponseTime: elapsed}
	}
	conn.Close()
	return Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Timings:      model.Timings{Connect: elapsed.Milliseconds()},
	}
}

// dns resolves a host. SOCKS5 proxies resolve remotely by dialing the name
// through the tunnel; other proxies fall back to a local lookup followed by
// a connect to the proxy.
func (p *NetProber) dns(ctx context.Context, entry model.ProxyEntry, step model.TestStep) Outcome {
	host := step.Config.Host
	if host == "" {
		host = p.dnsHost
	}
	start := time.Now()

	if entry.Type == model.ProtoSOCKS5 {
		dialer, err := socksDialer(entry)
		if err != nil {
			return Outcome{Err: err, ResponseTime: time.Since(start)}
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "80"))
		elapsed := time.Since(start)
		if err != nil {
			return Outcome{Err: fmt.Errorf("remote resolve %s: %w", host, err), ResponseTime: elapsed}
		}
		conn.Close()
		return Outcome{Success: true, ResponseTime: elapsed, Timings: model.Timings{DNS: elapsed.Milliseconds()}}
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupHost(ctx, host)
	dnsDone := time.Since(start)
	if err != nil {
		return Outcome{Err: fmt.Errorf("resolve %s: %w", host, err), ResponseTime: dnsDone}
	}
	if len(addrs) == 0 {
		return Outcome{Err: fmt.Errorf("resolve %s: no addresses", host), ResponseTime: dnsDone}
	}
	out := p.ping(ctx, entry)
	out.ResponseTime = time.Since(start)
	out.Timings.DNS = dnsDone.Milliseconds()
	return out
}

// socks opens a tunnel to the target through a SOCKS4 or SOCKS5 proxy.
func (p *NetProber) socks(ctx context.Context, entry model.ProxyEntry, step model.TestStep) Outcome {
	if entry.Type != model.ProtoSOCKS5 && entry.Type != model.ProtoSOCKS4 {
		return Outcome{Err: fmt.Errorf("socks step needs a socks proxy, got %s", entry.Type)}
	}
	target := step.Config.Host
	if target == "" {
		target = p.pingAddr
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	dialer, err := socksDialer(entry)
	if err != nil {
		return Outcome{Err: err}
	}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{Err: err, ResponseTime: elapsed}
	}
	conn.Close()
	return Outcome{Success: true, ResponseTime: elapsed, Timings: model.Timings{Connect: elapsed.Milliseconds()}}
}

// socks4DialTimeout bounds the handshake, the socks4 dialer has no context.
const socks4DialTimeout = 10 * time.Second

// socks4Dialer adapts the h12.io/socks dial func to proxy.ContextDialer.
type socks4Dialer struct {
	dial func(network, addr string) (net.Conn, error)
}

func (d socks4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func socksDialer(entry model.ProxyEntry) (proxy.ContextDialer, error) {
	if entry.Type == model.ProtoSOCKS4 {
		u := &url.URL{
			Scheme:   "socks4",
			Host:     entry.Address(),
			RawQuery: "timeout=" + socks4DialTimeout.String(),
		}
		if entry.Username != "" {
			u.User = url.User(entry.Username)
		}
		return socks4Dialer{dial: socks.Dial(u.String())}, nil
	}

	var auth *proxy.Auth
	if entry.HasAuth() {
		auth = &proxy.Auth{User: entry.Username, Password: entry.Password}
	}
	d, err := proxy.SOCKS5("tcp", entry.Address(), auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

// transportFor routes requests through the entry.
func transportFor(entry model.ProxyEntry) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch entry.Type {
	case model.ProtoSOCKS4, model.ProtoSOCKS5:
		dialer, err := socksDialer(entry)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dialer.DialContext
	default:
		scheme := "http"
		if entry.Type == model.ProtoHTTPS {
			scheme = "https"
		}
		proxyURL := &url.URL{Scheme: scheme, Host: entry.Address()}
		if entry.HasAuth() {
			proxyURL.User = url.UserPassword(entry.Username, entry.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

func (p *NetProber) targetURL(step model.TestStep) string {
	target := step.Config.URL
	if target == "" {
		target = p.defaultURL
	}
	if step.Type == model.StepHTTPS && strings.HasPrefix(target, "http://") {
		target = "https://" + strings.TrimPrefix(target, "http://")
	}
	return target
}

// fetch performs an HTTP request through the proxy and checks the
// step's expectations.
func (p *NetProber) fetch(ctx context.Context, entry model.ProxyEntry, step model.TestStep) Outcome {
	transport, err := transportFor(entry)
	if err != nil {
		return Outcome{Err: err}
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	method := step.Config.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	var sent int64
	if step.Config.UploadBytes > 0 {
		if method == http.MethodGet {
			method = http.MethodPost
		}
		body = bytes.NewReader(make([]byte, step.Config.UploadBytes))
		sent = int64(step.Config.UploadBytes)
	}

	var (
		dnsStart, connectStart, gotConn, wroteRequest, firstByte time.Time
		timings                                                  model.Timings
	)
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !dnsStart.IsZero() {
				timings.DNS = time.Since(dnsStart).Milliseconds()
			}
		},
		ConnectStart: func(string, string) { connectStart = time.Now() },
		GotConn: func(httptrace.GotConnInfo) {
			gotConn = time.Now()
			if !connectStart.IsZero() {
				timings.Connect = gotConn.Sub(connectStart).Milliseconds()
			}
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, p.targetURL(step), body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", p.userAgent)
	for k, v := range step.Config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Err: err, ResponseTime: time.Since(start), Timings: timings, BytesSent: sent}
	}
	defer resp.Body.Close()

	limit := p.maxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	elapsed := time.Since(start)
	if !gotConn.IsZero() && !wroteRequest.IsZero() && sent > 0 {
		timings.Upload = wroteRequest.Sub(gotConn).Milliseconds()
	}
	if !firstByte.IsZero() {
		timings.Download = time.Since(firstByte).Milliseconds()
	}

	out := Outcome{
		ResponseTime:  elapsed,
		StatusCode:    resp.StatusCode,
		Timings:       timings,
		BytesSent:     sent,
		BytesReceived: int64(len(payload)),
	}
	if readErr != nil {
		out.Err = fmt.Errorf("read body: %w", readErr)
		return out
	}
	if err := checkExpectations(step.Config, resp.StatusCode, payload); err != nil {
		out.Err = err
		return out
	}
	out.Success = true
	return out
}

func checkExpectations(cfg model.StepConfig, status int, payload []byte) error {
	if cfg.ExpectedStatus > 0 {
		if status != cfg.ExpectedStatus {
			return fmt.Errorf("expected status %d, got %d", cfg.ExpectedStatus, status)
		}
	} else if status < 200 || status >= 400 {
		return fmt.Errorf("received non-successful status code: %d", status)
	}

	if cfg.ExpectBody != "" && !bytes.Contains(payload, []byte(cfg.ExpectBody)) {
		return fmt.Errorf("response body does not contain %q", cfg.ExpectBody)
	}

	if cfg.ExpectSelector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to parse HTML: %w", err)
		}
		if doc.Find(cfg.ExpectSelector).Length() == 0 {
			l := logger.WithComponent("Probe")
			l.Debug().Str("selector", cfg.ExpectSelector).Msg("Expected selector not found in response.")
			return fmt.Errorf("selector %q matched nothing", cfg.ExpectSelector)
		}
	}
	return nil
}
