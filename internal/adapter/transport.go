package adapter

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// Timeouts are the upstream HTTP deadlines. Connect bounds dial plus TLS;
// Response and StreamResponse bound the whole exchange for unary and
// streaming calls respectively.
type Timeouts struct {
	Connect        time.Duration
	Response       time.Duration
	StreamResponse time.Duration
}

// DefaultTimeouts returns the stock deadlines used when config sets none.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:        30 * time.Second,
		Response:       180 * time.Second,
		StreamResponse: 300 * time.Second,
	}
}

// ForGroup applies a group-level timeout override in seconds; zero keeps the
// configured deadlines.
func (t Timeouts) ForGroup(seconds int) Timeouts {
	if seconds > 0 {
		d := time.Duration(seconds) * time.Second
		t.Response = d
		t.StreamResponse = d
	}
	return t
}

// forStream returns the response deadline for the given mode.
func (t Timeouts) forStream(stream bool) time.Duration {
	if stream {
		return t.StreamResponse
	}
	return t.Response
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. proxyURL, when non-empty, routes all traffic through
// the given forward proxy.
func NewTransport(resolver *dnscache.Resolver, proxyURL string, connectTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			t.Proxy = http.ProxyURL(u)
		}
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: connectTimeout}
		if resolver == nil {
			return d.DialContext(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// Clients hands out *http.Client instances keyed by the group's forward
// proxy URL, sharing one tuned transport per distinct proxy.
type Clients struct {
	mu       sync.Mutex
	resolver *dnscache.Resolver
	connect  time.Duration
	byProxy  map[string]*http.Client
}

// NewClients creates a client pool with a shared caching DNS resolver.
func NewClients(connectTimeout time.Duration) *Clients {
	if connectTimeout <= 0 {
		connectTimeout = DefaultTimeouts().Connect
	}
	return &Clients{
		resolver: &dnscache.Resolver{},
		connect:  connectTimeout,
		byProxy:  make(map[string]*http.Client),
	}
}

// For returns the client for the given forward proxy URL ("" for direct).
// Response deadlines are applied per call, not on the client.
func (c *Clients) For(proxyURL string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.byProxy[proxyURL]; ok {
		return cl
	}
	cl := &http.Client{Transport: NewTransport(c.resolver, proxyURL, c.connect)}
	c.byProxy[proxyURL] = cl
	return cl
}

// Refresh re-resolves cached DNS entries. Intended to run on a ticker.
func (c *Clients) Refresh() {
	c.resolver.Refresh(true)
}
