package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// clientCache hands out HTTP clients keyed by forward-proxy URL so TLS
// sessions and connection pools are reused across probes. Clients live for
// the lifetime of the process.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newClientCache() *clientCache {
	return &clientCache{clients: make(map[string]*http.Client)}
}

// get returns the client for proxyURL ("" means direct).
func (c *clientCache) get(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client, nil
	}
	client, err := buildClient(proxyURL)
	if err != nil {
		return nil, err
	}
	c.clients[proxyURL] = client
	return client, nil
}

func buildClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks4", "socks":
			// socks4 upstreams in the wild almost always speak socks5 too;
			// a single SOCKS5 dialer covers all three schemes.
			var auth *proxy.Auth
			if u.User != nil {
				auth = &proxy.Auth{User: u.User.Username()}
				if pw, ok := u.User.Password(); ok {
					auth.Password = pw
				}
			}
			dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
			if err != nil {
				return nil, fmt.Errorf("socks proxy %q: %w", proxyURL, err)
			}
			transport.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	// The per-probe timeout comes from the request context, not the client.
	return &http.Client{Transport: transport}, nil
}
