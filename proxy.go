package mqttloop

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig holds forward proxy settings.
type ProxyConfig struct {
	// URL is http://host:port or socks5://host:port.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProxyDialer dials through an HTTP CONNECT or SOCKS5 proxy. The proxy
// handshake completes before the descriptor is handed to the loop.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer. Credentials embedded in the URL are
// used when none are given.
func NewProxyDialer(cfg ProxyConfig) (*ProxyDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid proxy URL: %w", ErrInvalidArgument, err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: proxy scheme %q", ErrNotSupported, u.Scheme)
	}

	username, password := cfg.Username, cfg.Password
	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{proxyURL: u, username: username, password: password}, nil
}

// DialContext connects to addr (host:port) through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "http" || d.proxyURL.Scheme == "https" {
		return d.dialHTTPConnect(ctx, addr)
	}
	return d.dialSOCKS5(ctx, network, addr)
}

func (d *ProxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() == "" {
		return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
	}
	return d.proxyURL.Host
}

func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, target string) (net.Conn, error) {
	port := "8080"
	if d.proxyURL.Scheme == "https" {
		port = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(port))
	if err != nil {
		return nil, fmt.Errorf("proxy dial: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT read: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: CONNECT %s: %s", ErrProxy, target, resp.Status)
	}

	return conn, nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProxy, err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, network, target)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial(network, target)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment returns the proxy for a broker address based on
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY. TLS schemes use HTTPS_PROXY, all
// others HTTP_PROXY. Returns nil when no proxy applies.
func ProxyFromEnvironment(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %w", ErrInvalidArgument, err)
	}

	probe := &url.URL{Scheme: "http", Host: u.Host}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss", "https":
		probe.Scheme = "https"
	}

	return httpproxy.FromEnvironment().ProxyFunc()(probe)
}
