package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/unclebandit/smsforward/internal/model"
)

func init() {
	proxy.RegisterDialerType("http", newHTTPConnectDialer)
}

// proxyURL describes a target's proxy in the form x/net/proxy understands.
func proxyURL(p *model.ProxyConfig) (*url.URL, error) {
	var scheme string
	switch p.Type {
	case model.ProxyHTTP:
		scheme = "http"
	case model.ProxySOCKS:
		scheme = "socks5"
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// dialerFor returns the dialer one session uses. A target proxy wins; with
// none, ALL_PROXY / NO_PROXY from the environment apply, else a direct dial.
func dialerFor(target *model.TransportTarget, timeout time.Duration) (proxy.Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if !target.Proxy.Active() {
		return proxy.FromEnvironmentUsing(direct), nil
	}
	u, err := proxyURL(target.Proxy)
	if err != nil {
		return nil, err
	}
	return proxy.FromURL(u, direct)
}

func dialContext(ctx context.Context, d proxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := d.Dial(network, addr)
		ch <- result{c, err}
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

// httpConnectDialer tunnels TCP through an HTTP proxy with CONNECT.
type httpConnectDialer struct {
	proxyAddr string
	user      *url.Userinfo
	forward   proxy.Dialer
}

func newHTTPConnectDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	return &httpConnectDialer{proxyAddr: u.Host, user: u.User, forward: forward}, nil
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := dialContext(ctx, d.forward, network, d.proxyAddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != nil {
		pass, _ := d.user.Password()
		token := base64.StdEncoding.EncodeToString([]byte(d.user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT to %s: %s", addr, resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
