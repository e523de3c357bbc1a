package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/model"
)

const (
	ProbeTimeout = 10 * time.Second
	SendTimeout  = 30 * time.Second

	DefaultHTTPProbeURL   = "http://www.google.com"
	DefaultSOCKSProbeAddr = "8.8.8.8:53"
)

// Client talks SMTP to transport targets. It never retries; callers decide.
type Client struct {
	// TLSConfig is cloned for every session; ServerName is set per target.
	TLSConfig      *tls.Config
	HTTPProbeURL   string
	SOCKSProbeAddr string
	Now            func() time.Time
}

func NewClient() *Client {
	return &Client{
		HTTPProbeURL:   DefaultHTTPProbeURL,
		SOCKSProbeAddr: DefaultSOCKSProbeAddr,
		Now:            time.Now,
	}
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Client) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = host
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// open dials (through the target's proxy if any), negotiates TLS and
// authenticates. Every I/O on the session shares one deadline.
func (c *Client) open(ctx context.Context, target *model.TransportTarget, timeout time.Duration) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer, err := dialerFor(target, timeout)
	if err != nil {
		return nil, appErrors.NewProxyError(target.Proxy.Type, target.Proxy.Host, err)
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	conn, err := dialContext(ctx, dialer, "tcp", addr)
	if err != nil {
		if target.Proxy.Active() {
			return nil, appErrors.NewProxyError(target.Proxy.Type,
				net.JoinHostPort(target.Proxy.Host, strconv.Itoa(target.Proxy.Port)), err)
		}
		return nil, appErrors.NewTransportError(err)
	}
	_ = conn.SetDeadline(c.now().Add(timeout))

	if target.UseSSL {
		tc := tls.Client(conn, c.tlsConfig(target.Host))
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, appErrors.NewTransportError(err)
		}
		conn = tc
	}

	sc, err := smtp.NewClient(conn, target.Host)
	if err != nil {
		conn.Close()
		return nil, appErrors.NewTransportError(err)
	}

	if !target.UseSSL {
		if ok, _ := sc.Extension("STARTTLS"); ok {
			if err := sc.StartTLS(c.tlsConfig(target.Host)); err != nil {
				sc.Close()
				return nil, appErrors.NewTransportError(err)
			}
		}
	}

	if target.Username != "" {
		if ok, mechs := sc.Extension("AUTH"); ok {
			auth, err := pickAuth(mechs, target.Username, target.Password, target.Host)
			if err != nil {
				sc.Close()
				return nil, appErrors.NewAuthenticationError(err)
			}
			if err := sc.Auth(auth); err != nil {
				sc.Close()
				return nil, classifyAuth(err)
			}
		} else {
			logger.Debug("server does not offer AUTH, continuing unauthenticated", zap.String("host", target.Host))
		}
	}
	return sc, nil
}

func classifyAuth(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code != 535 && tpErr.Code != 534 && tpErr.Code != 530 {
		return appErrors.NewTransportError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return appErrors.NewTransportError(err)
	}
	return appErrors.NewAuthenticationError(err)
}

func classify(err error) error {
	var (
		tpErr  *textproto.Error
		netErr net.Error
	)
	if errors.As(err, &tpErr) || errors.As(err, &netErr) {
		return appErrors.NewTransportError(err)
	}
	return appErrors.NewUnknownError(err)
}

// Send delivers one message to the target's own mailbox.
func (c *Client) Send(ctx context.Context, target *model.TransportTarget, subject, body string) error {
	sc, err := c.open(ctx, target, SendTimeout)
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Mail(target.Address); err != nil {
		return classify(err)
	}
	if err := sc.Rcpt(target.Address); err != nil {
		return classify(err)
	}
	w, err := sc.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := w.Write(composeMessage(target.DisplayName, target.Address, subject, body, c.now())); err != nil {
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}
	if err := sc.Quit(); err != nil {
		logger.Debug("QUIT failed after successful send", zap.String("host", target.Host), zap.Error(err))
	}
	return nil
}

// TestConnection opens and closes an authenticated session without sending.
func (c *Client) TestConnection(ctx context.Context, target *model.TransportTarget) error {
	sc, err := c.open(ctx, target, ProbeTimeout)
	if err != nil {
		return err
	}
	defer sc.Close()
	_ = sc.Quit()
	return nil
}

// TestProxy checks that the target's proxy forwards traffic, independent of SMTP.
func (c *Client) TestProxy(ctx context.Context, target *model.TransportTarget) (string, error) {
	if !target.Proxy.Active() {
		return "no proxy configured, the system proxy (if any) is used", nil
	}
	p := target.Proxy
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	u, err := proxyURL(p)
	if err != nil {
		return "", appErrors.NewProxyError(p.Type, addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	switch p.Type {
	case model.ProxyHTTP:
		hc := &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(u)},
			Timeout:   ProbeTimeout,
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HTTPProbeURL, nil)
		if err != nil {
			return "", appErrors.NewProxyError(p.Type, addr, err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return "", appErrors.NewProxyError(p.Type, addr, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusProxyAuthRequired {
			return "", appErrors.NewProxyError(p.Type, addr, errors.New(resp.Status))
		}
		return fmt.Sprintf("HTTP proxy %s reachable (%s)", addr, resp.Status), nil

	default:
		dialer, err := dialerFor(target, ProbeTimeout)
		if err != nil {
			return "", appErrors.NewProxyError(p.Type, addr, err)
		}
		conn, err := dialContext(ctx, dialer, "tcp", c.SOCKSProbeAddr)
		if err != nil {
			return "", appErrors.NewProxyError(p.Type, addr, err)
		}
		conn.Close()
		return fmt.Sprintf("SOCKS proxy %s reachable", addr), nil
	}
}
