// Package imapdriver implements maildriver.Driver over IMAP, grounded on the
// connection-management and streaming-fetch patterns of the teacher's
// internal/imap and internal/sync packages.
package imapdriver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/mbsyncgo/mbsyncgo/internal/logging"
)

// deadlineConn enforces per-operation read/write deadlines, since go-imap's
// Wait() calls otherwise block indefinitely on a stalled peer.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Security selects how the TCP connection is upgraded to TLS, if at all.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Config describes one store side of a channel.
type Config struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig matches the timeouts the teacher settled on after seeing
// large-body fetches stall under a 30s read deadline.
func DefaultConfig() Config {
	return Config{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// client wraps *imapclient.Client with the store config and logger needed to
// implement maildriver.Driver.
type client struct {
	cfg  Config
	conn *imapclient.Client
	caps imap.CapSet
	log  zerolog.Logger
}

func newClient(cfg Config) *client {
	return &client{cfg: cfg, log: logging.WithComponent("imapdriver")}
}

func (c *client) connect() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	options := &imapclient.Options{}

	var err error
	switch c.cfg.Security {
	case SecurityTLS:
		tlsConfig := c.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.cfg.Host}
		}
		raw, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("dial %s: %w", addr, dialErr)
		}
		wrapped := &deadlineConn{Conn: raw, readTimeout: c.cfg.ReadTimeout, writeTimeout: c.cfg.WriteTimeout}
		c.conn = imapclient.New(wrapped, options)
	case SecurityStartTLS:
		if c.cfg.TLSConfig != nil {
			options.TLSConfig = c.cfg.TLSConfig
		}
		c.conn, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("dial starttls %s: %w", addr, err)
		}
	default:
		raw, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial %s: %w", addr, dialErr)
		}
		wrapped := &deadlineConn{Conn: raw, readTimeout: c.cfg.ReadTimeout, writeTimeout: c.cfg.WriteTimeout}
		c.conn = imapclient.New(wrapped, options)
	}

	if err := c.conn.WaitGreeting(); err != nil {
		c.conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	c.caps = c.conn.Caps()

	if c.caps.Has(imap.CapLoginDisabled) {
		sc := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := c.conn.Authenticate(sc); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	} else {
		if err := c.conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	c.caps = c.conn.Caps()
	return nil
}

func (c *client) close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("logout failed, closing anyway")
	}
	return c.conn.Close()
}

// withCancel runs a blocking Wait()-style call in a goroutine so ctx
// cancellation can return promptly instead of blocking indefinitely.
func withCancel[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
