// Package ami is a minimal Asterisk Manager Interface client: it logs in,
// keeps the session alive with pings and decodes DialBegin/DialEnd events.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"callpop/internal/dial"
)

// ErrAuth is wrapped by Connect when the server rejects the credentials.
var ErrAuth = errors.New("ami: authentication rejected")

// ConnError is a transport failure. It is always recoverable by
// reconnecting.
type ConnError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("ami %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 10 * time.Second
	// missed pings before the session is considered dead
	heartbeatMisses = 3
)

// Config holds connection settings.
type Config struct {
	Host         string
	Port         int
	Username     string
	Secret       string
	Events       string
	DialTimeout  time.Duration
	PingInterval time.Duration
	Parse        dial.Options
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client opens manager sessions.
type Client struct {
	cfg    Config
	dialer net.Dialer
}

// NewClient fills defaults and returns a Client.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Events == "" {
		cfg.Events = "call"
	}
	return &Client{cfg: cfg}
}

// Connect dials, reads the banner and logs in. The returned Conn pings the
// server until closed.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	addr := c.cfg.addr()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	nc, err := c.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Op: "dial", Addr: addr, Err: err}
	}
	conn := &Conn{
		nc:        nc,
		tp:        textproto.NewReader(bufio.NewReader(nc)),
		addr:      addr,
		parse:     c.cfg.Parse,
		heartbeat: heartbeatMisses * c.cfg.PingInterval,
		done:      make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	err = conn.login(c.cfg)
	stop()
	if cerr := ctx.Err(); cerr != nil {
		err = &ConnError{Op: "login", Addr: addr, Err: cerr}
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	go conn.keepalive(c.cfg.PingInterval)
	return conn, nil
}

// Conn is one logged-in session. Next must be called from a single
// goroutine; Close may be called from any.
type Conn struct {
	nc        net.Conn
	tp        *textproto.Reader
	addr      string
	parse     dial.Options
	heartbeat time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) login(cfg Config) error {
	_ = c.nc.SetDeadline(time.Now().Add(cfg.DialTimeout))
	defer c.nc.SetDeadline(time.Time{})

	banner, err := c.tp.ReadLine()
	if err != nil {
		return &ConnError{Op: "banner", Addr: c.addr, Err: err}
	}
	if !strings.Contains(banner, "Call Manager") {
		return &ConnError{Op: "banner", Addr: c.addr, Err: fmt.Errorf("unexpected greeting %q", banner)}
	}

	id := uuid.NewString()
	err = c.send(
		"Action", "Login",
		"ActionID", id,
		"Username", cfg.Username,
		"Secret", cfg.Secret,
		"Events", cfg.Events,
	)
	if err != nil {
		return &ConnError{Op: "login", Addr: c.addr, Err: err}
	}
	for {
		h, err := c.tp.ReadMIMEHeader()
		if err != nil {
			return &ConnError{Op: "login", Addr: c.addr, Err: err}
		}
		if h.Get("Response") == "" || h.Get("ActionID") != id {
			continue
		}
		if strings.EqualFold(h.Get("Response"), "Success") {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAuth, h.Get("Message"))
	}
}

// send writes one action block. kv alternates keys and values.
func (c *Conn) send(kv ...string) error {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString(kv[i])
		b.WriteString(": ")
		b.WriteString(kv[i+1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.nc.Write([]byte(b.String()))
	return err
}

func (c *Conn) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.send("Action", "Ping", "ActionID", uuid.NewString()); err != nil {
				// the reader sees the broken socket and reports it
				_ = c.nc.Close()
				return
			}
		}
	}
}

// Next returns the next dial event. Other events and action responses are
// skipped. A malformed dial event yields a *dial.ParseError and the session
// stays usable; any other error ends it.
func (c *Conn) Next(ctx context.Context) (dial.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return dial.Event{}, err
		}
		if c.heartbeat > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.heartbeat))
		}
		h, err := c.tp.ReadMIMEHeader()
		if err != nil {
			select {
			case <-c.done:
				return dial.Event{}, &ConnError{Op: "read", Addr: c.addr, Err: net.ErrClosed}
			default:
			}
			// the rest of a malformed block reads back as one without a
			// dial Event line and is skipped
			var perr textproto.ProtocolError
			if errors.As(err, &perr) {
				return dial.Event{}, &dial.ParseError{Reason: err.Error()}
			}
			return dial.Event{}, &ConnError{Op: "read", Addr: c.addr, Err: err}
		}
		if !dial.IsDialEvent(h.Get("Event")) {
			continue
		}
		return dial.Parse(h, c.parse, time.Now())
	}
}

// Close logs off and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.send("Action", "Logoff")
		err = c.nc.Close()
	})
	return err
}
