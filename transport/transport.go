// Package transport resolves the adapter's endpoint modes: listen on
// TCP or a local pipe for one client, dial a debuggee-exposed
// endpoint, or use the inherited standard streams.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrBind marks listener setup failures so callers can map them to
// their own exit status.
var ErrBind = errors.New("transport: bind failed")

type Mode int

const (
	// ModeListen binds an endpoint and accepts one client.
	ModeListen Mode = iota
	// ModeConnect dials an endpoint exposed by the debuggee side.
	ModeConnect
	// ModeStdio uses the process's standard streams.
	ModeStdio
)

// Spec describes one endpoint.
type Spec struct {
	Mode Mode

	// TCP endpoint. Port 0 asks for an ephemeral port; the resolved
	// address is printed to stderr.
	Host string
	Port int

	// Pipe is a filesystem path on Unix or a named pipe on Windows.
	// When set it takes precedence over the TCP endpoint.
	Pipe string
}

func (s Spec) String() string {
	switch {
	case s.Mode == ModeStdio:
		return "stdio"
	case s.Pipe != "":
		return s.Pipe
	default:
		return fmt.Sprintf("tcp://%s", net.JoinHostPort(s.Host, fmt.Sprint(s.Port)))
	}
}

// Open resolves the spec into a single bidirectional stream. Listen
// mode blocks until a client connects.
func Open(ctx context.Context, spec Spec) (io.ReadWriteCloser, error) {
	switch spec.Mode {
	case ModeStdio:
		return Stdio(), nil
	case ModeConnect:
		return Dial(ctx, spec)
	case ModeListen:
		return Listen(ctx, spec)
	default:
		return nil, errors.Errorf("unknown transport mode %d", spec.Mode)
	}
}

// Listen binds the endpoint, reports the resolved address on stderr
// and accepts exactly one client. No further clients are accepted;
// the listener stays open until the returned stream is closed, and
// reconnection is not supported.
func Listen(ctx context.Context, spec Spec) (io.ReadWriteCloser, error) {
	var (
		l   net.Listener
		err error
	)
	if spec.Pipe != "" {
		l, err = listenPipe(spec.Pipe)
	} else {
		host := spec.Host
		if host == "" {
			host = "127.0.0.1"
		}
		l, err = net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(spec.Port)))
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBind, "%s: %s", spec, err)
	}

	fmt.Fprintf(os.Stderr, "listening on %s\n", l.Addr())

	conn, err := acceptOne(ctx, l)
	if err != nil {
		l.Close()
		return nil, err
	}
	return &acceptedConn{Conn: conn, l: l}, nil
}

func acceptOne(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, errors.Wrap(r.err, "accept failed")
	case <-ctx.Done():
		l.Close()
		return nil, context.Cause(ctx)
	}
}

type acceptedConn struct {
	net.Conn
	l net.Listener
}

func (c *acceptedConn) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, c.Conn.Close())
	result = multierror.Append(result, c.l.Close())
	return result.ErrorOrNil()
}

// Dial connects to a debuggee-exposed endpoint: tcp://host:port, a
// filesystem path, or a named pipe.
func Dial(ctx context.Context, spec Spec) (io.ReadWriteCloser, error) {
	if spec.Pipe != "" {
		return dialPipe(ctx, spec.Pipe)
	}

	host := spec.Host
	if host == "" {
		host = "127.0.0.1"
	}
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(spec.Port)))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %s", spec)
	}
	return conn, nil
}

// ParseEndpoint understands "tcp://host:port" and bare pipe paths,
// for attach configurations.
func ParseEndpoint(s string) (Spec, error) {
	if rest, ok := strings.CutPrefix(s, "tcp://"); ok {
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Spec{}, errors.Wrapf(err, "bad endpoint %q", s)
		}
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return Spec{}, errors.Wrapf(err, "bad endpoint %q", s)
		}
		return Spec{Mode: ModeConnect, Host: host, Port: p}, nil
	}
	if s == "" {
		return Spec{}, errors.New("empty endpoint")
	}
	return Spec{Mode: ModeConnect, Pipe: s}, nil
}

// Stdio wraps the inherited standard streams. Close is a no-op for
// stdin; closing stdout signals the peer.
func Stdio() io.ReadWriteCloser {
	return &stdioConn{rd: os.Stdin, wr: os.Stdout}
}

type stdioConn struct {
	rd io.Reader
	wr io.WriteCloser
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.rd.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.wr.Write(p) }
func (c *stdioConn) Close() error                { return c.wr.Close() }
