// Package tls adapts the corosio byte-stream contract onto the standard
// library's crypto/tls, exposed as the two-stage Handshake/ReadSome/
// WriteSome/Shutdown stream described for the TLS boundary.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	corosio "github.com/sgerbino/corosio-sub001"
)

// Role selects which side of the handshake a Stream performs.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Context is a thin wrapper over *tls.Config, constructed with eager
// certificate validation: malformed PEM material fails at construction
// time rather than at the first handshake, resolving the distilled
// design's open question about deferred certificate loading.
type Context struct {
	cfg *tls.Config
}

// ContextOption configures a Context's underlying *tls.Config.
type ContextOption func(*tls.Config)

// WithServerName sets the hostname used for server certificate
// verification (SNI) on a client Context.
func WithServerName(name string) ContextOption {
	return func(c *tls.Config) { c.ServerName = name }
}

// WithInsecureSkipVerify disables certificate verification. Only ever use
// this for tests against a self-signed loopback endpoint.
func WithInsecureSkipVerify(skip bool) ContextOption {
	return func(c *tls.Config) { c.InsecureSkipVerify = skip }
}

// WithMinVersion sets the minimum negotiated TLS version.
func WithMinVersion(v uint16) ContextOption {
	return func(c *tls.Config) { c.MinVersion = v }
}

// NewClientContext builds a client-side Context. caPEM may be nil to trust
// the system root pool; if non-nil it must contain at least one valid
// certificate or construction fails immediately.
func NewClientContext(caPEM []byte, opts ...ContextOption) (*Context, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("corosio/tls: no certificates found in CA PEM")
		}
		cfg.RootCAs = pool
	}
	for _, o := range opts {
		o(cfg)
	}
	return &Context{cfg: cfg}, nil
}

// NewServerContext builds a server-side Context from a PEM certificate and
// private key, validated eagerly via tls.X509KeyPair.
func NewServerContext(certPEM, keyPEM []byte, opts ...ContextOption) (*Context, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("corosio/tls: load keypair: %w", err)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	for _, o := range opts {
		o(cfg)
	}
	return &Context{cfg: cfg}, nil
}

// byteStream is the minimum shape a corosio.Socket (or anything
// Socket-like) must satisfy to back a Stream.
type byteStream interface {
	ReadSome(seq corosio.MutableBufferSequence) corosio.Awaitable[int]
	WriteSome(seq corosio.ConstBufferSequence) corosio.Awaitable[int]
}

// connAdapter presents a byteStream as a blocking net.Conn by calling
// corosio.Await from within the owning Task's own goroutine — safe because
// Await only ever blocks the calling goroutine, and a Task's body already
// runs on a goroutine dedicated to it.
type connAdapter struct {
	tc     *corosio.TaskContext
	stream byteStream
}

func (c *connAdapter) Read(p []byte) (int, error) {
	n, err := corosio.Await(c.tc, c.stream.ReadSome(corosio.SingleMutableBuffer{Buf: p}))
	return n, toNetErr(err)
}

func (c *connAdapter) Write(p []byte) (int, error) {
	n, err := corosio.Await(c.tc, c.stream.WriteSome(corosio.SingleConstBuffer{Buf: p}))
	return n, toNetErr(err)
}

func (c *connAdapter) Close() error                     { return nil }
func (c *connAdapter) LocalAddr() net.Addr              { return nil }
func (c *connAdapter) RemoteAddr() net.Addr             { return nil }
func (c *connAdapter) SetDeadline(time.Time) error      { return nil }
func (c *connAdapter) SetReadDeadline(time.Time) error  { return nil }
func (c *connAdapter) SetWriteDeadline(time.Time) error { return nil }

func toNetErr(err error) error {
	if errors.Is(err, corosio.ErrEOF) {
		return io.EOF
	}
	return err
}

// Stream is the two-stage TLS stream contract (spec §6): construct, then
// Handshake, then ReadSome/WriteSome, then optional Shutdown.
type Stream struct {
	conn *tls.Conn
}

// NewStream builds a Stream for role over underlying, a byteStream usually
// backed by an already-Connected or already-Accepted *corosio.Socket.
// Handshake runs on the calling Task's own goroutine (via tc).
func NewStream(tc *corosio.TaskContext, underlying byteStream, cfg *Context, role Role) *Stream {
	adapter := &connAdapter{tc: tc, stream: underlying}
	var conn *tls.Conn
	if role == RoleServer {
		conn = tls.Server(adapter, cfg.cfg)
	} else {
		conn = tls.Client(adapter, cfg.cfg)
	}
	return &Stream{conn: conn}
}

// Handshake performs the TLS handshake, blocking the calling goroutine.
func (s *Stream) Handshake(ctx context.Context) error {
	if err := s.conn.HandshakeContext(ctx); err != nil {
		return mapHandshakeErr(err)
	}
	return nil
}

// ReadSome reads decrypted application data into p.
func (s *Stream) ReadSome(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, corosio.ErrEOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, corosio.ErrStreamTruncated
		}
		return n, err
	}
	return n, nil
}

// WriteSome encrypts and writes p.
func (s *Stream) WriteSome(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Shutdown sends close_notify and closes the underlying record layer,
// returning the error from closing the TLS connection, if any.
func (s *Stream) Shutdown() error {
	return s.conn.Close()
}

// ConnectionState exposes the negotiated TLS parameters once Handshake has
// completed.
func (s *Stream) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

func mapHandshakeErr(err error) error {
	if err == nil {
		return nil
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return fmt.Errorf("corosio/tls: certificate verification failed: %w", err)
	}
	return err
}
