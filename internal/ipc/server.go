// Package ipc implements the local IPC server described in spec.md §4.6:
// accepting clients on a filesystem-scoped stream socket, framing
// messages per the client protocol (§4.8, wire format in §6), and
// broadcasting to every connected client.
package ipc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nemomobile/dsme/internal/bus"
	"github.com/nemomobile/dsme/internal/evloop"
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/msgtype"
	"github.com/nemomobile/dsme/internal/proto"
)

// DefaultSocketPath is used when DSME_SOCKFILE is unset (spec.md §6).
const DefaultSocketPath = "/var/run/dsme/dsme_sock"

// SockFileEnv is the environment variable selecting the socket path.
const SockFileEnv = "DSME_SOCKFILE"

// Logger is the minimal logging surface the server needs, satisfied by
// internal/dsmelog.Logger.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Server owns the listening socket and every accepted connection.
type Server struct {
	loop *evloop.Loop
	bus  *bus.Bus
	log  Logger

	path     string
	listenFD int
	conns    map[uint64]*conn
	nextID   uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.log = l }
}

// Listen binds, unlinks a stale path, sets mode 0646, and listens on the
// local stream socket (spec.md §4.6).
func Listen(loop *evloop.Loop, b *bus.Bus, path string, opts ...Option) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	s := &Server{
		loop:     loop,
		bus:      b,
		log:      nopLogger{},
		path:     path,
		conns:    make(map[uint64]*conn),
	}
	for _, o := range opts {
		o(s)
	}

	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o646); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}

	s.listenFD = fd
	if err := loop.RegisterFD(fd, evloop.Readable, s.onAcceptable); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ipc: register listener: %w", err)
	}

	b.SetClientBroadcaster(s)

	return s, nil
}

// Close tears down every connection and the listening socket.
func (s *Server) Close() error {
	s.loop.UnregisterFD(s.listenFD)
	for id := range s.conns {
		s.closeConn(id, closeClientRequest)
	}
	err := unix.Close(s.listenFD)
	_ = os.Remove(s.path)
	return err
}

func (s *Server) onAcceptable(_ evloop.IOEvent) {
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			s.log.Warnf("ipc: accept: %v", err)
			return
		}
		_ = sa

		creds := message.InvalidCredentials
		if ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
			creds = message.Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}
		}

		s.nextID++
		id := s.nextID
		c := &conn{id: id, fd: fd, creds: creds, buf: make([]byte, 0, 1024)}
		s.conns[id] = c

		if err := s.loop.RegisterFD(fd, evloop.Readable, func(ev evloop.IOEvent) { s.onReadable(id, ev) }); err != nil {
			s.log.Warnf("ipc: register conn %d: %v", id, err)
			s.closeConn(id, closeError)
		}
	}
}

const readChunk = 4096

func (s *Server) onReadable(id uint64, ev evloop.IOEvent) {
	c, ok := s.conns[id]
	if !ok {
		return
	}

	if ev&evloop.HangupOrError != 0 {
		s.closeConn(id, closeEOF)
		return
	}

	var chunk [readChunk]byte
	for {
		n, err := unix.Read(c.fd, chunk[:])
		if n > 0 {
			msgs, ferr := c.feed(chunk[:n])
			for _, m := range msgs {
				s.handleMessage(id, c, m)
			}
			if ferr != nil {
				reason := closeError
				if errors.Is(ferr, proto.ErrOutOfSync) {
					reason = closeOutOfSync
				}
				s.closeConn(id, reason)
				return
			}
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if n == 0 {
				s.closeConn(id, closeEOF)
				return
			}
			s.closeConn(id, closeError)
			return
		}
		if n == 0 {
			s.closeConn(id, closeEOF)
			return
		}
	}
}

func (s *Server) handleMessage(id uint64, c *conn, m message.Message) {
	from := message.Endpoint{Kind: message.EndpointSocket, ConnID: id, Creds: c.creds}
	s.bus.Enqueue(from, message.BroadcastRecipient, m)
	if m.Type == msgtype.Close {
		s.bus.Drain()
		s.closeConn(id, closeClientRequest)
	}
}

func (s *Server) closeConn(id uint64, reason closeReason) {
	c, ok := s.conns[id]
	if !ok {
		return
	}
	s.loop.UnregisterFD(c.fd)
	_ = unix.Close(c.fd)
	delete(s.conns, id)
	if reason != closeClientRequest {
		s.log.Warnf("ipc: conn %d closed: %s", id, reason)
	}
}

// BroadcastToClients implements bus.ClientBroadcaster.
func (s *Server) BroadcastToClients(msg message.Message) {
	for id, c := range s.conns {
		if err := c.writeMessage(msg); err != nil {
			s.log.Warnf("ipc: write to conn %d: %v", id, err)
		}
	}
}

// BroadcastToClientsExtra implements bus.ClientBroadcaster.
func (s *Server) BroadcastToClientsExtra(msg message.Message, extra []byte) {
	msg.Extra = extra
	s.BroadcastToClients(msg)
}

