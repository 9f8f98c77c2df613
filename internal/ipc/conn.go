package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/proto"
)

// closeReason records why a connection was torn down, surfaced only for
// logging (spec.md §7 "Client framing").
type closeReason int

const (
	closeClientRequest closeReason = iota
	closeEOF
	closeError
	closeOutOfSync
)

func (r closeReason) String() string {
	switch r {
	case closeClientRequest:
		return "client CLOSE"
	case closeEOF:
		return "eof"
	case closeError:
		return "read error"
	case closeOutOfSync:
		return "out of sync"
	default:
		return "unknown"
	}
}

// conn is a single accepted client connection (spec.md §3 "Client
// connection"): fd, growing receive buffer, peer credentials captured
// once at accept.
type conn struct {
	id    uint64
	fd    int
	creds message.Credentials
	buf   []byte // used bytes only; capacity grows via append
}

// feed appends newly read bytes to buf and extracts every complete
// message currently available, per the framer contract in spec.md §4.6:
//
//  1. ensure buffer >= header size and read into it until complete
//  2. read declared line_size_ minus what is buffered
//  3. declared size > 64KiB or < header size => out-of-sync close
//  4. clean EOF => eof close
//  5. any other read error => error close
//  6. on success, detach the buffer and return it as a typed message
func (c *conn) feed(data []byte) (msgs []message.Message, closeErr error) {
	c.buf = append(c.buf, data...)

	for {
		if len(c.buf) < 12 {
			return msgs, nil
		}
		h, err := proto.DecodeHeader(c.buf)
		if err != nil {
			return msgs, fmt.Errorf("ipc: conn %d: %w", c.id, err)
		}
		if h.Size < 12 || h.LineSize < h.Size || uint64(h.LineSize) > proto.MaxMessageSize {
			return msgs, fmt.Errorf("ipc: conn %d: line_size=%d size=%d: %w", c.id, h.LineSize, h.Size, proto.ErrOutOfSync)
		}
		if uint32(len(c.buf)) < h.LineSize {
			// not enough buffered yet; wait for more data
			return msgs, nil
		}

		m, err := proto.Decode(c.buf[:h.LineSize])
		if err != nil {
			return msgs, fmt.Errorf("ipc: conn %d: %w", c.id, err)
		}
		msgs = append(msgs, m)
		c.buf = append(c.buf[:0], c.buf[h.LineSize:]...)
	}
}

// writeMessage performs the scatter-write described in spec.md §4.6:
// header, body, and extra as independent iovecs in one syscall. Partial
// writes are not recovered; errors are returned to the caller to log, not
// to disconnect the client (spec.md §4.6: "a failing client write ... does
// not disconnect").
func (c *conn) writeMessage(m message.Message) error {
	hdr := proto.AppendHeader(make([]byte, 0, 12), m)

	iovs := make([]unix.Iovec, 0, 3)
	iovs = append(iovs, newIovec(hdr))
	if len(m.Body) > 0 {
		iovs = append(iovs, newIovec(m.Body))
	}
	if len(m.Extra) > 0 {
		iovs = append(iovs, newIovec(m.Extra))
	}

	_, err := unix.Writev(c.fd, iovs)
	return err
}

// newIovec builds an unix.Iovec referencing b's backing array. b must
// outlive the Writev call (true here: caller holds references for the
// duration of the syscall).
func newIovec(b []byte) unix.Iovec {
	var iov unix.Iovec
	if len(b) > 0 {
		iov.Base = &b[0]
	}
	iov.SetLen(len(b))
	return iov
}
