// Package proto implements the bit-exact on-wire framing described in
// spec.md §6: a little-endian header of line_size_/size_/type_ followed by
// a fixed-struct body and an optional variable-length extra tail.
package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/msgtype"
)

// MaxMessageSize is the maximum accepted total message size (spec.md §6):
// a single message larger than this is a fatal framing error for the
// connection that sent it.
const MaxMessageSize = 64 * 1024

// DefaultBufferSize is the initial per-connection receive buffer capacity
// (spec.md §3 "Client connection").
const DefaultBufferSize = 1024

// Encode serialises m into its on-wire byte form: header, body, extra.
func Encode(m message.Message) []byte {
	buf := make([]byte, 0, m.LineSize)
	buf = AppendHeader(buf, m)
	buf = append(buf, m.Body...)
	buf = append(buf, m.Extra...)
	return buf
}

// AppendHeader appends the three little-endian header fields for m to buf,
// returning the extended slice.
func AppendHeader(buf []byte, m message.Message) []byte {
	var hdr [msgtype.HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], m.LineSize)
	binary.LittleEndian.PutUint32(hdr[4:8], m.Size)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(m.Type))
	return append(buf, hdr[:]...)
}

// Header is the parsed form of the three leading wire fields.
type Header struct {
	LineSize uint32
	Size     uint32
	Type     msgtype.ID
}

// DecodeHeader parses the fixed 12-byte header from the front of buf. buf
// must be at least msgtype.HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < msgtype.HeaderSize {
		return Header{}, fmt.Errorf("proto: short header: have %d bytes, need %d", len(buf), msgtype.HeaderSize)
	}
	return Header{
		LineSize: binary.LittleEndian.Uint32(buf[0:4]),
		Size:     binary.LittleEndian.Uint32(buf[4:8]),
		Type:     msgtype.ID(binary.LittleEndian.Uint32(buf[8:12])),
	}, nil
}

// Decode parses a complete, fully-buffered wire message (header + body +
// extra) out of buf. buf must contain exactly h.LineSize bytes, where h is
// the already-decoded header at the front of buf.
func Decode(buf []byte) (message.Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return message.Message{}, err
	}
	if h.Size < msgtype.HeaderSize {
		return message.Message{}, fmt.Errorf("proto: size %d smaller than header %d: %w", h.Size, msgtype.HeaderSize, ErrOutOfSync)
	}
	if h.LineSize < h.Size {
		return message.Message{}, fmt.Errorf("proto: line_size %d smaller than size %d: %w", h.LineSize, h.Size, ErrOutOfSync)
	}
	if uint64(h.LineSize) > MaxMessageSize {
		return message.Message{}, fmt.Errorf("proto: line_size %d exceeds max %d: %w", h.LineSize, MaxMessageSize, ErrOutOfSync)
	}
	if uint32(len(buf)) < h.LineSize {
		return message.Message{}, fmt.Errorf("proto: buffer holds %d bytes, need %d", len(buf), h.LineSize)
	}

	body := make([]byte, h.Size-msgtype.HeaderSize)
	copy(body, buf[msgtype.HeaderSize:h.Size])

	var extra []byte
	if h.LineSize > h.Size {
		extra = make([]byte, h.LineSize-h.Size)
		copy(extra, buf[h.Size:h.LineSize])
	}

	return message.Message{
		LineSize: h.LineSize,
		Size:     h.Size,
		Type:     h.Type,
		Body:     body,
		Extra:    extra,
	}, nil
}

// ErrOutOfSync is returned (wrapped) when a declared line_size_ exceeds
// MaxMessageSize or is otherwise nonsensical; the IPC server closes the
// offending connection with this reason (spec.md §4.6, §7).
var ErrOutOfSync = fmt.Errorf("proto: framing out of sync")
