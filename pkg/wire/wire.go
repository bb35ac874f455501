// Package wire implements the length-prefixed frame format exchanged
// between pipeline nodes.
//
// Every frame starts with a fixed 13 bytes header:
//
//	[4-byte length][1-byte kind][8-byte correlation id]
//
// where length counts every byte following the length field itself.
// The header is followed by a kind-specific header and the opaque payload:
//
//   - REQUEST: [8-byte sequence][8-byte creation time, unix nanoseconds]
//   - RESPONSE and ERROR: [8-byte completion time, unix nanoseconds]
//   - STATS: nothing, the payload is an encoded statistics record.
//
// All integers are big endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// LengthSize is the size of the frame length prefix.
	LengthSize = 4
	// HeaderSize is the size of the fixed frame header.
	HeaderSize = LengthSize + 1 + 8

	requestHeaderSize  = 16
	responseHeaderSize = 8

	// DefaultMaxPayload bounds the payload a peer may send us.
	DefaultMaxPayload uint32 = 64 << 20
)

var (
	ErrProtocol      = errors.New("wire: protocol error")
	ErrTooLargeFrame = errors.New("wire: frame too large")
	ErrUnknownKind   = errors.New("wire: unknown message kind")
)

type Kind uint8

const (
	KindUnspecified Kind = iota
	KindRequest
	KindResponse
	KindError
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindStats:
		return "stats"
	default:
		return "unspecified"
	}
}

// Message is implemented by every record carried in a frame.
type Message interface {
	Kind() Kind
	ID() uint64
}

var (
	_ Message = (*Request)(nil)
	_ Message = (*Response)(nil)
	_ Message = (*Stats)(nil)
)

// Request asks the peer to execute a task.
type Request struct {
	CorrelationID uint64
	Sequence      uint64
	CreatedAt     time.Time
	Payload       []byte
}

func (r *Request) Kind() Kind { return KindRequest }
func (r *Request) ID() uint64 { return r.CorrelationID }

// Response carries the outcome of a task. When Failed is set, Payload holds
// a human readable error message and the frame kind is KindError.
type Response struct {
	CorrelationID uint64
	CompletedAt   time.Time
	Payload       []byte
	Failed        bool
}

func (r *Response) Kind() Kind {
	if r.Failed {
		return KindError
	}
	return KindResponse
}

func (r *Response) ID() uint64 { return r.CorrelationID }

// Stats carries an encoded statistics record. CorrelationID is the task the
// record relates to, or zero.
type Stats struct {
	CorrelationID uint64
	Payload       []byte
}

func (s *Stats) Kind() Kind { return KindStats }
func (s *Stats) ID() uint64 { return s.CorrelationID }

// Size returns the number of bytes Encode would produce for msg.
func Size(msg Message) int {
	switch m := msg.(type) {
	case *Request:
		return HeaderSize + requestHeaderSize + len(m.Payload)
	case *Response:
		return HeaderSize + responseHeaderSize + len(m.Payload)
	case *Stats:
		return HeaderSize + len(m.Payload)
	default:
		return 0
	}
}

// Fits reports whether a peer reading with maxPayload accepts the frame of
// msg.
func Fits(msg Message, maxPayload uint32) bool {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	size := Size(msg)
	if size == 0 {
		return false
	}
	kh, _ := kindHeaderSize(msg.Kind())
	return uint64(size-HeaderSize-kh) <= uint64(maxPayload)
}

// kindHeaderSize is the size of the header following the fixed header for
// frames of kind k.
func kindHeaderSize(k Kind) (int, bool) {
	switch k {
	case KindRequest:
		return requestHeaderSize, true
	case KindResponse, KindError:
		return responseHeaderSize, true
	case KindStats:
		return 0, true
	default:
		return 0, false
	}
}

// Encode returns the frame of msg.
func Encode(msg Message) ([]byte, error) {
	return AppendMessage(make([]byte, 0, Size(msg)), msg)
}

// AppendMessage appends the frame of msg to dst.
func AppendMessage(dst []byte, msg Message) ([]byte, error) {
	size := Size(msg)
	if size == 0 {
		return dst, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	if uint64(size-LengthSize) > uint64(^uint32(0)) {
		return dst, ErrTooLargeFrame
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size-LengthSize))
	dst = append(dst, byte(msg.Kind()))
	dst = binary.BigEndian.AppendUint64(dst, msg.ID())

	switch m := msg.(type) {
	case *Request:
		dst = binary.BigEndian.AppendUint64(dst, m.Sequence)
		dst = binary.BigEndian.AppendUint64(dst, uint64(unixNano(m.CreatedAt)))
		dst = append(dst, m.Payload...)
	case *Response:
		dst = binary.BigEndian.AppendUint64(dst, uint64(unixNano(m.CompletedAt)))
		dst = append(dst, m.Payload...)
	case *Stats:
		dst = append(dst, m.Payload...)
	}
	return dst, nil
}

// Decode parses exactly one frame held in buf. It never retains buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrProtocol, len(buf))
	}

	length := binary.BigEndian.Uint32(buf)
	if uint64(length) != uint64(len(buf)-LengthSize) {
		return nil, fmt.Errorf(
			"%w: length prefix %d does not match frame size %d",
			ErrProtocol, length, len(buf)-LengthSize,
		)
	}

	kind := Kind(buf[LengthSize])
	id := binary.BigEndian.Uint64(buf[LengthSize+1:])
	body := buf[HeaderSize:]

	switch kind {
	case KindRequest:
		if len(body) < requestHeaderSize {
			return nil, fmt.Errorf("%w: truncated request header", ErrProtocol)
		}
		return &Request{
			CorrelationID: id,
			Sequence:      binary.BigEndian.Uint64(body),
			CreatedAt:     fromUnixNano(int64(binary.BigEndian.Uint64(body[8:]))),
			Payload:       clone(body[requestHeaderSize:]),
		}, nil
	case KindResponse, KindError:
		if len(body) < responseHeaderSize {
			return nil, fmt.Errorf("%w: truncated response header", ErrProtocol)
		}
		return &Response{
			CorrelationID: id,
			CompletedAt:   fromUnixNano(int64(binary.BigEndian.Uint64(body))),
			Payload:       clone(body[responseHeaderSize:]),
			Failed:        kind == KindError,
		}, nil
	case KindStats:
		return &Stats{
			CorrelationID: id,
			Payload:       clone(body),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %w %d", ErrProtocol, ErrUnknownKind, kind)
	}
}

// ReadMessage reads one frame from r and decodes it.
//
// It returns io.EOF when r ends on a frame boundary. A frame torn by the end
// of the stream, or whose payload exceeds maxPayload, fails with ErrProtocol.
func ReadMessage(r io.Reader, maxPayload uint32) (Message, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: torn length prefix", ErrProtocol)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length < HeaderSize-LengthSize {
		return nil, fmt.Errorf("%w: frame length %d below header size", ErrProtocol, length)
	}

	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: torn frame", ErrProtocol)
		}
		return nil, err
	}
	kh, ok := kindHeaderSize(Kind(kind[0]))
	if !ok {
		return nil, fmt.Errorf("%w: %w %d", ErrProtocol, ErrUnknownKind, kind[0])
	}
	// a body shorter than its kind header is rejected by Decode.
	body := uint64(length) - (HeaderSize - LengthSize)
	if body > uint64(kh) && body-uint64(kh) > uint64(maxPayload) {
		return nil, fmt.Errorf("%w: %w (%d bytes)", ErrProtocol, ErrTooLargeFrame, length)
	}

	buf := make([]byte, LengthSize+int(length))
	copy(buf, prefix[:])
	buf[LengthSize] = kind[0]
	if _, err := io.ReadFull(r, buf[LengthSize+1:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: torn frame", ErrProtocol)
		}
		return nil, err
	}

	return Decode(buf)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
