package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestRoundTrip(t *testing.T) {
	now := time.Unix(0, time.Now().UnixNano()).UTC()

	for _, size := range []int{0, 1, 13, 4096, 1 << 20} {
		payload := randomPayload(t, size)

		t.Run("request", func(t *testing.T) {
			in := &Request{CorrelationID: 42, Sequence: 7, CreatedAt: now, Payload: payload}
			buf, err := Encode(in)
			require.NoError(t, err)
			require.Len(t, buf, Size(in))

			out, err := Decode(buf)
			require.NoError(t, err)
			req, ok := out.(*Request)
			require.True(t, ok, "decoded %T instead of *Request", out)
			require.Equal(t, in.CorrelationID, req.CorrelationID)
			require.Equal(t, in.Sequence, req.Sequence)
			require.True(t, in.CreatedAt.Equal(req.CreatedAt))
			require.Equal(t, payload, req.Payload)
		})

		t.Run("response", func(t *testing.T) {
			in := &Response{CorrelationID: 1<<64 - 1, CompletedAt: now, Payload: payload}
			buf, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(buf)
			require.NoError(t, err)
			res := out.(*Response)
			require.Equal(t, in.CorrelationID, res.CorrelationID)
			require.False(t, res.Failed)
			require.True(t, in.CompletedAt.Equal(res.CompletedAt))
			require.Equal(t, payload, res.Payload)
		})
	}
}

func TestErrorKind(t *testing.T) {
	buf, err := Encode(&Response{CorrelationID: 3, Payload: []byte("boom"), Failed: true})
	require.NoError(t, err)
	require.Equal(t, byte(KindError), buf[LengthSize])

	out, err := Decode(buf)
	require.NoError(t, err)
	res := out.(*Response)
	require.True(t, res.Failed)
	require.Equal(t, "boom", string(res.Payload))
	require.True(t, res.CompletedAt.IsZero())
}

func TestEncodeIsDeterministic(t *testing.T) {
	msg := &Stats{CorrelationID: 9, Payload: []byte("record")}
	a, err := Encode(msg)
	require.NoError(t, err)
	b, err := Encode(msg)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, uint32(len(a)-LengthSize), binary.BigEndian.Uint32(a))
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&Request{CorrelationID: 1, Sequence: 1, Payload: []byte("abc")})
	require.NoError(t, err)

	t.Run("truncated header", func(t *testing.T) {
		_, err := Decode(valid[:HeaderSize-1])
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := Decode(valid[:len(valid)-1])
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("unknown kind", func(t *testing.T) {
		tampered := bytes.Clone(valid)
		tampered[LengthSize] = 0x7F
		_, err := Decode(tampered)
		require.ErrorIs(t, err, ErrProtocol)
		require.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("request kind without its header", func(t *testing.T) {
		short, err := Encode(&Stats{CorrelationID: 1})
		require.NoError(t, err)
		short[LengthSize] = byte(KindRequest)
		_, err = Decode(short)
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestReadMessage(t *testing.T) {
	var stream bytes.Buffer
	msgs := []Message{
		&Request{CorrelationID: 1, Sequence: 1, Payload: []byte("first")},
		&Response{CorrelationID: 1, Payload: []byte("second")},
		&Stats{Payload: []byte("third")},
	}
	for _, msg := range msgs {
		buf, err := Encode(msg)
		require.NoError(t, err)
		stream.Write(buf)
	}

	for _, want := range msgs {
		got, err := ReadMessage(&stream, 0)
		require.NoError(t, err)
		require.Equal(t, want.Kind(), got.Kind())
		require.Equal(t, want.ID(), got.ID())
	}

	_, err := ReadMessage(&stream, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMessageTornFrame(t *testing.T) {
	buf, err := Encode(&Request{CorrelationID: 5, Payload: []byte("payload")})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(buf[:len(buf)-2]), 0)
	require.ErrorIs(t, err, ErrProtocol)

	_, err = ReadMessage(bytes.NewReader(buf[:2]), 0)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestReadMessageTooLarge(t *testing.T) {
	buf, err := Encode(&Request{CorrelationID: 5, Payload: make([]byte, 1024)})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(buf), 128)
	require.ErrorIs(t, err, ErrProtocol)
	require.True(t, errors.Is(err, ErrTooLargeFrame))
}

func TestFits(t *testing.T) {
	require.True(t, Fits(&Request{Payload: make([]byte, 128)}, 128))
	require.False(t, Fits(&Request{Payload: make([]byte, 256)}, 128))
	require.True(t, Fits(&Stats{}, 0))

	// the limit is on the payload, whatever the size of the kind header.
	for _, msg := range []Message{
		&Request{Payload: make([]byte, 129)},
		&Response{Payload: make([]byte, 129)},
		&Response{Payload: make([]byte, 129), Failed: true},
		&Stats{Payload: make([]byte, 129)},
	} {
		require.False(t, Fits(msg, 128), "%s frame", msg.Kind())
	}
	require.True(t, Fits(&Response{Payload: make([]byte, 128)}, 128))
}

func TestReadMessagePayloadLimitPerKind(t *testing.T) {
	for _, msg := range []Message{
		&Request{CorrelationID: 1, Payload: make([]byte, 65)},
		&Response{CorrelationID: 2, Payload: make([]byte, 65)},
		&Stats{CorrelationID: 3, Payload: make([]byte, 65)},
	} {
		buf, err := Encode(msg)
		require.NoError(t, err)

		_, err = ReadMessage(bytes.NewReader(buf), 64)
		require.ErrorIs(t, err, ErrTooLargeFrame, "%s frame", msg.Kind())

		got, err := ReadMessage(bytes.NewReader(buf), 65)
		require.NoError(t, err)
		require.Equal(t, msg.ID(), got.ID())
	}

	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 9, 0x7F, 0, 0, 0, 0, 0, 0, 0, 0}), 0)
	require.ErrorIs(t, err, ErrUnknownKind)
}
