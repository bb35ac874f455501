package flow

import (
	"io"

	"github.com/raskyld/sparse/pkg/wire"
)

// FrameCodec encodes and decodes [wire.Message]s.
type FrameCodec struct {
	// MaxPayload bounds the size of decoded payloads,
	// [wire.DefaultMaxPayload] when zero.
	MaxPayload uint32
}

var (
	_ Encoder[wire.Message] = FrameCodec{}
	_ Decoder[wire.Message] = FrameCodec{}
)

func NewFrameCodec(maxPayload uint32) FrameCodec {
	return FrameCodec{MaxPayload: maxPayload}
}

func (c FrameCodec) Encode(w io.Writer, msg wire.Message) error {
	buf, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (c FrameCodec) Decode(r io.Reader) (wire.Message, error) {
	return wire.ReadMessage(r, c.MaxPayload)
}
