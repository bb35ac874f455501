package flow

import (
	"github.com/quic-go/quic-go"
)

// QErrReadCancelled is sent to the peer when we stop reading a stream.
const QErrReadCancelled = quic.StreamErrorCode(0xC)

type RemoteSender struct {
	quic.SendStream
}

var _ RawSender = RemoteSender{}

type RemoteReceiver struct {
	quic.ReceiveStream
}

var _ RawReceiver = RemoteReceiver{}

func (r RemoteReceiver) Close() error {
	r.CancelRead(QErrReadCancelled)
	return nil
}

// NewRemote splits a QUIC stream into its two halves.
func NewRemote(stream quic.Stream) Raw {
	return Raw{
		RawReceiver: RemoteReceiver{ReceiveStream: stream},
		RawSender:   RemoteSender{SendStream: stream},
	}
}
