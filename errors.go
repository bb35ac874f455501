package sparse

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("sparse: invalid options")
	ErrRole       = errors.New("sparse: operation not supported by node role")
	ErrTopology   = errors.New("topology: invalid pipeline")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve peer name from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")

	ErrConnectionLost = errors.New("session: connection lost")

	ErrUpstreamUnavailable = errors.New("deployer: upstream unavailable")
	ErrTaskTimeout         = errors.New("deployer: task timed out")
	ErrTaskAborted         = errors.New("deployer: task aborted")

	ErrExecutorFailure = errors.New("executor: task failed")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrNone = QuicApplicationError{
		Code:   0x0,
		Prefix: "no error",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol violation",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// taskAborted is the error observed by every task pending on a session
// which has been lost.
func taskAborted(cause error) error {
	if errors.Is(cause, ErrConnectionLost) {
		return fmt.Errorf("%w: %w", ErrTaskAborted, cause)
	}
	return fmt.Errorf("%w: %w: %w", ErrTaskAborted, ErrConnectionLost, cause)
}

// executorFailure rebuilds the error reported by a peer in an error-tagged
// response.
func executorFailure(msg []byte) error {
	if len(msg) == 0 {
		return ErrExecutorFailure
	}
	return fmt.Errorf("%w: %s", ErrExecutorFailure, msg)
}
