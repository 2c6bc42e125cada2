package drumpond

import (
	"errors"

	"github.com/quic-go/quic-go"
)

var (
	ErrNameInvalid = errors.New("relay: names must only contains alphanum, dashes, dots, underscores and be less than 128 chars")

	ErrInvalidCfg     = errors.New("relay: invalid options")
	ErrNameConflict   = errors.New("relay: name is already registered by a live client")
	ErrConnectionLost = errors.New("relay: connection to the server is lost")
	ErrServerClosed   = errors.New("relay: server closed")
	ErrAlreadyStarted = errors.New("relay: already started")

	ErrDialFailed     = errors.New("transport: could not reach remote")
	ErrNoTLSConfig    = errors.New("transport: TlsConfig is required")
	ErrUnknownNetwork = errors.New("transport: unknown network")
)

var (
	QErrStreamClosed = quic.StreamErrorCode(0x0)
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNoStream = QuicApplicationError{
		Code:   0x5,
		Prefix: "no stream",
	}
)

// QuicApplicationError is sent to the remote when we close a QUIC
// connection.
type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			qerr.Prefix+": "+msg,
		)
	}
	return nil
}
