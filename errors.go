package meshlink

import (
	"errors"
)

var (
	ErrInvalidCfg  = errors.New("node: invalid options")
	ErrJoinCluster = errors.New("node: could not join cluster")
	ErrNodeClosed  = errors.New("node: already shut down")

	ErrBufferSize      = errors.New("engine: could not allocate udp buffer")
	ErrInvalidAddr     = errors.New("engine: the address you provided is invalid")
	ErrUdpNotAvailable = errors.New("engine: UDP listener not available")
	ErrNoTLSConfig     = errors.New("engine: TlsConfig is required")
	ErrEngineClosed    = errors.New("engine: closed")

	ErrTransportClosed   = errors.New("transport: shutting down")
	ErrMalformedDatagram = errors.New("transport: malformed datagram")

	ErrInvalidHandlerID = errors.New("delivery: handler ID must be between 1 and 65535")
	ErrDuplicateHandler = errors.New("delivery: duplicate handler ID")
	ErrNilHandler       = errors.New("delivery: handler must not be nil")
	ErrHandlerNotFound  = errors.New("delivery: handler missing")
	ErrHandlerPanic     = errors.New("delivery: handler panicked")
	ErrResponseTimeout  = errors.New("delivery: response timed out")
	ErrMalformedMessage = errors.New("delivery: malformed message")

	ErrNoNodeToSend = errors.New("broker: no node to send the message given")

	ErrInvalidMeta  = errors.New("gossip: invalid node metadata")
	ErrMetaTooLarge = errors.New("gossip: node metadata does not fit memberlist limit")
)

// RemoteError is handed to a response callback when the remote handler
// answered with an error. Only its message crosses the wire.
type RemoteError struct {
	Msg string
}

func (rerr *RemoteError) Error() string {
	return "remote: " + rerr.Msg
}
