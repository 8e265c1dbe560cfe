package meshlink

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Packet is a datagram received by a `PacketConn`.
type Packet struct {
	Buf       []byte
	From      Endpoint
	Timestamp time.Time
}

// PacketConn is the unreliable datagram substrate of the mesh.
//
// *Implementations* MUST close the channel returned by `PacketCh` once
// `Close` has been called and no more packet will be delivered.
type PacketConn interface {
	// WriteTo sends a single datagram, delivery is not guaranteed.
	WriteTo(b []byte, to Endpoint) error
	PacketCh() <-chan *Packet
	LocalEndpoint() Endpoint
	Close() error
}

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPortAttempts      = 10
	maxDatagramSize          = 1<<16 - 1
)

// EngineConfig represents configuration of the datagram engines.
type EngineConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `EngineConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// BindAddr and BindPort are where the mesh listens. A zero port lets
	// the kernel pick one.
	BindAddr string
	BindPort int

	// PortAttempts is how many successive ports are tried when
	// `BindPort` is already in use.
	PortAttempts int

	// TlsConfig is only used by the QUIC engine.
	TlsConfig *tls.Config

	// DialTimeout controls how much time the QUIC engine waits for a
	// connection establishment.
	DialTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the engine.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *EngineConfig) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

func (cfg *EngineConfig) sink() metrics.MetricSink {
	if cfg.MetricSink == nil {
		return metrics.Default()
	}
	return cfg.MetricSink
}
