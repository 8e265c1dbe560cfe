package meshlink

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	pingPacket = []byte("ping")
	pongPacket = []byte("PONG\n")
)

// UDPEngine is the plain UDP `PacketConn`.
//
// It answers `PONG\n` to any `ping` datagram so operators can check
// connectivity with netcat.
type UDPEngine struct {
	cfg    *EngineConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	closed   atomic.Bool
	closeCh  chan struct{}
	packetCh chan *Packet
	wg       sync.WaitGroup

	udpLn *net.UDPConn
	local Endpoint
}

var _ PacketConn = (*UDPEngine)(nil)

func NewUDPEngine(cfg *EngineConfig) (e *UDPEngine, err error) {
	e = &UDPEngine{
		cfg:      cfg,
		logger:   cfg.logger(),
		msink:    cfg.sink(),
		closeCh:  make(chan struct{}),
		packetCh: make(chan *Packet, 512),
	}

	udpLn, err := listenUDP(cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.udpLn = udpLn

	defer func() {
		if err != nil {
			udpLn.Close()
		}
	}()

	if err := negociateBufferSize(udpLn, cfg, e.logger, e.msink); err != nil {
		return nil, err
	}

	e.local = endpointFromAddr(udpLn.LocalAddr())
	e.logger.Info("mesh network node is ready", "local", e.local)

	e.wg.Add(1)
	go e.readLoop()
	return e, nil
}

// listenUDP binds the requested port or, when it is already in use, one
// of the following ones.
func listenUDP(cfg *EngineConfig, logger *slog.Logger) (*net.UDPConn, error) {
	ip := net.ParseIP(cfg.BindAddr)
	if cfg.BindAddr == "" {
		ip = net.IPv4(127, 0, 0, 1)
	} else if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, cfg.BindAddr)
	}

	attempts := cfg.PortAttempts
	if attempts < 1 {
		attempts = 1
	}

	port := cfg.BindPort
	var lastErr error
	for i := 0; i < attempts; i++ {
		udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return udpLn, nil
		}
		lastErr = err
		if port == 0 || !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
		logger.Warn("port already in use, trying the next one", "port", port)
		port++
	}
	return nil, fmt.Errorf("%w: %w", ErrUdpNotAvailable, lastErr)
}

func negociateBufferSize(
	udpLn *net.UDPConn,
	cfg *EngineConfig,
	logger *slog.Logger,
	msink metrics.MetricSink,
) error {
	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	size := requested
	for size > 0 {
		if err := udpLn.SetReadBuffer(size); err != nil {
			if cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (e *UDPEngine) LocalEndpoint() Endpoint {
	return e.local
}

func (e *UDPEngine) PacketCh() <-chan *Packet {
	return e.packetCh
}

func (e *UDPEngine) WriteTo(b []byte, to Endpoint) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	mLabels := withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(to.String()))
	addr, err := to.UDPAddr()
	if err == nil {
		_, err = e.udpLn.WriteToUDP(b, addr)
	}
	if err != nil {
		e.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
		return err
	}

	e.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(b)), mLabels)
	return nil
}

func (e *UDPEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.closeCh)
	err := e.udpLn.Close()
	e.wg.Wait()
	return err
}

func (e *UDPEngine) readLoop() {
	defer e.wg.Done()
	defer close(e.packetCh)

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := e.udpLn.ReadFromUDP(buf)
		ts := time.Now()
		if e.closed.Load() {
			e.logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				e.logger.Warn("unexpected UDP listener closure", LabelError.L(err))
				return
			}
			e.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(e.cfg.MetricLabels, LabelError.M("unknown")),
			)
			e.logger.Error("error reading UDP packet", LabelError.L(err))
			continue
		}

		peer := endpointFromAddr(from)
		mLabels := withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(peer.String()))
		if n < 1 {
			e.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("too_small")),
			)
			e.logger.Error("received a too short udp packet", "length", n)
			continue
		}

		if bytes.Equal(buf[:n], pingPacket) {
			if _, err := e.udpLn.WriteToUDP(pongPacket, from); err != nil {
				e.logger.Warn("failed to answer ping", LabelPeerAddr.L(peer), LabelError.L(err))
			}
			continue
		}

		e.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		pkt := &Packet{
			Buf:       bytes.Clone(buf[:n]),
			From:      peer,
			Timestamp: ts,
		}

		select {
		case e.packetCh <- pkt:
		case <-e.closeCh:
			return
		}
	}
}
