package meshlink

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"
)

const (
	// QUICMaxSplitSize keeps a chunk and its headers inside a single QUIC
	// datagram frame on a 1280 bytes path MTU.
	QUICMaxSplitSize = 1100

	defaultALPN        = "meshlink"
	defaultDialTimeout = 10 * time.Second

	qErrShutdown = quic.ApplicationErrorCode(0x3)
)

// QUICEngine is a `PacketConn` backed by unreliable QUIC datagrams
// (RFC 9221). Connections are dialed lazily the first time a peer is
// written to and reused in both directions.
type QUICEngine struct {
	cfg    *EngineConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	closed   atomic.Bool
	closeCh  chan struct{}
	packetCh chan *Packet
	wg       sync.WaitGroup

	dials   singleflight.Group
	cxs     map[Endpoint]quic.Connection
	cxsLock sync.RWMutex

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener
	local Endpoint
}

var _ PacketConn = (*QUICEngine)(nil)

func NewQUICEngine(cfg *EngineConfig) (e *QUICEngine, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{defaultALPN}
	}

	e = &QUICEngine{
		cfg:      cfg,
		logger:   cfg.logger(),
		msink:    cfg.sink(),
		closeCh:  make(chan struct{}),
		packetCh: make(chan *Packet, 512),
		cxs:      make(map[Endpoint]quic.Connection),
	}

	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	udpLn, err := listenUDP(cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.udpLn = udpLn

	if err := negociateBufferSize(udpLn, cfg, e.logger, e.msink); err != nil {
		return nil, err
	}

	e.tr = &quic.Transport{
		Conn: udpLn,
	}
	e.cfg.TlsConfig = tlsConf

	ln, err := e.tr.Listen(tlsConf, e.quicConfig())
	if err != nil {
		return nil, err
	}
	e.ln = ln
	e.local = endpointFromAddr(udpLn.LocalAddr())
	e.logger.Info("mesh network node is ready", "local", e.local, "engine", "quic")

	e.wg.Add(1)
	go e.acceptCx()
	return e, nil
}

func (e *QUICEngine) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

func (e *QUICEngine) LocalEndpoint() Endpoint {
	return e.local
}

func (e *QUICEngine) PacketCh() <-chan *Packet {
	return e.packetCh
}

func (e *QUICEngine) WriteTo(b []byte, to Endpoint) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	mLabels := withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(to.String()))
	conn, err := e.getActiveCx(to)
	if err == nil {
		err = conn.SendDatagram(b)
	}
	if err != nil {
		e.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
		return err
	}

	e.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(b)), mLabels)
	return nil
}

func (e *QUICEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.closeCh)

	e.cxsLock.Lock()
	for _, cx := range e.cxs {
		cx.CloseWithError(qErrShutdown, "shutdown: we are shutting down! bye!")
	}
	clear(e.cxs)
	e.cxsLock.Unlock()

	if e.ln != nil {
		e.ln.Close()
	}
	if e.tr != nil {
		e.tr.Close()
	}

	var err error
	if e.udpLn != nil {
		err = e.udpLn.Close()
	}

	e.wg.Wait()
	close(e.packetCh)
	return err
}

func (e *QUICEngine) getActiveCx(to Endpoint) (quic.Connection, error) {
	e.cxsLock.RLock()
	cx, ok := e.cxs[to]
	e.cxsLock.RUnlock()
	if ok && cx.Context().Err() == nil {
		return cx, nil
	}

	res, err, _ := e.dials.Do(to.String(), func() (any, error) {
		return e.dial(to)
	})
	if err != nil {
		return nil, err
	}
	return res.(quic.Connection), nil
}

func (e *QUICEngine) dial(to Endpoint) (quic.Connection, error) {
	addr, err := to.UDPAddr()
	if err != nil {
		return nil, err
	}

	timeout := e.cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := e.tr.Dial(ctx, addr, e.cfg.TlsConfig, e.quicConfig())
	if e.closed.Load() {
		if conn != nil {
			conn.CloseWithError(qErrShutdown, "shutdown")
		}
		return nil, ErrEngineClosed
	}
	if err != nil {
		e.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(to.String()), LabelError.M("dial")),
		)
		return nil, err
	}

	e.handleConn(conn)
	return conn, nil
}

func (e *QUICEngine) acceptCx() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept(context.Background())
		if err != nil {
			if !e.closed.Load() {
				e.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		e.handleConn(conn)
	}
}

func (e *QUICEngine) handleConn(conn quic.Connection) {
	peer := endpointFromAddr(conn.RemoteAddr())

	e.cxsLock.Lock()
	if e.closed.Load() {
		e.cxsLock.Unlock()
		conn.CloseWithError(qErrShutdown, "shutdown")
		return
	}
	e.cxs[peer] = conn
	e.wg.Add(1)
	e.cxsLock.Unlock()

	e.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(peer.String())),
	)
	go e.waitForDatagrams(peer, conn)
}

func (e *QUICEngine) waitForDatagrams(peer Endpoint, conn quic.Connection) {
	defer e.wg.Done()
	defer e.forget(peer, conn)

	ctx := conn.Context()
	logger := e.logger.With(LabelPeerAddr.L(peer))
	mLabels := withLabels(e.cfg.MetricLabels, LabelPeerAddr.M(peer.String()))

	for {
		buf, err := conn.ReceiveDatagram(ctx)
		ts := time.Now()
		if e.closed.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			e.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(slices.Clone(mLabels), LabelError.M("unknown")),
			)
			logger.Error("error reading QUIC datagram", LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			continue
		}

		e.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(len(buf)), mLabels)
		select {
		case e.packetCh <- &Packet{Buf: buf, From: peer, Timestamp: ts}:
		case <-e.closeCh:
			return
		}
	}
}

func (e *QUICEngine) forget(peer Endpoint, conn quic.Connection) {
	e.cxsLock.Lock()
	defer e.cxsLock.Unlock()
	if current, ok := e.cxs[peer]; ok && current == conn {
		delete(e.cxs, peer)
	}
}
