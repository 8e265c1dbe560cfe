package meshlink

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Datagram flags of the reliable transport:
//
//	USEND: [0x00][payload]
//	SEND:  [0x01][16B id][payload]
//	ACK:   [0x02][16B id][16B acknowledged id]
const (
	flagUSend byte = 0x00
	flagSend  byte = 0x01
	flagAck   byte = 0x02

	idSize         = 16
	sendHeaderSize = 1 + idSize
	ackSize        = 1 + 2*idSize
)

const (
	DefaultTimeout       = 3 * time.Second
	DefaultRetryTimeout  = 200 * time.Millisecond
	DefaultCleanInterval = 10 * time.Second

	defaultShutdownPollInterval = 1 * time.Second
	defaultMaxShutdownPolls     = 30
	defaultDedupCapacity        = 1 << 16
)

// TransportConfig represents configuration for the reliable transport.
type TransportConfig struct {
	// Timeout is the cumulative time a reliable datagram is retried before
	// giving up.
	Timeout time.Duration

	// RetryTimeout is the initial retry delay, the n-th retry waits
	// n times this delay.
	RetryTimeout time.Duration

	// CleanInterval controls how often stale state is swept.
	// Duplicate suppression records live for `CleanInterval - 1ms`.
	CleanInterval time.Duration

	// ShutdownPollInterval and MaxShutdownPolls bound how long
	// `Transport.Shutdown` waits for unacknowledged datagrams.
	ShutdownPollInterval time.Duration
	MaxShutdownPolls     int

	// DedupCapacity bounds the number of message IDs remembered for
	// duplicate suppression. Redeliveries are only suppressed while their
	// ID is remembered: past `DedupCapacity` datagrams per `CleanInterval`,
	// the oldest IDs are evicted early and a late retransmission of them is
	// delivered again. Early evictions are counted in
	// `MetricTransportEvictionCount`.
	DedupCapacity int

	// Clock drives every timer of the transport.
	Clock clock.Clock

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *TransportConfig) defaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if cfg.CleanInterval == 0 {
		cfg.CleanInterval = DefaultCleanInterval
	}
	if cfg.ShutdownPollInterval == 0 {
		cfg.ShutdownPollInterval = defaultShutdownPollInterval
	}
	if cfg.MaxShutdownPolls == 0 {
		cfg.MaxShutdownPolls = defaultMaxShutdownPolls
	}
	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = defaultDedupCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

// TransportEvents are the hooks of a `Transport`. They are all optional
// and are never invoked while the transport holds a lock, so they may
// call back into it.
type TransportEvents struct {
	// OnMessage is invoked once per reliable datagram, redeliveries
	// are suppressed.
	OnMessage func(buf []byte, from Endpoint)

	// OnUnreliableMessage is invoked for every unreliable datagram.
	OnUnreliableMessage func(buf []byte, from Endpoint)

	// OnAck is invoked when a pending reliable datagram is acknowledged.
	OnAck func(id uuid.UUID)

	// OnTimeout is invoked once when a reliable datagram exhausted its
	// retry budget, with the payload originally given to `Transport.Send`.
	OnTimeout func(id uuid.UUID, payload []byte, to Endpoint)

	OnStart func(local Endpoint)
	OnStop  func()
}

// Transport adds per-datagram acknowledgement, linear backoff retries and
// duplicate suppression on top of an unreliable `PacketConn`.
type Transport struct {
	cfg    TransportConfig
	events TransportEvents
	logger *slog.Logger
	msink  metrics.MetricSink
	clock  clock.Clock
	engine PacketConn

	// past this age, a pending datagram had every chance to fire its last
	// retry and is force-cleared.
	maxLifetime time.Duration

	started atomic.Bool
	closing atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	lk      sync.Mutex
	retries map[uuid.UUID]*pendingSend
	emitted *lru.Cache[uuid.UUID, time.Time]
}

type pendingSend struct {
	to      Endpoint
	msg     []byte
	counter int
	wait    time.Duration
	elapsed time.Duration
	timer   *clock.Timer
	created time.Time
}

func NewTransport(engine PacketConn, cfg TransportConfig, events TransportEvents) (*Transport, error) {
	cfg.defaults()
	if cfg.Timeout < 0 || cfg.RetryTimeout <= 0 || cfg.CleanInterval <= time.Millisecond {
		return nil, fmt.Errorf("%w: transport timings must be positive", ErrInvalidCfg)
	}

	t := &Transport{
		cfg:         cfg,
		events:      events,
		clock:       cfg.Clock,
		engine:      engine,
		maxLifetime: 2*cfg.Timeout + cfg.RetryTimeout,
		stopCh:      make(chan struct{}),
		retries:     make(map[uuid.UUID]*pendingSend),
	}

	emitted, err := lru.NewWithEvict(cfg.DedupCapacity, t.onEvict)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	t.emitted = emitted

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	return t, nil
}

// Start begins to process inbound datagrams and to sweep stale state.
func (t *Transport) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	t.wg.Add(2)
	go t.receive()
	go t.cleaner()

	t.logger.Info("mesh-link transport started", "local", t.engine.LocalEndpoint())
	if t.events.OnStart != nil {
		t.events.OnStart(t.engine.LocalEndpoint())
	}
}

func (t *Transport) LocalEndpoint() Endpoint {
	return t.engine.LocalEndpoint()
}

// Send delivers `buf` reliably to `to` and returns the datagram ID which
// will be reported by `TransportEvents.OnAck` or `TransportEvents.OnTimeout`.
func (t *Transport) Send(to Endpoint, buf []byte) (uuid.UUID, error) {
	id := uuid.New()
	if err := t.sendWithID(id, to, buf); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (t *Transport) sendWithID(id uuid.UUID, to Endpoint, buf []byte) error {
	if t.stopped.Load() {
		return ErrTransportClosed
	}

	msg := make([]byte, sendHeaderSize+len(buf))
	msg[0] = flagSend
	copy(msg[1:], id[:])
	copy(msg[sendHeaderSize:], buf)

	// Registered before the first write so an early ack always finds it.
	ps := &pendingSend{
		to:      to,
		msg:     msg,
		wait:    t.cfg.RetryTimeout,
		created: t.clock.Now(),
	}
	t.lk.Lock()
	t.retries[id] = ps
	ps.timer = t.clock.AfterFunc(ps.wait, func() { t.retry(id) })
	t.lk.Unlock()

	t.write(msg, to)
	return nil
}

// USend sends `buf` once, without acknowledgement.
func (t *Transport) USend(to Endpoint, buf []byte) error {
	if t.stopped.Load() {
		return ErrTransportClosed
	}

	msg := make([]byte, 1+len(buf))
	msg[0] = flagUSend
	copy(msg[1:], buf)
	t.write(msg, to)
	return nil
}

// Pending returns the number of datagrams waiting for an ack.
func (t *Transport) Pending() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.retries)
}

// Shutdown waits for pending datagrams to be acknowledged or to time out,
// at most `MaxShutdownPolls` times `ShutdownPollInterval`, then closes the
// engine.
func (t *Transport) Shutdown() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	for polls := 0; ; polls++ {
		pending := t.Pending()
		if pending == 0 {
			break
		}
		if polls >= t.cfg.MaxShutdownPolls {
			t.logger.Warn(
				"shutdown: maximum polling count reached, forcing",
				"pending", pending,
			)
			break
		}
		t.logger.Debug("shutdown: waiting for unacknowledged datagrams",
			"pending", pending,
			"poll", polls,
		)
		t.clock.Sleep(t.cfg.ShutdownPollInterval)
	}

	t.stopped.Store(true)
	close(t.stopCh)

	t.lk.Lock()
	for id, ps := range t.retries {
		ps.timer.Stop()
		delete(t.retries, id)
	}
	t.lk.Unlock()
	t.emitted.Purge()

	err := t.engine.Close()
	if t.started.Load() {
		t.wg.Wait()
	}

	t.logger.Info("shutdown: mesh-link transport stopped")
	if t.events.OnStop != nil {
		t.events.OnStop()
	}
	return err
}

func (t *Transport) write(msg []byte, to Endpoint) {
	if err := t.engine.WriteTo(msg, to); err != nil {
		t.logger.Warn("failed to write datagram", LabelPeerAddr.L(to), LabelError.L(err))
	}
}

func (t *Transport) retry(id uuid.UUID) {
	t.lk.Lock()
	ps, ok := t.retries[id]
	if !ok {
		t.lk.Unlock()
		return
	}

	ps.elapsed += ps.wait
	if ps.elapsed >= t.cfg.Timeout {
		delete(t.retries, id)
		t.lk.Unlock()

		t.logger.Debug("reliable datagram retry timeout",
			LabelMessageID.L(id),
			LabelPeerAddr.L(ps.to),
			"retries", ps.counter,
		)
		t.msink.IncrCounterWithLabels(
			MetricTransportTimeoutCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(ps.to.String())),
		)
		if t.events.OnTimeout != nil {
			t.events.OnTimeout(id, ps.msg[sendHeaderSize:], ps.to)
		}
		return
	}

	ps.counter++
	ps.wait = t.cfg.RetryTimeout * time.Duration(ps.counter)
	ps.timer = t.clock.AfterFunc(ps.wait, func() { t.retry(id) })
	msg, to, counter := ps.msg, ps.to, ps.counter
	t.lk.Unlock()

	t.logger.Debug("reliable datagram retry",
		LabelMessageID.L(id),
		LabelPeerAddr.L(to),
		"counter", counter,
	)
	t.msink.IncrCounterWithLabels(
		MetricTransportRetryCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(to.String())),
	)
	t.write(msg, to)
}

// dismiss reports whether `id` was still waiting for an ack.
func (t *Transport) dismiss(id uuid.UUID) bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	ps, ok := t.retries[id]
	if !ok {
		return false
	}
	ps.timer.Stop()
	delete(t.retries, id)
	return true
}

func (t *Transport) receive() {
	defer t.wg.Done()
	for pkt := range t.engine.PacketCh() {
		t.handlePacket(pkt)
	}
}

func (t *Transport) drop(from Endpoint, reason string, n int) {
	t.msink.IncrCounterWithLabels(
		MetricTransportDropCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(from.String()), LabelReason.M(reason)),
	)
	t.logger.Warn("dropping datagram",
		LabelPeerAddr.L(from),
		LabelReason.L(reason),
		"length", n,
	)
}

func (t *Transport) handlePacket(pkt *Packet) {
	buf := pkt.Buf
	if len(buf) < 1 {
		t.drop(pkt.From, "empty", len(buf))
		return
	}

	switch buf[0] {
	case flagUSend:
		if t.events.OnUnreliableMessage != nil {
			t.events.OnUnreliableMessage(buf[1:], pkt.From)
		}

	case flagSend:
		if len(buf) < sendHeaderSize {
			t.drop(pkt.From, "too_small", len(buf))
			return
		}
		id := uuid.UUID(buf[1:sendHeaderSize])
		t.sendAck(id, pkt.From)

		if seen, _ := t.emitted.ContainsOrAdd(id, t.clock.Now()); seen {
			t.msink.IncrCounterWithLabels(
				MetricTransportDuplicateCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(pkt.From.String())),
			)
			return
		}
		if t.events.OnMessage != nil {
			t.events.OnMessage(buf[sendHeaderSize:], pkt.From)
		}

	case flagAck:
		if len(buf) < ackSize {
			t.drop(pkt.From, "too_small", len(buf))
			return
		}
		acked := uuid.UUID(buf[sendHeaderSize:ackSize])
		if !t.dismiss(acked) {
			return
		}
		t.msink.IncrCounterWithLabels(MetricTransportAckCount, 1.0, t.cfg.MetricLabels)
		if t.events.OnAck != nil {
			t.events.OnAck(acked)
		}

	default:
		t.drop(pkt.From, "unknown_flag", len(buf))
	}
}

func (t *Transport) sendAck(id uuid.UUID, to Endpoint) {
	ackID := uuid.New()
	ack := make([]byte, ackSize)
	ack[0] = flagAck
	copy(ack[1:], ackID[:])
	copy(ack[sendHeaderSize:], id[:])
	t.write(ack, to)
}

func (t *Transport) cleaner() {
	defer t.wg.Done()
	ticker := t.clock.Ticker(t.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.clean()
		}
	}
}

func (t *Transport) dedupTTL() time.Duration {
	return t.cfg.CleanInterval - time.Millisecond
}

// onEvict is called for every ID leaving the duplicate table, the sweep
// included. Only IDs still within their TTL are early evictions.
func (t *Transport) onEvict(id uuid.UUID, seen time.Time) {
	if t.clock.Since(seen) >= t.dedupTTL() {
		return
	}
	t.msink.IncrCounterWithLabels(MetricTransportEvictionCount, 1.0, t.cfg.MetricLabels)
	t.logger.Debug("message ID evicted before its TTL", LabelMessageID.L(id))
}

func (t *Transport) clean() {
	now := t.clock.Now()
	ttl := t.dedupTTL()

	for _, id := range t.emitted.Keys() {
		if ts, ok := t.emitted.Peek(id); ok && !ts.Add(ttl).After(now) {
			t.emitted.Remove(id)
		}
	}

	t.lk.Lock()
	for id, ps := range t.retries {
		if now.Sub(ps.created) >= t.maxLifetime {
			ps.timer.Stop()
			delete(t.retries, id)
			t.logger.Error("reliable datagram timed out and cleaned",
				LabelMessageID.L(id),
				LabelPeerAddr.L(ps.to),
			)
		}
	}
	pending := len(t.retries)
	t.lk.Unlock()

	t.msink.SetGaugeWithLabels(MetricTransportPending, float32(pending), t.cfg.MetricLabels)
}
