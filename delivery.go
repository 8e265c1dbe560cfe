package meshlink

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshlink/pkg/framer"
)

// ResponseFunc receives the outcome of a request. It is also handed to
// handlers so they can answer: only the first call has an effect.
type ResponseFunc func(data []byte, err error)

// HandlerFunc processes the data sent to a handler ID.
//
// Handlers run on the receive loop of the node: long work must be moved
// to another goroutine, which can call `respond` later.
type HandlerFunc func(data []byte, respond ResponseFunc)

// DeliveryConfig represents configuration for the request/response layer.
type DeliveryConfig struct {
	// SplitSize is the maximum payload of a single chunk.
	SplitSize int

	// CleanInterval controls how often stale state is swept. It is also the
	// time a caller waits for a response before getting `ErrResponseTimeout`.
	CleanInterval time.Duration

	Clock clock.Clock

	// MetricsLabels to add to every metrics emitted by the delivery.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Delivery correlates requests with their responses and dispatches
// inbound requests to the registered handlers.
type Delivery struct {
	cfg    DeliveryConfig
	tr     *Transport
	reasm  *framer.Reassembler
	logger *slog.Logger
	msink  metrics.MetricSink
	clock  clock.Clock

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	lk        sync.Mutex
	handlers  map[uint16]HandlerFunc
	sends     map[uuid.UUID]*chunkTrain
	waiters   map[uuid.UUID]*waiter
	onHandle  func(*Envelope)
	onTimeout func(*Envelope)
}

// chunkTrain sends the chunks of a message one at a time, the next chunk
// leaving when the previous one was acknowledged.
type chunkTrain struct {
	to      Endpoint
	chunks  [][]byte
	env     *Envelope
	touched time.Time
}

type waiter struct {
	cb        ResponseFunc
	handlerID uint16
	to        Endpoint
	created   time.Time
}

// NewDelivery creates the delivery layer and the reliable `Transport` it
// owns on top of `engine`.
func NewDelivery(engine PacketConn, cfg DeliveryConfig, trCfg TransportConfig) (*Delivery, error) {
	if cfg.SplitSize == 0 {
		cfg.SplitSize = framer.DefaultChunkSize
	}
	if cfg.SplitSize < 1 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, framer.ErrInvalidChunkSize)
	}
	if cfg.CleanInterval == 0 {
		cfg.CleanInterval = DefaultCleanInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	d := &Delivery{
		cfg:      cfg,
		clock:    cfg.Clock,
		reasm:    framer.NewReassembler(cfg.Clock),
		stopCh:   make(chan struct{}),
		handlers: make(map[uint16]HandlerFunc),
		sends:    make(map[uuid.UUID]*chunkTrain),
		waiters:  make(map[uuid.UUID]*waiter),
	}

	if cfg.LogHandler == nil {
		d.logger = slog.Default()
	} else {
		d.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		d.msink = metrics.Default()
	} else {
		d.msink = cfg.MetricSink
	}

	trCfg.CleanInterval = cfg.CleanInterval
	trCfg.Clock = cfg.Clock
	tr, err := NewTransport(engine, trCfg, TransportEvents{
		OnMessage:           d.onMessage,
		OnUnreliableMessage: d.onMessage,
		OnAck:               d.onAck,
		OnTimeout:           d.onTransportTimeout,
	})
	if err != nil {
		return nil, err
	}
	d.tr = tr
	return d, nil
}

func (d *Delivery) Start() {
	d.tr.Start()
	d.wg.Add(1)
	go d.cleaner()
}

func (d *Delivery) LocalEndpoint() Endpoint {
	return d.tr.LocalEndpoint()
}

func validHandlerID(id int) error {
	if id < 1 || id > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrInvalidHandlerID, id)
	}
	return nil
}

// Handle registers `fn` for handler ID `id`.
func (d *Delivery) Handle(id int, fn HandlerFunc) error {
	if err := validHandlerID(id); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: handler ID %d", ErrNilHandler, id)
	}

	d.lk.Lock()
	defer d.lk.Unlock()
	if _, exists := d.handlers[uint16(id)]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateHandler, id)
	}
	d.handlers[uint16(id)] = fn
	return nil
}

// OnHandle sets the hook invoked with every inbound envelope, right before
// its handler.
func (d *Delivery) OnHandle(fn func(*Envelope)) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.onHandle = fn
}

// OnTimeout sets the hook invoked with the envelope of a reliable send
// whose destination never acknowledged it.
func (d *Delivery) OnTimeout(fn func(*Envelope)) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.onTimeout = fn
}

// Send delivers `env` reliably to `to`. If `cb` is not nil, it receives the
// response of the remote handler or an error.
func (d *Delivery) Send(to Endpoint, env *Envelope, cb ResponseFunc) error {
	return d.send(to, env, cb, true)
}

// USend is like `Send` but every chunk is fired once, without ack.
func (d *Delivery) USend(to Endpoint, env *Envelope, cb ResponseFunc) error {
	return d.send(to, env, cb, false)
}

func (d *Delivery) send(to Endpoint, env *Envelope, cb ResponseFunc, reliable bool) error {
	if d.closed.Load() {
		return ErrTransportClosed
	}
	if err := validHandlerID(int(env.HandlerID)); err != nil {
		return err
	}

	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	rid := uuid.Nil
	if cb != nil {
		rid = uuid.New()
	}

	chunks, err := framer.Split(encodeMessage(msgTypeSend, rid, env.HandlerID, body), d.cfg.SplitSize)
	if err != nil {
		return err
	}

	if cb != nil {
		d.lk.Lock()
		d.waiters[rid] = &waiter{
			cb:        cb,
			handlerID: env.HandlerID,
			to:        to,
			created:   d.clock.Now(),
		}
		d.lk.Unlock()
	}

	if !reliable {
		for _, chunk := range chunks {
			if err := d.tr.USend(to, chunk); err != nil {
				d.forgetWaiter(rid)
				return err
			}
		}
		return nil
	}

	if err := d.sendTrain(to, chunks, env); err != nil {
		d.forgetWaiter(rid)
		return err
	}
	return nil
}

func (d *Delivery) forgetWaiter(rid uuid.UUID) {
	if rid == uuid.Nil {
		return
	}
	d.lk.Lock()
	delete(d.waiters, rid)
	d.lk.Unlock()
}

func (d *Delivery) sendTrain(to Endpoint, chunks [][]byte, env *Envelope) error {
	train := &chunkTrain{
		to:      to,
		chunks:  chunks[1:],
		env:     env,
		touched: d.clock.Now(),
	}

	// Registered before sending so the ack always finds the train.
	remaining := len(train.chunks)
	id := uuid.New()
	d.lk.Lock()
	d.sends[id] = train
	d.lk.Unlock()

	if err := d.tr.sendWithID(id, to, chunks[0]); err != nil {
		d.lk.Lock()
		delete(d.sends, id)
		d.lk.Unlock()
		return err
	}

	d.logger.Debug("sent a message",
		LabelMessageID.L(id),
		LabelPeerAddr.L(to),
		"remaining_chunks", remaining,
	)
	return nil
}

func (d *Delivery) onAck(id uuid.UUID) {
	d.lk.Lock()
	train, ok := d.sends[id]
	if !ok {
		d.lk.Unlock()
		return
	}
	delete(d.sends, id)
	if len(train.chunks) == 0 {
		d.lk.Unlock()
		return
	}

	next := train.chunks[0]
	train.chunks = train.chunks[1:]
	train.touched = d.clock.Now()

	// Every chunk gets a new transport ID, the train follows it.
	newID := uuid.New()
	d.sends[newID] = train
	d.lk.Unlock()

	if err := d.tr.sendWithID(newID, train.to, next); err != nil {
		d.lk.Lock()
		delete(d.sends, newID)
		d.lk.Unlock()
		d.logger.Warn("failed to send message chunk", LabelPeerAddr.L(train.to), LabelError.L(err))
	}
}

func (d *Delivery) onTransportTimeout(id uuid.UUID, _ []byte, to Endpoint) {
	d.lk.Lock()
	train, ok := d.sends[id]
	delete(d.sends, id)
	hook := d.onTimeout
	d.lk.Unlock()

	if !ok || train.env == nil {
		return
	}

	d.logger.Warn("reliable message timed out",
		LabelPeerAddr.L(to),
		LabelHandlerID.L(train.env.HandlerID),
	)
	if hook != nil {
		d.runHook(hook, train.env)
	}
}

func (d *Delivery) drop(from Endpoint, reason string, err error) {
	d.msink.IncrCounterWithLabels(
		MetricDeliveryDropCount,
		1.0,
		withLabels(d.cfg.MetricLabels, LabelPeerAddr.M(from.String()), LabelReason.M(reason)),
	)
	d.logger.Warn("dropping message", LabelPeerAddr.L(from), LabelReason.L(reason), LabelError.L(err))
}

func (d *Delivery) onMessage(buf []byte, from Endpoint) {
	msg, done, err := d.reasm.Add(buf)
	if err != nil {
		d.drop(from, "malformed_chunk", err)
		return
	}
	if !done {
		return
	}

	typ, rid, handlerID, body, err := decodeMessage(msg)
	if err != nil {
		d.drop(from, "malformed_message", err)
		return
	}

	switch typ {
	case msgTypeSend:
		d.dispatch(from, rid, handlerID, body)
	case msgTypeResp:
		d.resolve(from, rid, body)
	default:
		d.drop(from, "unknown_type", fmt.Errorf("%w: type %d", ErrMalformedMessage, typ))
	}
}

func (d *Delivery) dispatch(from Endpoint, rid uuid.UUID, handlerID uint16, body []byte) {
	env, err := decodeEnvelope(body)
	if err != nil {
		d.drop(from, "malformed_envelope", err)
		return
	}

	d.lk.Lock()
	fn, ok := d.handlers[handlerID]
	hook := d.onHandle
	d.lk.Unlock()

	if !ok {
		d.drop(from, "handler_missing", fmt.Errorf("%w: %d", ErrHandlerNotFound, handlerID))
		return
	}

	var respond ResponseFunc = func([]byte, error) {}
	if rid != uuid.Nil {
		respond = d.responder(from, rid)
	}

	if hook != nil {
		d.runHook(hook, env)
	}
	d.msink.IncrCounterWithLabels(
		MetricDeliveryHandledCount,
		1.0,
		withLabels(d.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(int(handlerID)))),
	)
	d.invoke(handlerID, fn, env.Data, respond)
}

func (d *Delivery) runHook(hook func(*Envelope), env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery hook panicked", LabelHandlerID.L(env.HandlerID), "panic", r)
		}
	}()
	hook(env)
}

func (d *Delivery) invoke(handlerID uint16, fn HandlerFunc, data []byte, respond ResponseFunc) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", LabelHandlerID.L(handlerID), "panic", r)
			respond(nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	fn(data, respond)
}

func (d *Delivery) callback(cb ResponseFunc, data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("response callback panicked", "panic", r)
		}
	}()
	cb(data, err)
}

// responder answers `rid` back to `to`, at most once.
func (d *Delivery) responder(to Endpoint, rid uuid.UUID) ResponseFunc {
	var once sync.Once
	return func(data []byte, rerr error) {
		once.Do(func() {
			if err := d.sendResponse(to, rid, data, rerr); err != nil {
				d.logger.Warn("failed to send response",
					LabelPeerAddr.L(to),
					LabelRequestID.L(rid),
					LabelError.L(err),
				)
			}
		})
	}
}

func (d *Delivery) sendResponse(to Endpoint, rid uuid.UUID, data []byte, rerr error) error {
	body, err := encodeResponse(data, rerr)
	if err != nil {
		return err
	}
	chunks, err := framer.Split(encodeMessage(msgTypeResp, rid, 0, body), d.cfg.SplitSize)
	if err != nil {
		return err
	}
	return d.sendTrain(to, chunks, nil)
}

func (d *Delivery) resolve(from Endpoint, rid uuid.UUID, body []byte) {
	d.lk.Lock()
	w, ok := d.waiters[rid]
	delete(d.waiters, rid)
	d.lk.Unlock()

	if !ok {
		d.logger.Debug("received a response nobody waits for",
			LabelPeerAddr.L(from),
			LabelRequestID.L(rid),
		)
		return
	}

	d.msink.IncrCounterWithLabels(
		MetricDeliveryResponseCount,
		1.0,
		withLabels(d.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(int(w.handlerID)))),
	)

	data, rerr, err := decodeResponse(body)
	if err != nil {
		d.callback(w.cb, nil, err)
		return
	}
	d.callback(w.cb, data, rerr)
}

// LocalSend runs the handler of `env` in-process. `cb` receives at most
// one response, or `ErrResponseTimeout` after `CleanInterval`.
func (d *Delivery) LocalSend(env *Envelope, cb ResponseFunc) {
	d.lk.Lock()
	fn, ok := d.handlers[env.HandlerID]
	hook := d.onHandle
	d.lk.Unlock()

	lr := &localResponse{cb: cb, d: d}
	if !ok {
		d.logger.Error("handler missing", LabelHandlerID.L(env.HandlerID))
		lr.finish(nil, fmt.Errorf("%w: %d", ErrHandlerNotFound, env.HandlerID))
		return
	}

	if cb != nil {
		lr.lk.Lock()
		lr.guard = d.clock.AfterFunc(d.cfg.CleanInterval, func() {
			lr.finish(nil, fmt.Errorf(
				"%w - handler ID: %d, destination: %s",
				ErrResponseTimeout, env.HandlerID, d.LocalEndpoint(),
			))
		})
		lr.lk.Unlock()
	}

	if hook != nil {
		d.runHook(hook, env)
	}
	d.msink.IncrCounterWithLabels(
		MetricDeliveryHandledCount,
		1.0,
		withLabels(d.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(int(env.HandlerID)))),
	)
	d.invoke(env.HandlerID, fn, env.Data, lr.finish)
}

type localResponse struct {
	d     *Delivery
	cb    ResponseFunc
	lk    sync.Mutex
	done  bool
	guard *clock.Timer
}

func (lr *localResponse) finish(data []byte, err error) {
	lr.lk.Lock()
	if lr.done {
		lr.lk.Unlock()
		return
	}
	lr.done = true
	if lr.guard != nil {
		lr.guard.Stop()
	}
	lr.lk.Unlock()

	if lr.cb != nil {
		lr.d.callback(lr.cb, data, err)
	}
}

// Waiters returns the number of requests waiting for a response.
func (d *Delivery) Waiters() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return len(d.waiters)
}

func (d *Delivery) cleaner() {
	defer d.wg.Done()
	ticker := d.clock.Ticker(d.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.clean()
		}
	}
}

func (d *Delivery) clean() {
	now := d.clock.Now()
	ttl := d.cfg.CleanInterval - time.Millisecond

	if swept := d.reasm.Sweep(ttl); swept > 0 {
		d.logger.Debug("swept incomplete messages", "count", swept)
	}

	var expired []*waiter
	d.lk.Lock()
	for id, train := range d.sends {
		if !train.touched.Add(ttl).After(now) {
			delete(d.sends, id)
		}
	}
	for rid, w := range d.waiters {
		if !w.created.Add(ttl).After(now) {
			delete(d.waiters, rid)
			expired = append(expired, w)
		}
	}
	waiting := len(d.waiters)
	d.lk.Unlock()

	d.msink.SetGaugeWithLabels(MetricDeliveryWaiters, float32(waiting), d.cfg.MetricLabels)
	for _, w := range expired {
		d.msink.IncrCounterWithLabels(
			MetricDeliveryTimeoutCount,
			1.0,
			withLabels(d.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(int(w.handlerID)))),
		)
		d.callback(w.cb, nil, fmt.Errorf(
			"%w - handler ID: %d, destination: %s",
			ErrResponseTimeout, w.handlerID, w.to,
		))
	}
}

// Shutdown drains the transport then fails every pending request with
// `ErrTransportClosed`.
func (d *Delivery) Shutdown() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stopCh)
	d.wg.Wait()

	err := d.tr.Shutdown()

	d.lk.Lock()
	pending := make([]*waiter, 0, len(d.waiters))
	for _, w := range d.waiters {
		pending = append(pending, w)
	}
	clear(d.waiters)
	clear(d.sends)
	d.lk.Unlock()
	d.reasm.Reset()

	for _, w := range pending {
		d.callback(w.cb, nil, ErrTransportClosed)
	}
	return err
}
