package meshlink

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/multierr"
)

const DefaultRelayLimit = 1

// BrokerConfig represents configuration of the fan-out layer.
type BrokerConfig struct {
	// RelayLimit is the default fan-out width: how many relay chains a
	// single send is split into.
	RelayLimit int

	// RelayDelay is waited by every hop before forwarding to the next one.
	RelayDelay time.Duration

	// LocalType is the node type used by `Broker.PrepareNodes` when none
	// is given.
	LocalType func() string

	Clock clock.Clock

	// MetricsLabels to add to every metrics emitted by the broker.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Broker sends one message to many nodes by splitting them into relay
// chains: the head of each chain receives the message and forwards it to
// the rest of its chain, hop by hop.
type Broker struct {
	cfg      BrokerConfig
	delivery *Delivery
	disco    Discovery
	backups  BackupSource
	logger   *slog.Logger
	msink    metrics.MetricSink
	clock    clock.Clock
}

func NewBroker(d *Delivery, disco Discovery, backups BackupSource, cfg BrokerConfig) (*Broker, error) {
	if cfg.RelayLimit == 0 {
		cfg.RelayLimit = DefaultRelayLimit
	}
	if cfg.RelayLimit < 0 || cfg.RelayDelay < 0 {
		return nil, fmt.Errorf("%w: relay limit and delay must be positive", ErrInvalidCfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	b := &Broker{
		cfg:      cfg,
		delivery: d,
		disco:    disco,
		backups:  backups,
		clock:    cfg.Clock,
	}

	if cfg.LogHandler == nil {
		b.logger = slog.Default()
	} else {
		b.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		b.msink = metrics.Default()
	} else {
		b.msink = cfg.MetricSink
	}

	// Continue relaying when a hop received the message, or when it
	// did not answer.
	d.OnHandle(b.relay)
	d.OnTimeout(b.relay)
	return b, nil
}

// SendOption tunes a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	limit int
}

// WithLimit overrides `BrokerConfig.RelayLimit` for one send.
func WithLimit(limit int) SendOption {
	return func(o *sendOptions) {
		if limit > 0 {
			o.limit = limit
		}
	}
}

func (b *Broker) Handle(handlerID int, fn HandlerFunc) error {
	return b.delivery.Handle(handlerID, fn)
}

// Send delivers `data` reliably to the handler `handlerID` of every node.
//
// `cb` receives at most one response. If the local node is part of
// `nodes`, it is the local response.
func (b *Broker) Send(handlerID int, nodes []Endpoint, data []byte, cb ResponseFunc, opts ...SendOption) error {
	return b.send(handlerID, nodes, data, true, cb, opts)
}

// USend is like `Send` but the first hops are sent unreliably.
func (b *Broker) USend(handlerID int, nodes []Endpoint, data []byte, cb ResponseFunc, opts ...SendOption) error {
	return b.send(handlerID, nodes, data, false, cb, opts)
}

// SendTo delivers `data` reliably to a single node.
func (b *Broker) SendTo(handlerID int, node Endpoint, data []byte, cb ResponseFunc) error {
	return b.send(handlerID, []Endpoint{node}, data, true, cb, nil)
}

func (b *Broker) send(
	handlerID int,
	nodes []Endpoint,
	data []byte,
	reliable bool,
	cb ResponseFunc,
	opts []SendOption,
) error {
	if err := validHandlerID(handlerID); err != nil {
		return err
	}

	o := sendOptions{limit: b.cfg.RelayLimit}
	for _, opt := range opts {
		opt(&o)
	}

	chains, foundLocalNode := b.branch(nodes, o.limit)
	if len(chains) == 0 && !foundLocalNode {
		return fmt.Errorf("%w: %d", ErrNoNodeToSend, handlerID)
	}

	hid := uint16(handlerID)
	b.msink.IncrCounterWithLabels(
		MetricBrokerSendCount,
		1.0,
		withLabels(b.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(handlerID))),
	)

	if foundLocalNode {
		// The remote chains are handled below, the local copy relays nothing.
		b.delivery.LocalSend(&Envelope{Data: data, HandlerID: hid}, cb)
		cb = nil
	}

	abandon := func() {}
	if cb != nil && len(chains) > 1 {
		cb, abandon = firstResponse(cb, len(chains))
	}

	var errs error
	for _, chain := range chains {
		head := chain[0]
		env := &Envelope{
			Data:      data,
			HandlerID: hid,
			Nodes:     chain[1:],
		}

		b.logger.Debug("sending message",
			LabelPeerAddr.L(head),
			LabelHandlerID.L(handlerID),
			"relays", len(env.Nodes),
			"require_response", cb != nil,
			"reliable", reliable,
		)

		var err error
		if reliable {
			err = b.delivery.Send(head, env, cb)
		} else {
			err = b.delivery.USend(head, env, cb)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", head, err))
			abandon()
		}
	}
	return errs
}

// branch assigns the live nodes round-robin to at most `limit` chains.
// The local node is never part of a chain.
func (b *Broker) branch(nodes []Endpoint, limit int) ([][]Endpoint, bool) {
	if len(nodes) == 0 {
		return nil, false
	}

	width := max(1, min(limit, len(nodes)))
	local := b.delivery.LocalEndpoint()
	chains := make([][]Endpoint, width)
	foundLocalNode := false
	path := 0

	for _, node := range nodes {
		if node == local {
			foundLocalNode = true
			continue
		}
		if !b.disco.IsLive(node) {
			b.logger.Warn("node to send a message to is not available", LabelPeerAddr.L(node))
			b.msink.IncrCounterWithLabels(
				MetricBrokerDeadNodeCount,
				1.0,
				withLabels(b.cfg.MetricLabels, LabelPeerAddr.M(node.String())),
			)
			continue
		}
		chains[path] = append(chains[path], node)
		path = (path + 1) % width
	}

	return slices.DeleteFunc(chains, func(chain []Endpoint) bool {
		return len(chain) == 0
	}), foundLocalNode
}

func (b *Broker) relay(env *Envelope) {
	if len(env.Nodes) == 0 {
		return
	}

	handlerID := int(env.HandlerID)
	nodes := slices.Clone(env.Nodes)
	data := env.Data
	forward := func() {
		b.logger.Debug("relaying message",
			LabelHandlerID.L(handlerID),
			"nodes", len(nodes),
			"relay_delay", b.cfg.RelayDelay,
		)
		if err := b.Send(handlerID, nodes, data, nil); err != nil {
			b.logger.Error("failed to relay a message",
				LabelHandlerID.L(handlerID),
				"nodes", nodes,
				LabelError.L(err),
			)
			return
		}
		b.msink.IncrCounterWithLabels(
			MetricBrokerRelayCount,
			1.0,
			withLabels(b.cfg.MetricLabels, LabelHandlerID.M(strconv.Itoa(handlerID))),
		)
	}

	if b.cfg.RelayDelay > 0 {
		b.clock.AfterFunc(b.cfg.RelayDelay, forward)
		return
	}
	forward()
}

// PrepareNodes returns `node` if it is live, otherwise its first live
// backup of type `nodeType`. An empty type is the local node type.
func (b *Broker) PrepareNodes(nodeType string, node Endpoint) (Endpoint, bool) {
	if b.disco.IsLive(node) {
		return node, true
	}
	if b.backups == nil {
		return Endpoint{}, false
	}
	if nodeType == "" && b.cfg.LocalType != nil {
		nodeType = b.cfg.LocalType()
	}

	for _, candidate := range b.backups.Backups(nodeType, node) {
		if !b.disco.IsLive(candidate) {
			continue
		}
		b.logger.Debug("node is not available, using its backup",
			LabelPeerAddr.L(node),
			"backup", candidate,
		)
		b.msink.IncrCounterWithLabels(
			MetricBrokerFailoverCount,
			1.0,
			withLabels(b.cfg.MetricLabels, LabelNodeType.M(nodeType)),
		)
		return candidate, true
	}
	return Endpoint{}, false
}

// firstResponse lets the first successful response of `n` concurrent
// requests through. If they all fail, the last error is. The returned
// `abandon` accounts for a request which failed before being sent: its
// error is reported by the caller, not through `cb`.
func firstResponse(cb ResponseFunc, n int) (respond ResponseFunc, abandon func()) {
	var lk sync.Mutex
	remaining := n
	done := false
	var lastErr error

	settle := func(data []byte, err error, sent bool) {
		lk.Lock()
		if done {
			lk.Unlock()
			return
		}
		remaining--
		if sent && err != nil {
			lastErr = err
		}
		if (err != nil || !sent) && remaining > 0 {
			lk.Unlock()
			return
		}
		done = true
		if !sent {
			// Every other request already failed, surface theirs if any.
			data, err = nil, lastErr
		}
		lk.Unlock()
		if sent || err != nil {
			cb(data, err)
		}
	}

	respond = func(data []byte, err error) { settle(data, err, true) }
	abandon = func() { settle(nil, nil, false) }
	return respond, abandon
}
