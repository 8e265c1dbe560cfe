package meshlink

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/multierr"
)

// Node is a member of the mesh: it owns a datagram engine, the reliable
// transport and delivery on top of it, the relay broker and, unless
// replaced with `WithDiscovery`, a gossip membership.
type Node struct {
	config config
	logger *slog.Logger

	engine   PacketConn
	delivery *Delivery
	broker   *Broker
	gossip   *Gossip
	disco    Discovery
	backups  BackupSource

	lk       sync.Mutex
	nodeType string

	// 2-phase close:
	// phase 1: leave the cluster, in-flight datagrams still progress.
	// phase 2: drop, all resources are freed.
	shutdown bool
}

type typedDiscovery interface {
	NodesByType(nodeType string) []Endpoint
}

func Create(opts ...Option) (_ *Node, err error) {
	n := &Node{}

	n.config.mlCfg = memberlist.DefaultLANConfig()
	n.config.mlCfg.BindPort = DefaultGossipPort
	n.config.mlCfg.AdvertisePort = DefaultGossipPort
	n.config.egCfg.BindPort = DefaultMeshPort
	n.config.egCfg.PortAttempts = defaultPortAttempts

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	n.config.propagate()
	n.nodeType = n.config.nodeType

	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, n.release())
		}
	}()

	if n.config.engine != nil {
		n.engine = n.config.engine
	} else {
		if ip := net.ParseIP(n.config.egCfg.BindAddr); ip != nil && ip.IsUnspecified() {
			return nil, fmt.Errorf("%w: mesh address %q does not identify the node", ErrInvalidCfg, n.config.egCfg.BindAddr)
		}

		if n.config.egCfg.TlsConfig != nil {
			if n.config.dlCfg.SplitSize == 0 || n.config.dlCfg.SplitSize > QUICMaxSplitSize {
				n.config.dlCfg.SplitSize = QUICMaxSplitSize
			}
			engine, err := NewQUICEngine(&n.config.egCfg)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
			n.engine = engine
		} else {
			engine, err := NewUDPEngine(&n.config.egCfg)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
			n.engine = engine
		}
	}

	n.delivery, err = NewDelivery(n.engine, n.config.dlCfg, n.config.trCfg)
	if err != nil {
		return nil, err
	}

	if n.config.disco != nil {
		n.disco = n.config.disco
		n.backups = n.config.backups
	} else {
		n.gossip, err = NewGossip(GossipConfig{
			Memberlist:     n.config.mlCfg,
			Mesh:           n.engine.LocalEndpoint(),
			Type:           n.config.nodeType,
			UpdateInterval: n.config.updateInterval,
			Backups:        n.config.backupSelector(),
			Clock:          n.config.clock,
			MetricLabels:   n.config.metricLabels,
			MetricSink:     n.config.msink,
			LogHandler:     n.config.logHandler,
		})
		if err != nil {
			return nil, err
		}
		n.disco = n.gossip
		n.backups = n.gossip
	}

	n.config.brCfg.LocalType = n.LocalType
	n.broker, err = NewBroker(n.delivery, n.disco, n.backups, n.config.brCfg)
	if err != nil {
		return nil, err
	}

	n.delivery.Start()
	return n, nil
}

// release frees what a failed `Create` allocated.
func (n *Node) release() (err error) {
	if n.delivery != nil {
		err = multierr.Append(err, n.delivery.Shutdown())
	} else if n.engine != nil {
		err = multierr.Append(err, n.engine.Close())
	}
	if n.gossip != nil {
		err = multierr.Append(err, n.gossip.Shutdown())
	}
	return err
}

func (n *Node) JoinCluster() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	if n.gossip == nil || len(n.config.neighbours) == 0 {
		return nil
	}

	joined, err := n.gossip.Join(n.config.neighbours)
	if err != nil {
		return err
	}
	n.logger.Info("cluster joined")
	if len(n.config.neighbours) != joined {
		n.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(n.config.neighbours),
		)
	}
	return nil
}

func (n *Node) closed() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

// Handle registers `fn` for the handler ID `id`, between 1 and 65535.
func (n *Node) Handle(id int, fn HandlerFunc) error {
	return n.broker.Handle(id, fn)
}

// Send delivers `data` reliably to the handler `handlerID` of `nodes`,
// through relay chains. `cb` may be nil when no response is expected.
func (n *Node) Send(handlerID int, nodes []Endpoint, data []byte, cb ResponseFunc, opts ...SendOption) error {
	if n.closed() {
		return ErrNodeClosed
	}
	return n.broker.Send(handlerID, nodes, data, cb, opts...)
}

// USend is like `Send` but the first hop of every chain is unreliable.
func (n *Node) USend(handlerID int, nodes []Endpoint, data []byte, cb ResponseFunc, opts ...SendOption) error {
	if n.closed() {
		return ErrNodeClosed
	}
	return n.broker.USend(handlerID, nodes, data, cb, opts...)
}

func (n *Node) SendTo(handlerID int, node Endpoint, data []byte, cb ResponseFunc) error {
	if n.closed() {
		return ErrNodeClosed
	}
	return n.broker.SendTo(handlerID, node, data, cb)
}

// PrepareNodes returns `node` when it is live, its first live backup
// otherwise.
func (n *Node) PrepareNodes(nodeType string, node Endpoint) (Endpoint, bool) {
	return n.broker.PrepareNodes(nodeType, node)
}

func (n *Node) LocalEndpoint() Endpoint {
	return n.delivery.LocalEndpoint()
}

// GossipAddr is the `host:port` other nodes can use as a neighbour.
// It is empty when the gossip layer was replaced.
func (n *Node) GossipAddr() string {
	if n.gossip == nil {
		return ""
	}
	local := n.gossip.ml.LocalNode()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

// Members returns the live nodes of the mesh, the local one included.
func (n *Node) Members() []Endpoint {
	return n.disco.Endpoints()
}

func (n *Node) NodesByType(nodeType string) []Endpoint {
	if td, ok := n.disco.(typedDiscovery); ok {
		return td.NodesByType(nodeType)
	}
	return nil
}

func (n *Node) NodeValue(ep Endpoint, key string) (any, bool) {
	return n.disco.Value(ep, key)
}

// SetValue announces a value to the rest of the mesh.
func (n *Node) SetValue(key string, value any) error {
	switch disco := n.disco.(type) {
	case *Gossip:
		return disco.SetValue(key, value)
	case *StaticDiscovery:
		disco.SetValue(n.LocalEndpoint(), key, value)
	}
	return nil
}

func (n *Node) SetType(nodeType string) error {
	n.lk.Lock()
	n.nodeType = nodeType
	n.lk.Unlock()

	switch disco := n.disco.(type) {
	case *Gossip:
		return disco.SetType(nodeType)
	case *StaticDiscovery:
		disco.Add(nodeType, n.LocalEndpoint())
	}
	return nil
}

func (n *Node) LocalType() string {
	if n.gossip != nil {
		return n.gossip.LocalType()
	}
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.nodeType
}

func (n *Node) Backups(nodeType string, ep Endpoint) []Endpoint {
	if n.backups == nil {
		return nil
	}
	if nodeType == "" {
		nodeType = n.LocalType()
	}
	return n.backups.Backups(nodeType, ep)
}

// OnNewNodes registers a callback invoked with the nodes which joined the
// mesh. It never fires when the gossip layer was replaced.
func (n *Node) OnNewNodes(fn func([]Endpoint)) {
	if n.gossip != nil {
		n.gossip.OnNewNodes(fn)
	}
}

// OnRefreshed registers a callback invoked every time the view of the mesh
// was rebuilt, whether or not it changed. It never fires when the gossip
// layer was replaced.
func (n *Node) OnRefreshed(fn func()) {
	if n.gossip != nil {
		n.gossip.OnRefreshed(fn)
	}
}

func (n *Node) Shutdown() (err error) {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	if n.gossip != nil {
		n.logger.Info("shutdown: leave cluster")
		err = multierr.Append(err, n.gossip.Leave())
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: drain pending datagrams")
	err = multierr.Append(err, n.delivery.Shutdown())

	if n.gossip != nil {
		n.logger.Info("shutdown: release gossip resources")
		err = multierr.Append(err, n.gossip.Shutdown())
	}

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}
