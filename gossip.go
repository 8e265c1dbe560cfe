package meshlink

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/meshlink/pkg/backup"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultUpdateInterval = 1 * time.Second

	defaultLeaveTimeout  = 5 * time.Second
	defaultUpdateTimeout = 5 * time.Second
)

// GossipConfig represents configuration of the memberlist discovery.
type GossipConfig struct {
	// Memberlist configuration, its `Delegate`, `Events` and `Logger` are
	// overridden.
	Memberlist *memberlist.Config

	// Mesh is the endpoint of the local datagram engine announced to peers.
	Mesh Endpoint

	// Type of the local node.
	Type string

	// UpdateInterval controls how often the live-node cache is rebuilt
	// when no membership event occurred.
	UpdateInterval time.Duration

	// Backups elects the substitutes of dead nodes.
	Backups *backup.Selector

	Clock clock.Clock

	// MetricsLabels to add to every metrics emitted by the gossip.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Gossip is a `Discovery` backed by `hashicorp/memberlist`. Every node
// announces its mesh endpoint, type and values as memberlist metadata.
type Gossip struct {
	cfg    GossipConfig
	ml     *memberlist.Memberlist
	logger *slog.Logger
	msink  metrics.MetricSink
	clock  clock.Clock

	metaLock sync.Mutex
	meta     *nodeMeta
	metaBuf  []byte

	// copies of the members memberlist notified us about, keyed by name.
	peersLock sync.Mutex
	peers     map[string]memberlist.Node

	// replaced wholesale on every refresh, readers never lock.
	snapshot atomic.Pointer[membership]

	cbLock      sync.Mutex
	onNewNodes  []func([]Endpoint)
	onRefreshed []func()

	refreshCh chan struct{}
	closed    atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

var (
	_ Discovery    = (*Gossip)(nil)
	_ BackupSource = (*Gossip)(nil)
)

type membership struct {
	nodes  map[Endpoint]*nodeMeta
	sorted []Endpoint
}

func NewGossip(cfg GossipConfig) (g *Gossip, err error) {
	if cfg.Memberlist == nil {
		cfg.Memberlist = memberlist.DefaultLANConfig()
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.UpdateInterval < 0 {
		return nil, fmt.Errorf("%w: negative update interval", ErrInvalidCfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	g = &Gossip{
		cfg:       cfg,
		clock:     cfg.Clock,
		meta:      &nodeMeta{Mesh: cfg.Mesh, Type: cfg.Type, Values: map[string]any{}},
		peers:     make(map[string]memberlist.Node),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	g.snapshot.Store(&membership{nodes: map[Endpoint]*nodeMeta{}})

	if cfg.LogHandler == nil {
		g.logger = slog.Default()
	} else {
		g.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = cfg.MetricSink
	}

	// memberlist asks for the metadata as soon as it is created.
	g.metaBuf, err = g.meta.encode()
	if err != nil {
		return nil, err
	}

	mlCfg := cfg.Memberlist
	mlCfg.Delegate = &delegate{g: g}
	mlCfg.Events = &gossipEvents{g: g, logger: g.logger}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(g.logger.Handler(), slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml
	g.refresh()

	g.wg.Add(1)
	go g.updateLoop()
	return g, nil
}

// Join contacts the given gossip addresses, `host:port`.
func (g *Gossip) Join(neighbours []string) (int, error) {
	joined, err := g.ml.Join(neighbours)
	g.nudge()
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	return joined, nil
}

// Members returns a copy of the memberlist view of the cluster.
func (g *Gossip) Members() []*memberlist.Node {
	g.peersLock.Lock()
	defer g.peersLock.Unlock()
	nodes := make([]*memberlist.Node, 0, len(g.peers))
	for _, node := range g.peers {
		nodes = append(nodes, &node)
	}
	return nodes
}

// track records a member as seen by an event delegate callback. memberlist
// holds its state lock while notifying, so `node` can be read safely here
// and nowhere else.
func (g *Gossip) track(node *memberlist.Node) {
	peer := *node
	peer.Meta = slices.Clone(node.Meta)
	g.peersLock.Lock()
	g.peers[node.Name] = peer
	g.peersLock.Unlock()
}

func (g *Gossip) forget(node *memberlist.Node) {
	g.peersLock.Lock()
	delete(g.peers, node.Name)
	g.peersLock.Unlock()
}

func (g *Gossip) IsLive(ep Endpoint) bool {
	_, ok := g.snapshot.Load().nodes[ep]
	return ok
}

func (g *Gossip) Endpoints() []Endpoint {
	return slices.Clone(g.snapshot.Load().sorted)
}

// Value returns a value announced by `ep`. Numbers are decoded as float64.
func (g *Gossip) Value(ep Endpoint, key string) (any, bool) {
	meta, ok := g.snapshot.Load().nodes[ep]
	if !ok {
		return nil, false
	}
	val, ok := meta.Values[key]
	return val, ok
}

// TypeOf returns the type announced by `ep`.
func (g *Gossip) TypeOf(ep Endpoint) (string, bool) {
	meta, ok := g.snapshot.Load().nodes[ep]
	if !ok {
		return "", false
	}
	return meta.Type, true
}

func (g *Gossip) NodesByType(nodeType string) []Endpoint {
	snap := g.snapshot.Load()
	var eps []Endpoint
	for _, ep := range snap.sorted {
		if snap.nodes[ep].Type == nodeType {
			eps = append(eps, ep)
		}
	}
	return eps
}

func (g *Gossip) Backups(nodeType string, ep Endpoint) []Endpoint {
	snap := g.snapshot.Load()
	candidates := make([]backup.Candidate, 0, len(snap.sorted))
	for _, node := range snap.sorted {
		candidates = append(candidates, backup.Candidate{
			Addr: node.Addr,
			Port: node.Port,
			Type: snap.nodes[node].Type,
		})
	}
	return selectBackups(g.cfg.Backups, nodeType, ep, candidates)
}

func (g *Gossip) LocalType() string {
	g.metaLock.Lock()
	defer g.metaLock.Unlock()
	return g.meta.Type
}

// SetType changes the announced type of the local node.
func (g *Gossip) SetType(nodeType string) error {
	return g.updateMeta(func(m *nodeMeta) error {
		m.Type = nodeType
		return nil
	})
}

// SetValue announces `key`. The value must be representable as a protobuf
// `Value`: nil, bool, numbers, string, []any or map[string]any.
func (g *Gossip) SetValue(key string, value any) error {
	return g.updateMeta(func(m *nodeMeta) error {
		if _, err := structpb.NewValue(value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMeta, err)
		}
		m.Values[key] = value
		return nil
	})
}

func (g *Gossip) updateMeta(mutate func(*nodeMeta) error) error {
	g.metaLock.Lock()
	next := g.meta.clone()
	if next.Values == nil {
		next.Values = map[string]any{}
	}
	if err := mutate(next); err != nil {
		g.metaLock.Unlock()
		return err
	}
	buf, err := next.encode()
	if err != nil {
		g.metaLock.Unlock()
		return err
	}
	if len(buf) > memberlist.MetaMaxSize {
		g.metaLock.Unlock()
		return fmt.Errorf("%w: %d bytes", ErrMetaTooLarge, len(buf))
	}
	g.meta = next
	g.metaBuf = buf
	g.metaLock.Unlock()

	err = g.ml.UpdateNode(defaultUpdateTimeout)
	g.nudge()
	return err
}

// OnNewNodes registers a callback invoked with the nodes which joined
// since the previous refresh.
func (g *Gossip) OnNewNodes(fn func([]Endpoint)) {
	g.cbLock.Lock()
	defer g.cbLock.Unlock()
	g.onNewNodes = append(g.onNewNodes, fn)
}

// OnRefreshed registers a callback invoked after every refresh of the
// live-node cache.
func (g *Gossip) OnRefreshed(fn func()) {
	g.cbLock.Lock()
	defer g.cbLock.Unlock()
	g.onRefreshed = append(g.onRefreshed, fn)
}

// Leave announces our departure and waits for it to propagate.
func (g *Gossip) Leave() error {
	return g.ml.Leave(defaultLeaveTimeout)
}

func (g *Gossip) Shutdown() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(g.stopCh)
	g.wg.Wait()
	return g.ml.Shutdown()
}

func (g *Gossip) nudge() {
	select {
	case g.refreshCh <- struct{}{}:
	default:
	}
}

func (g *Gossip) updateLoop() {
	defer g.wg.Done()
	ticker := g.clock.Ticker(g.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
		case <-g.refreshCh:
		}
		g.refresh()
	}
}

func (g *Gossip) refresh() {
	next := &membership{nodes: make(map[Endpoint]*nodeMeta)}

	localName := g.cfg.Memberlist.Name
	g.metaLock.Lock()
	next.nodes[g.cfg.Mesh] = g.meta.clone()
	g.metaLock.Unlock()
	next.sorted = append(next.sorted, g.cfg.Mesh)

	for _, member := range g.Members() {
		if member.Name == localName {
			continue
		}
		meta, err := decodeMeta(member.Meta)
		if err == nil && meta.Mesh == g.cfg.Mesh {
			err = fmt.Errorf("%w: announces our mesh endpoint", ErrInvalidMeta)
		}
		if err != nil {
			withLogNode(g.logger, member).Warn("skipping member with malformed metadata", LabelError.L(err))
			g.msink.IncrCounterWithLabels(
				MetricGossipMetaErrorCount,
				1.0,
				withLabels(g.cfg.MetricLabels, LabelPeerName.M(member.Name)),
			)
			continue
		}
		next.nodes[meta.Mesh] = meta
		next.sorted = append(next.sorted, meta.Mesh)
	}
	sortEndpoints(next.sorted)

	prev := g.snapshot.Swap(next)
	g.msink.SetGaugeWithLabels(MetricGossipMembers, float32(len(next.sorted)), g.cfg.MetricLabels)

	var newcomers []Endpoint
	for _, ep := range next.sorted {
		if ep == g.cfg.Mesh {
			continue
		}
		if _, known := prev.nodes[ep]; !known {
			newcomers = append(newcomers, ep)
		}
	}

	g.cbLock.Lock()
	onNewNodes := slices.Clone(g.onNewNodes)
	onRefreshed := slices.Clone(g.onRefreshed)
	g.cbLock.Unlock()

	if len(newcomers) > 0 {
		g.logger.Info("discovered new nodes", "nodes", newcomers)
		for _, fn := range onNewNodes {
			fn(newcomers)
		}
	}
	for _, fn := range onRefreshed {
		fn()
	}
}

// delegate exposes the local metadata to memberlist.
type delegate struct {
	g *Gossip
}

func (d *delegate) NodeMeta(limit int) []byte {
	d.g.metaLock.Lock()
	defer d.g.metaLock.Unlock()
	if len(d.g.metaBuf) > limit {
		d.g.logger.Error("node metadata exceeds limit, not announced", "bytes", len(d.g.metaBuf), "limit", limit)
		return nil
	}
	return d.g.metaBuf
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

type gossipEvents struct {
	g      *Gossip
	logger *slog.Logger
}

func (ge *gossipEvents) NotifyJoin(node *memberlist.Node) {
	ge.g.track(node)
	withLogNode(ge.logger, node).Info("peer joined cluster")
	ge.g.nudge()
}

func (ge *gossipEvents) NotifyLeave(node *memberlist.Node) {
	ge.g.forget(node)
	withLogNode(ge.logger, node).Info("peer left cluster")
	ge.g.nudge()
}

func (ge *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	ge.g.track(node)
	withLogNode(ge.logger, node).Info("peer updated")
	ge.g.nudge()
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
