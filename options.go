package meshlink

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/meshlink/pkg/backup"
)

const (
	DefaultMeshPort   = 8100
	DefaultGossipPort = 7946
)

type config struct {
	mlCfg *memberlist.Config
	egCfg EngineConfig
	trCfg TransportConfig
	dlCfg DeliveryConfig
	brCfg BrokerConfig

	nodeType       string
	backupDefault  int
	backupCounts   map[string]int
	updateInterval time.Duration
	neighbours     []string

	engine  PacketConn
	disco   Discovery
	backups BackupSource

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock
}

// Option to pass to `Create`
type Option func(*config) error

// WithRelayLimit controls how many relay chains a send to many nodes is
// split into.
func WithRelayLimit(limit int) Option {
	return func(c *config) error {
		if limit < 1 {
			return errors.New("relay limit must be at least 1")
		}
		c.brCfg.RelayLimit = limit
		return nil
	}
}

// WithRelayDelay controls how long each hop of a relay chain waits before
// forwarding the message.
func WithRelayDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return errors.New("relay delay must be positive")
		}
		c.brCfg.RelayDelay = delay
		return nil
	}
}

// WithTimeout controls how long a reliable datagram is retried.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("timeout must be positive")
		}
		c.trCfg.Timeout = timeout
		return nil
	}
}

// WithRetryTimeout controls the initial delay between two retries.
func WithRetryTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("retry timeout must be positive")
		}
		c.trCfg.RetryTimeout = timeout
		return nil
	}
}

// WithCleanInterval controls how often stale state is swept, which is
// also how long a response is awaited.
func WithCleanInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return errors.New("clean interval must be positive")
		}
		if interval > 0 && interval <= time.Millisecond {
			return errors.New("clean interval must be longer than 1ms")
		}
		c.dlCfg.CleanInterval = interval
		return nil
	}
}

// WithSplitSize controls the maximum payload of a single chunk.
func WithSplitSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("split size must be positive")
		}
		c.dlCfg.SplitSize = size
		return nil
	}
}

// WithListenOn specifies which UDP interface the mesh listens on. The
// address identifies the node in the mesh so it must be reachable by
// the other nodes.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.egCfg.BindAddr = addr
		c.egCfg.BindPort = port
		return nil
	}
}

// WithGossipOn specifies which interface memberlist uses.
func WithGossipOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithNodeName specifies which name should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to join
// the cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithType sets the type announced by the node.
func WithType(nodeType string) Option {
	return func(c *config) error {
		c.nodeType = nodeType
		return nil
	}
}

// WithBackups controls how many backups are elected for a dead node,
// `counts` overrides `defaultCount` per node type.
func WithBackups(defaultCount int, counts map[string]int) Option {
	return func(c *config) error {
		if defaultCount < 0 {
			return errors.New("backup count must be positive")
		}
		for _, n := range counts {
			if n < 0 {
				return errors.New("backup count must be positive")
			}
		}
		c.backupDefault = defaultCount
		c.backupCounts = counts
		return nil
	}
}

// WithUpdateInterval controls how often the live-node cache is rebuilt.
func WithUpdateInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return errors.New("update interval must be positive")
		}
		c.updateInterval = interval
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig switches the mesh to the QUIC engine. It is REALLY
// important that you use mTLS in production since that's the only way to
// authenticate the nodes of the mesh.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.egCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithBufferSize controls the requested UDP kernel buffer. When `enforce`
// is false, the size is halved until the kernel accepts it.
func WithBufferSize(size int, enforce bool) Option {
	return func(c *config) error {
		if size < 0 {
			return ErrBufferSize
		}
		c.egCfg.BufferSize = size
		c.egCfg.EnforceBufferSize = enforce
		return nil
	}
}

// WithEngine makes the node use an already listening `PacketConn`. The
// node takes ownership of it.
func WithEngine(engine PacketConn) Option {
	return func(c *config) error {
		if engine == nil {
			return errors.New("engine must not be nil")
		}
		c.engine = engine
		return nil
	}
}

// WithDiscovery replaces the gossip layer. When `disco` also implements
// `BackupSource`, it is used for failover.
func WithDiscovery(disco Discovery) Option {
	return func(c *config) error {
		if disco == nil {
			return errors.New("discovery must not be nil")
		}
		c.disco = disco
		if bs, ok := disco.(BackupSource); ok {
			c.backups = bs
		}
		return nil
	}
}

// WithClock drives every timer of the node with `clk`.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}

func (c *config) backupSelector() *backup.Selector {
	count := c.backupDefault
	if count == 0 {
		count = backup.DefaultCount
	}
	return backup.New(count, c.backupCounts)
}

// propagate copies the shared settings into every layer configuration.
func (c *config) propagate() {
	if c.msink == nil {
		c.msink = metrics.Default()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}

	c.egCfg.LogHandler = c.logHandler
	c.egCfg.MetricSink = c.msink
	c.egCfg.MetricLabels = c.metricLabels

	c.trCfg.LogHandler = c.logHandler
	c.trCfg.MetricSink = c.msink
	c.trCfg.MetricLabels = c.metricLabels

	c.dlCfg.LogHandler = c.logHandler
	c.dlCfg.MetricSink = c.msink
	c.dlCfg.MetricLabels = c.metricLabels
	c.dlCfg.Clock = c.clock

	c.brCfg.LogHandler = c.logHandler
	c.brCfg.MetricSink = c.msink
	c.brCfg.MetricLabels = c.metricLabels
	c.brCfg.Clock = c.clock
}
