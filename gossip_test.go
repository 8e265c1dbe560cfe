package meshlink

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/meshlink/pkg/backup"
	"github.com/stretchr/testify/require"
)

func newTestGossip(t *testing.T, name string, mesh Endpoint, nodeType string) *Gossip {
	t.Helper()
	mlCfg := memberlist.DefaultLocalConfig()
	mlCfg.Name = name
	mlCfg.BindAddr = "127.0.0.1"
	mlCfg.BindPort = 0

	g, err := NewGossip(GossipConfig{
		Memberlist:     mlCfg,
		Mesh:           mesh,
		Type:           nodeType,
		UpdateInterval: 50 * time.Millisecond,
		Backups:        backup.New(1, nil),
		MetricSink:     metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler:     testLogHandler(name),
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Shutdown() })
	return g
}

func gossipAddr(g *Gossip) string {
	local := g.ml.LocalNode()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

func TestGossip(t *testing.T) {
	mesh1 := NewEndpoint("127.0.0.1", 8101)
	mesh2 := NewEndpoint("127.0.0.1", 8102)
	g1 := newTestGossip(t, "node1", mesh1, "worker")
	g2 := newTestGossip(t, "node2", mesh2, "db")

	var lk sync.Mutex
	var discovered []Endpoint
	g1.OnNewNodes(func(eps []Endpoint) {
		lk.Lock()
		defer lk.Unlock()
		discovered = append(discovered, eps...)
	})

	require.True(t, g1.IsLive(mesh1), "the local node is part of its own view")
	require.False(t, g1.IsLive(mesh2))

	t.Run("when node2 joins node1, both see each other", func(t *testing.T) {
		joined, err := g2.Join([]string{gossipAddr(g1)})
		require.NoError(t, err)
		require.Equal(t, 1, joined)

		require.Eventually(t, func() bool {
			return g1.IsLive(mesh2) && g2.IsLive(mesh1)
		}, 10*time.Second, 50*time.Millisecond)

		require.Equal(t, []Endpoint{mesh1, mesh2}, g1.Endpoints())
		require.Equal(t, []Endpoint{mesh2}, g1.NodesByType("db"))
		typ, ok := g2.TypeOf(mesh1)
		require.True(t, ok)
		require.Equal(t, "worker", typ)

		lk.Lock()
		require.Equal(t, []Endpoint{mesh2}, discovered, "the local node is never reported")
		lk.Unlock()
	})

	t.Run("values are announced", func(t *testing.T) {
		require.NoError(t, g2.SetValue("shard", 3))
		require.NoError(t, g2.SetValue("zone", "eu-west"))

		require.Eventually(t, func() bool {
			zone, ok := g1.Value(mesh2, "zone")
			return ok && zone == "eu-west"
		}, 10*time.Second, 50*time.Millisecond)

		shard, ok := g1.Value(mesh2, "shard")
		require.True(t, ok)
		require.Equal(t, float64(3), shard, "numbers cross the wire as float64")

		_, ok = g1.Value(mesh2, "missing")
		require.False(t, ok)
	})

	t.Run("type changes are announced", func(t *testing.T) {
		require.NoError(t, g2.SetType("worker"))
		require.Equal(t, "worker", g2.LocalType())

		require.Eventually(t, func() bool {
			return len(g1.NodesByType("worker")) == 2
		}, 10*time.Second, 50*time.Millisecond)

		require.Equal(t, []Endpoint{mesh2}, g1.Backups("worker", mesh1))
	})

	t.Run("the view is rebuilt while values change", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 1; i <= 20; i++ {
				_ = g2.SetValue("seq", i)
			}
		}()

		for range 20 {
			g1.refresh()
			g1.Value(mesh2, "seq")
			require.NotEmpty(t, g1.Members())
		}
		<-done

		require.Eventually(t, func() bool {
			seq, ok := g1.Value(mesh2, "seq")
			return ok && seq == float64(20)
		}, 10*time.Second, 50*time.Millisecond)
		var names []string
		for _, member := range g1.Members() {
			names = append(names, member.Name)
		}
		require.ElementsMatch(t, []string{"node1", "node2"}, names)
	})

	t.Run("invalid values are refused", func(t *testing.T) {
		require.ErrorIs(t, g2.SetValue("bad", make(chan int)), ErrInvalidMeta)
		require.ErrorIs(t, g2.SetValue("big", string(make([]byte, memberlist.MetaMaxSize))), ErrMetaTooLarge)

		_, ok := g2.Value(mesh2, "bad")
		require.False(t, ok)
	})

	t.Run("when node2 leaves, node1 forgets it", func(t *testing.T) {
		require.NoError(t, g2.Leave())
		require.NoError(t, g2.Shutdown())

		require.Eventually(t, func() bool {
			return !g1.IsLive(mesh2)
		}, 10*time.Second, 50*time.Millisecond)
		require.Equal(t, []Endpoint{mesh1}, g1.Endpoints())
	})
}

func TestNodeMeta(t *testing.T) {
	meta := &nodeMeta{
		Mesh:   NewEndpoint("10.0.0.1", 8100),
		Type:   "worker",
		Values: map[string]any{"zone": "eu", "weight": 2},
	}
	buf, err := meta.encode()
	require.NoError(t, err)
	require.LessOrEqual(t, len(buf), memberlist.MetaMaxSize)

	decoded, err := decodeMeta(buf)
	require.NoError(t, err)
	require.Equal(t, meta.Mesh, decoded.Mesh)
	require.Equal(t, "worker", decoded.Type)
	require.Equal(t, map[string]any{"zone": "eu", "weight": float64(2)}, decoded.Values)

	t.Run("malformed metadata is refused", func(t *testing.T) {
		for name, buf := range map[string][]byte{
			"empty":    nil,
			"garbage":  {0xff, 0xff, 0xff},
			"no addr":  mustEncodeMeta(t, &nodeMeta{Mesh: NewEndpoint("", 8100)}),
			"no port":  mustEncodeMeta(t, &nodeMeta{Mesh: NewEndpoint("10.0.0.1", 0)}),
			"bad port": mustEncodeMeta(t, &nodeMeta{Mesh: NewEndpoint("10.0.0.1", 70000)}),
		} {
			_, err := decodeMeta(buf)
			require.ErrorIs(t, err, ErrInvalidMeta, name)
		}
	})
}

func mustEncodeMeta(t *testing.T, meta *nodeMeta) []byte {
	t.Helper()
	buf, err := meta.encode()
	require.NoError(t, err)
	return buf
}
