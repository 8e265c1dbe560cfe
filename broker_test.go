package meshlink

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshlink/pkg/backup"
	"github.com/stretchr/testify/require"
)

const echoHandler = 1

type testMesh struct {
	network *memNetwork
	disco   *StaticDiscovery
	nodes   []*Delivery
	brokers []*Broker
	hits    []atomic.Int32
}

func newTestMesh(t *testing.T, size int, cfg BrokerConfig, opts deliveryOpts) *testMesh {
	t.Helper()
	m := &testMesh{
		network: newMemNetwork(),
		disco:   NewStaticDiscovery(backup.New(2, nil)),
		hits:    make([]atomic.Int32, size),
	}

	for i := range size {
		d := newTestDelivery(t, m.network, i+1, opts)
		m.disco.Add("worker", d.LocalEndpoint())

		brCfg := cfg
		brCfg.MetricSink = metrics.NewInmemSink(time.Second, 5*time.Minute)
		brCfg.LogHandler = testLogHandler(d.LocalEndpoint().String())
		b, err := NewBroker(d, m.disco, m.disco, brCfg)
		require.NoError(t, err)

		local := d.LocalEndpoint()
		require.NoError(t, b.Handle(echoHandler, func(data []byte, respond ResponseFunc) {
			m.hits[i].Add(1)
			respond([]byte(local.String()), nil)
		}))

		m.nodes = append(m.nodes, d)
		m.brokers = append(m.brokers, b)
	}
	return m
}

func (m *testMesh) endpoints(indexes ...int) []Endpoint {
	eps := make([]Endpoint, 0, len(indexes))
	for _, i := range indexes {
		eps = append(eps, m.nodes[i].LocalEndpoint())
	}
	return eps
}

func (m *testMesh) hitCounts() []int32 {
	counts := make([]int32, len(m.hits))
	for i := range m.hits {
		counts[i] = m.hits[i].Load()
	}
	return counts
}

func TestBrokerRelayChain(t *testing.T) {
	m := newTestMesh(t, 5, BrokerConfig{}, deliveryOpts{})

	require.NoError(t, m.brokers[0].Send(echoHandler, m.endpoints(1, 2, 3, 4), []byte("hop"), nil))

	require.Eventually(t, func() bool {
		for _, n := range m.hitCounts()[1:] {
			if n != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []int32{0, 1, 1, 1, 1}, m.hitCounts(), "every node is hit once")
}

func TestBrokerSkipsDeadNodes(t *testing.T) {
	m := newTestMesh(t, 5, BrokerConfig{}, deliveryOpts{})
	m.disco.Remove(m.nodes[3].LocalEndpoint())

	require.NoError(t, m.brokers[0].Send(echoHandler, m.endpoints(1, 2, 3, 4), []byte("hop"), nil))

	require.Eventually(t, func() bool {
		hits := m.hitCounts()
		return hits[1] == 1 && hits[2] == 1 && hits[4] == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []int32{0, 1, 1, 0, 1}, m.hitCounts())
}

func TestBrokerLocalFastPath(t *testing.T) {
	m := newTestMesh(t, 3, BrokerConfig{RelayLimit: 2}, deliveryOpts{})

	res := &responses{}
	require.NoError(t, m.brokers[0].Send(echoHandler, m.endpoints(0, 1, 2), []byte("all"), res.cb))

	require.Eventually(t, func() bool {
		hits := m.hitCounts()
		return hits[0] == 1 && hits[1] == 1 && hits[2] == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, res.len(), "only the local response is delivered")
	data, err := res.get(0)
	require.NoError(t, err)
	require.Equal(t, m.nodes[0].LocalEndpoint().String(), string(data))
}

func TestBrokerFirstResponseWins(t *testing.T) {
	m := newTestMesh(t, 4, BrokerConfig{RelayLimit: 3}, deliveryOpts{})

	res := &responses{}
	require.NoError(t, m.brokers[0].Send(echoHandler, m.endpoints(1, 2, 3), []byte("race"), res.cb))

	require.Eventually(t, func() bool { return res.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := res.get(0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hits := m.hitCounts()
		return hits[1] == 1 && hits[2] == 1 && hits[3] == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, res.len())
}

func TestBrokerNoNodeToSend(t *testing.T) {
	m := newTestMesh(t, 3, BrokerConfig{}, deliveryOpts{})
	m.disco.Remove(m.endpoints(1, 2)...)

	called := false
	err := m.brokers[0].Send(echoHandler, m.endpoints(1, 2), nil, func([]byte, error) { called = true })
	require.ErrorIs(t, err, ErrNoNodeToSend)
	require.ErrorContains(t, err, "1")
	require.False(t, called)

	require.ErrorIs(t, m.brokers[0].Send(echoHandler, nil, nil, nil), ErrNoNodeToSend)
	require.ErrorIs(t, m.brokers[0].Send(0, m.endpoints(1), nil, nil), ErrInvalidHandlerID)
}

func TestBrokerSynchronousFailure(t *testing.T) {
	m := newTestMesh(t, 3, BrokerConfig{RelayLimit: 2}, deliveryOpts{})
	require.NoError(t, m.nodes[0].Shutdown())

	for name, targets := range map[string][]Endpoint{
		"single chain": m.endpoints(1),
		"fan-in":       m.endpoints(1, 2),
	} {
		var calls atomic.Int32
		err := m.brokers[0].Send(echoHandler, targets, nil, func([]byte, error) { calls.Add(1) })
		require.ErrorIs(t, err, ErrTransportClosed, name)
		require.Zero(t, calls.Load(), "%s: the error is only returned", name)
	}
}

func TestBrokerBranch(t *testing.T) {
	m := newTestMesh(t, 6, BrokerConfig{}, deliveryOpts{})
	b := m.brokers[0]

	chains, local := b.branch(m.endpoints(1, 2, 3, 4, 5), 2)
	require.False(t, local)
	require.Equal(t, [][]Endpoint{m.endpoints(1, 3, 5), m.endpoints(2, 4)}, chains)

	chains, local = b.branch(m.endpoints(0, 1, 2), 5)
	require.True(t, local)
	require.Equal(t, [][]Endpoint{m.endpoints(1), m.endpoints(2)}, chains, "width is capped by the number of nodes")

	chains, local = b.branch(m.endpoints(0), 3)
	require.True(t, local)
	require.Empty(t, chains)

	m.disco.Remove(m.nodes[2].LocalEndpoint())
	chains, _ = b.branch(m.endpoints(1, 2, 3), 1)
	require.Equal(t, [][]Endpoint{m.endpoints(1, 3)}, chains)
}

func TestBrokerRelayOnTimeout(t *testing.T) {
	m := newTestMesh(t, 3, BrokerConfig{}, deliveryOpts{
		timeout:      100 * time.Millisecond,
		retryTimeout: 10 * time.Millisecond,
	})

	// Live for the discovery but never answers.
	ghost := NewEndpoint("127.0.0.1", 99)
	m.disco.Add("worker", ghost)

	nodes := append([]Endpoint{ghost}, m.endpoints(1, 2)...)
	require.NoError(t, m.brokers[0].Send(echoHandler, nodes, []byte("skip"), nil))

	require.Eventually(t, func() bool {
		hits := m.hitCounts()
		return hits[1] == 1 && hits[2] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBrokerRelayDelay(t *testing.T) {
	mock := clock.NewMock()
	m := newTestMesh(t, 3, BrokerConfig{RelayDelay: time.Second, Clock: mock}, deliveryOpts{})

	require.NoError(t, m.brokers[0].Send(echoHandler, m.endpoints(1, 2), []byte("slow"), nil))
	require.Eventually(t, func() bool { return m.hits[1].Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, m.hits[2].Load(), "the hop waits before relaying")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return m.hits[2].Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestBrokerPrepareNodes(t *testing.T) {
	m := newTestMesh(t, 1, BrokerConfig{LocalType: func() string { return "worker" }}, deliveryOpts{})
	b := m.brokers[0]

	dead := NewEndpoint("10.0.0.10", 8100)
	near := NewEndpoint("10.0.0.11", 8100)
	far := NewEndpoint("10.0.0.50", 8100)
	other := NewEndpoint("10.0.0.10", 8101)
	m.disco.Add("worker", near, far)
	m.disco.Add("db", other)

	ep, ok := b.PrepareNodes("worker", near)
	require.True(t, ok)
	require.Equal(t, near, ep, "a live node is its own target")

	ep, ok = b.PrepareNodes("", dead)
	require.True(t, ok)
	require.Equal(t, near, ep, "the closest backup of the local type")

	m.disco.Remove(near)
	ep, ok = b.PrepareNodes("worker", dead)
	require.True(t, ok)
	require.Equal(t, far, ep)

	ep, ok = b.PrepareNodes("db", NewEndpoint("10.0.0.99", 8100))
	require.True(t, ok)
	require.Equal(t, other, ep)

	_, ok = b.PrepareNodes("cache", dead)
	require.False(t, ok)
}

func TestFirstResponse(t *testing.T) {
	t.Run("first success wins", func(t *testing.T) {
		res := &responses{}
		cb, _ := firstResponse(res.cb, 3)
		cb(nil, errors.New("a"))
		cb([]byte("b"), nil)
		cb([]byte("c"), nil)

		require.Equal(t, 1, res.len())
		data, err := res.get(0)
		require.NoError(t, err)
		require.Equal(t, []byte("b"), data)
	})

	t.Run("last error when all fail", func(t *testing.T) {
		res := &responses{}
		cb, _ := firstResponse(res.cb, 2)
		cb(nil, errors.New("a"))
		require.Zero(t, res.len())
		cb(nil, errors.New("b"))

		require.Equal(t, 1, res.len())
		_, err := res.get(0)
		require.EqualError(t, err, "b")
	})

	t.Run("abandoned requests never reach the callback", func(t *testing.T) {
		res := &responses{}
		_, abandon := firstResponse(res.cb, 2)
		abandon()
		abandon()
		require.Zero(t, res.len())
	})

	t.Run("abandoning the last request surfaces earlier errors", func(t *testing.T) {
		res := &responses{}
		cb, abandon := firstResponse(res.cb, 2)
		cb(nil, errors.New("a"))
		require.Zero(t, res.len())
		abandon()

		require.Equal(t, 1, res.len())
		_, err := res.get(0)
		require.EqualError(t, err, "a")
	})
}
