package meshlink

import (
	"testing"

	"github.com/raskyld/meshlink/pkg/backup"
	"github.com/stretchr/testify/require"
)

func TestStaticDiscovery(t *testing.T) {
	sd := NewStaticDiscovery(backup.New(2, map[string]int{"db": 1}))
	a := NewEndpoint("10.0.0.2", 8100)
	b := NewEndpoint("10.0.0.1", 8100)
	c := NewEndpoint("10.0.0.1", 8101)
	d := NewEndpoint("10.0.0.9", 8100)

	sd.Add("worker", a, b, c)
	sd.Add("db", d)

	require.True(t, sd.IsLive(a))
	require.Equal(t, []Endpoint{b, c, a, d}, sd.Endpoints(), "sorted by address then port")
	require.Equal(t, []Endpoint{b, c, a}, sd.NodesByType("worker"))

	sd.SetValue(a, "zone", "eu")
	zone, ok := sd.Value(a, "zone")
	require.True(t, ok)
	require.Equal(t, "eu", zone)

	require.Equal(t, []Endpoint{b, c}, sd.Backups("worker", a))
	require.Equal(t, []Endpoint{d}, sd.Backups("db", NewEndpoint("10.0.0.8", 8100)))

	sd.Remove(a)
	require.False(t, sd.IsLive(a))
	_, ok = sd.Value(a, "zone")
	require.False(t, ok)
}
