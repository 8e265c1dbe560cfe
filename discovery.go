package meshlink

import (
	"cmp"
	"slices"
	"sync"

	"github.com/raskyld/meshlink/pkg/backup"
)

// Discovery tells the broker which nodes of the mesh are reachable.
type Discovery interface {
	// IsLive reports whether `ep` is currently a member of the mesh.
	IsLive(ep Endpoint) bool

	// Endpoints of every live node, the local one included.
	Endpoints() []Endpoint

	// Value returns a metadata value announced by `ep`.
	Value(ep Endpoint, key string) (any, bool)
}

// BackupSource computes substitutes for nodes which are no longer live.
type BackupSource interface {
	Backups(nodeType string, ep Endpoint) []Endpoint
}

func sortEndpoints(eps []Endpoint) {
	slices.SortFunc(eps, func(a, b Endpoint) int {
		if d := cmp.Compare(a.Addr, b.Addr); d != 0 {
			return d
		}
		return cmp.Compare(a.Port, b.Port)
	})
}

// StaticDiscovery is a `Discovery` whose membership is maintained by hand,
// for meshes with a fixed topology.
type StaticDiscovery struct {
	selector *backup.Selector

	lk     sync.RWMutex
	nodes  map[Endpoint]string
	values map[Endpoint]map[string]any
}

var (
	_ Discovery    = (*StaticDiscovery)(nil)
	_ BackupSource = (*StaticDiscovery)(nil)
)

func NewStaticDiscovery(selector *backup.Selector) *StaticDiscovery {
	return &StaticDiscovery{
		selector: selector,
		nodes:    make(map[Endpoint]string),
		values:   make(map[Endpoint]map[string]any),
	}
}

// Add marks `ep` as live with the given node type.
func (sd *StaticDiscovery) Add(nodeType string, eps ...Endpoint) {
	sd.lk.Lock()
	defer sd.lk.Unlock()
	for _, ep := range eps {
		sd.nodes[ep] = nodeType
	}
}

// Remove marks `ep` as dead.
func (sd *StaticDiscovery) Remove(eps ...Endpoint) {
	sd.lk.Lock()
	defer sd.lk.Unlock()
	for _, ep := range eps {
		delete(sd.nodes, ep)
		delete(sd.values, ep)
	}
}

func (sd *StaticDiscovery) SetValue(ep Endpoint, key string, value any) {
	sd.lk.Lock()
	defer sd.lk.Unlock()
	if sd.values[ep] == nil {
		sd.values[ep] = make(map[string]any)
	}
	sd.values[ep][key] = value
}

func (sd *StaticDiscovery) IsLive(ep Endpoint) bool {
	sd.lk.RLock()
	defer sd.lk.RUnlock()
	_, ok := sd.nodes[ep]
	return ok
}

func (sd *StaticDiscovery) Endpoints() []Endpoint {
	sd.lk.RLock()
	eps := make([]Endpoint, 0, len(sd.nodes))
	for ep := range sd.nodes {
		eps = append(eps, ep)
	}
	sd.lk.RUnlock()
	sortEndpoints(eps)
	return eps
}

func (sd *StaticDiscovery) NodesByType(nodeType string) []Endpoint {
	sd.lk.RLock()
	var eps []Endpoint
	for ep, typ := range sd.nodes {
		if typ == nodeType {
			eps = append(eps, ep)
		}
	}
	sd.lk.RUnlock()
	sortEndpoints(eps)
	return eps
}

func (sd *StaticDiscovery) Value(ep Endpoint, key string) (any, bool) {
	sd.lk.RLock()
	defer sd.lk.RUnlock()
	val, ok := sd.values[ep][key]
	return val, ok
}

func (sd *StaticDiscovery) Backups(nodeType string, ep Endpoint) []Endpoint {
	sd.lk.RLock()
	candidates := make([]backup.Candidate, 0, len(sd.nodes))
	for node, typ := range sd.nodes {
		candidates = append(candidates, backup.Candidate{Addr: node.Addr, Port: node.Port, Type: typ})
	}
	sd.lk.RUnlock()
	return selectBackups(sd.selector, nodeType, ep, candidates)
}

func selectBackups(s *backup.Selector, nodeType string, ep Endpoint, candidates []backup.Candidate) []Endpoint {
	elected := s.Select(nodeType, ep.Addr, ep.Port, candidates)
	backups := make([]Endpoint, 0, len(elected))
	for _, c := range elected {
		backups = append(backups, Endpoint{Addr: c.Addr, Port: c.Port})
	}
	return backups
}
