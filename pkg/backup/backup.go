// Package backup computes, for any node of the mesh, which nodes of the
// same type should take over its traffic when it dies.
//
// Nodes are ranked by how close their address number is to the address
// number of the failed node. The address number is the sum of the bytes
// of the IP address, so nodes sharing a subnet tend to back each other up.
package backup

import (
	"cmp"
	"net/netip"
	"slices"
)

// DefaultCount of backups computed per node.
const DefaultCount = 2

// Candidate is a node which may be elected as a backup.
type Candidate struct {
	Addr string
	Port int
	Type string
}

// Selector elects backups. The zero value elects `DefaultCount` backups
// for every type.
type Selector struct {
	// Default number of backups when the type has no entry in `Counts`.
	Default int

	// Counts overrides the number of backups per node type.
	Counts map[string]int
}

func New(defaultCount int, counts map[string]int) *Selector {
	return &Selector{
		Default: defaultCount,
		Counts:  counts,
	}
}

func (s *Selector) count(nodeType string) int {
	if s == nil {
		return DefaultCount
	}
	if n, ok := s.Counts[nodeType]; ok {
		return n
	}
	if s.Default > 0 {
		return s.Default
	}
	return DefaultCount
}

// Select returns the closest candidates of type `nodeType` to the node at
// `addr`:`port`, the node itself excluded. The result is deterministic for
// a given set of candidates, whatever their order.
func (s *Selector) Select(nodeType, addr string, port int, candidates []Candidate) []Candidate {
	n := s.count(nodeType)
	if n <= 0 {
		return nil
	}

	origin := AddrNum(addr)
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Type != nodeType {
			continue
		}
		if c.Addr == addr && c.Port == port {
			continue
		}
		pool = append(pool, c)
	}

	slices.SortFunc(pool, func(a, b Candidate) int {
		if d := cmp.Compare(distance(origin, a.Addr), distance(origin, b.Addr)); d != 0 {
			return d
		}
		if d := cmp.Compare(a.Addr, b.Addr); d != 0 {
			return d
		}
		return cmp.Compare(a.Port, b.Port)
	})

	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

func distance(origin int, addr string) int {
	d := AddrNum(addr) - origin
	if d < 0 {
		return -d
	}
	return d
}

// AddrNum returns the sum of the bytes of an IP address, or 0 if `addr`
// is not an IP address.
func AddrNum(addr string) int {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return 0
	}
	sum := 0
	for _, b := range ip.Unmap().AsSlice() {
		sum += int(b)
	}
	return sum
}
