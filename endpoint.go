package meshlink

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
)

// Endpoint identifies a node of the mesh by the address its datagram
// engine listens on. It is comparable and can be used as a map key.
type Endpoint struct {
	_    struct{} `cbor:",toarray"`
	Addr string
	Port int
}

func NewEndpoint(addr string, port int) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

// ParseEndpoint parses an `host:port` string.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xFFFF {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrInvalidAddr, portStr)
	}
	return Endpoint{Addr: host, Port: port}, nil
}

func endpointFromAddr(addr net.Addr) Endpoint {
	switch addr := addr.(type) {
	case *net.UDPAddr:
		ip := addr.IP
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return Endpoint{Addr: ip.String(), Port: addr.Port}
	default:
		ep, err := ParseEndpoint(addr.String())
		if err != nil {
			return Endpoint{Addr: addr.String()}
		}
		return ep
	}
}

func (ep Endpoint) IsZero() bool {
	return ep.Addr == "" && ep.Port == 0
}

func (ep Endpoint) String() string {
	return net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port))
}

// UDPAddr resolves the endpoint, skipping DNS for literal IPs.
func (ep Endpoint) UDPAddr() (*net.UDPAddr, error) {
	if ip, err := netip.ParseAddr(ep.Addr); err == nil {
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(ep.Port))), nil
	}
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return addr, nil
}

func (ep Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", ep.Addr),
		slog.Int("port", ep.Port),
	)
}
