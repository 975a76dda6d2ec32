package taps

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// LocalEndpoint is a semantic address for binding: an optional interface
// name, an optional service string, an optional port, and an optional
// already-concrete socket address. Resolve expands it into the ordered
// list of concrete addresses the candidate gatherer (C4) builds Path
// nodes from.
type LocalEndpoint struct {
	Interface string // empty means "any interface"
	Service   string
	Port      uint16
	Address   net.IP // set when the caller already has a concrete address
}

// NewLocalEndpoint returns an empty LocalEndpoint matching any interface.
func NewLocalEndpoint() *LocalEndpoint {
	return &LocalEndpoint{}
}

func (l *LocalEndpoint) WithInterface(name string) *LocalEndpoint {
	l.Interface = name
	return l
}

func (l *LocalEndpoint) WithPort(port uint16) *LocalEndpoint {
	l.Port = port
	return l
}

func (l *LocalEndpoint) WithService(service string) *LocalEndpoint {
	l.Service = service
	return l
}

func (l *LocalEndpoint) WithAddress(addr net.IP) *LocalEndpoint {
	l.Address = addr
	return l
}

func (l *LocalEndpoint) clone() *LocalEndpoint {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// resolvedPort resolves l's port or service string to a concrete port.
func (l *LocalEndpoint) resolvedPort() (uint16, error) {
	if l.Port != 0 {
		return l.Port, nil
	}
	if l.Service != "" {
		port, err := net.LookupPort("tcp", l.Service)
		if err != nil {
			return 0, &ErrInvalidEndpoint{Reason: fmt.Sprintf("service lookup %q: %v", l.Service, err)}
		}
		return uint16(port), nil
	}
	return 0, nil
}

// ResolveLocal enumerates system interface addresses matching l's
// interface name (all interfaces if unset), applying the resolved port.
// One output entry per address of each matching interface, per spec.md
// §4.1.
func ResolveLocal(l *LocalEndpoint) ([]*LocalEndpoint, error) {
	port, err := l.resolvedPort()
	if err != nil {
		return nil, err
	}

	if l.Address != nil {
		return []*LocalEndpoint{{Interface: l.Interface, Port: port, Address: l.Address}}, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, &ErrInvalidEndpoint{Reason: fmt.Sprintf("enumerate interfaces: %v", err)}
	}

	var out []*LocalEndpoint
	for _, iface := range ifaces {
		if l.Interface != "" && l.Interface != "any" && iface.Name != l.Interface {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			out = append(out, &LocalEndpoint{
				Interface: iface.Name,
				Port:      port,
				Address:   ipNet.IP,
			})
		}
	}
	if len(out) == 0 {
		// Fall back to the wildcard address so loopback-only tests still
		// have a candidate Path to race against.
		out = append(out,
			&LocalEndpoint{Interface: l.Interface, Port: port, Address: net.IPv4zero},
			&LocalEndpoint{Interface: l.Interface, Port: port, Address: net.IPv6zero},
		)
	}
	return out, nil
}

// socketAddress returns "host:port" suitable for net.Listen/net.Dial.
func (l *LocalEndpoint) socketAddress() string {
	ip := l.Address
	if ip == nil {
		ip = net.IPv4zero
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(l.Port)))
}

// RemoteEndpoint is a semantic address for connecting: an optional
// hostname, an optional service string, an optional port, and an optional
// concrete socket address.
type RemoteEndpoint struct {
	Hostname string
	Service  string
	Port     uint16
	Address  net.IP
}

func NewRemoteEndpoint() *RemoteEndpoint {
	return &RemoteEndpoint{}
}

func (r *RemoteEndpoint) WithHostname(host string) *RemoteEndpoint {
	r.Hostname = host
	return r
}

func (r *RemoteEndpoint) WithIPv4(ip net.IP) *RemoteEndpoint {
	r.Address = ip.To4()
	return r
}

func (r *RemoteEndpoint) WithIPv6(ip net.IP) *RemoteEndpoint {
	r.Address = ip.To16()
	return r
}

func (r *RemoteEndpoint) WithPort(port uint16) *RemoteEndpoint {
	r.Port = port
	return r
}

func (r *RemoteEndpoint) WithService(service string) *RemoteEndpoint {
	r.Service = service
	return r
}

func (r *RemoteEndpoint) clone() *RemoteEndpoint {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (r *RemoteEndpoint) resolvedPort() (uint16, error) {
	if r.Port != 0 {
		return r.Port, nil
	}
	if r.Service != "" {
		port, err := net.LookupPort("tcp", r.Service)
		if err != nil {
			return 0, &ErrInvalidEndpoint{Reason: fmt.Sprintf("service lookup %q: %v", r.Service, err)}
		}
		return uint16(port), nil
	}
	return 0, &ErrInvalidEndpoint{Reason: "no port or service set"}
}

// ResolveRemote resolves r to a list of concrete addresses, in the order
// returned by the resolver, per spec.md §4.1. If r already carries a
// concrete address, a single-element list is returned.
func ResolveRemote(ctx context.Context, r *RemoteEndpoint, resolver HostResolver) ([]*RemoteEndpoint, error) {
	port, err := r.resolvedPort()
	if err != nil {
		return nil, err
	}

	if r.Address != nil {
		if r.Hostname != "" {
			return nil, &ErrInvalidEndpoint{Reason: "both hostname and concrete address set"}
		}
		return []*RemoteEndpoint{{Address: r.Address, Port: port}}, nil
	}

	if r.Hostname == "" {
		return nil, &ErrInvalidEndpoint{Reason: "neither hostname nor address set"}
	}

	if resolver == nil {
		resolver = DefaultHostResolver{}
	}
	ips, err := resolver.LookupIP(ctx, r.Hostname)
	if err != nil {
		return nil, &ErrInvalidEndpoint{Reason: fmt.Sprintf("resolve %q: %v", r.Hostname, err)}
	}
	if len(ips) == 0 {
		return nil, &ErrInvalidEndpoint{Reason: fmt.Sprintf("resolve %q: no addresses", r.Hostname)}
	}

	out := make([]*RemoteEndpoint, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &RemoteEndpoint{Hostname: r.Hostname, Address: ip, Port: port})
	}
	return out, nil
}

func (r *RemoteEndpoint) socketAddress() string {
	return net.JoinHostPort(r.Address.String(), strconv.Itoa(int(r.Port)))
}

// HostResolver is the external collaborator spec.md names in §1's
// out-of-scope list ("DNS resolution (use the host resolver)"). It is
// invoked synchronously through this wrapper per spec.md §5's suspension
// point list; a singleflight-collapsed resolver is provided by
// SingleflightResolver for concurrent racing contexts resolving the same
// hostname.
type HostResolver interface {
	LookupIP(ctx context.Context, hostname string) ([]net.IP, error)
}

// DefaultHostResolver delegates to net.DefaultResolver.
type DefaultHostResolver struct{}

func (DefaultHostResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}
