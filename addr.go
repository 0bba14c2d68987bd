package coronet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// netContext returns the pool of ctx and its reactor.
func netContext(ctx context.Context) (*pool, *reactor, error) {
	h, err := Current(ctx)
	if err != nil {
		return nil, nil, err
	}
	r, err := h.p.net()
	if err != nil {
		return nil, nil, err
	}
	return h.p, r, nil
}

// resolve turns "host:port" into candidate socket addresses. An IP
// literal is used as is, an empty host becomes unspecified, and any
// other host is looked up off the worker, with concurrent lookups of
// the same name shared.
func resolve(ctx context.Context, p *pool, op, address string, unspecified net.IP) ([]*net.TCPAddr, error) {
	invalid := func(err error) error {
		return &IOError{Op: op, Addr: address, Kind: ErrInvalidAddress, Err: err}
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, invalid(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, invalid(fmt.Errorf("invalid port %q", portStr))
	}

	if host == "" {
		return []*net.TCPAddr{{IP: unspecified, Port: int(port)}}, nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []*net.TCPAddr{{IP: ip.Unmap().AsSlice(), Port: int(port), Zone: ip.Zone()}}, nil
	}

	v, err, shared := p.lookups.Do(ctx, host, func() (any, error) {
		return Offload(ctx, func() ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		})
	})
	if err != nil {
		return nil, invalid(err)
	}
	p.log.Trace().Str("host", host).Bool("shared", shared).Msg("resolved host")

	ips := v.([]net.IPAddr)
	if len(ips) == 0 {
		return nil, invalid(fmt.Errorf("no addresses for %q", host))
	}
	addrs := make([]*net.TCPAddr, len(ips))
	for i, ip := range ips {
		addrs[i] = &net.TCPAddr{IP: ip.IP, Port: int(port), Zone: ip.Zone}
	}
	return addrs, nil
}
