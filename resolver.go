package taps

import (
	"context"
	"net"

	"golang.org/x/sync/singleflight"
)

// SingleflightResolver wraps a HostResolver so that concurrent racing
// contexts resolving the same hostname (e.g. two Preconnections racing
// the same remote at once) share a single in-flight DNS lookup instead of
// issuing duplicate queries. Grounded on golang.org/x/sync/singleflight,
// the same dependency the dskit pack member pulls for request
// coalescing.
type SingleflightResolver struct {
	Inner HostResolver
	group singleflight.Group
}

// NewSingleflightResolver wraps inner, falling back to DefaultHostResolver
// if inner is nil.
func NewSingleflightResolver(inner HostResolver) *SingleflightResolver {
	if inner == nil {
		inner = DefaultHostResolver{}
	}
	return &SingleflightResolver{Inner: inner}
}

func (s *SingleflightResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	v, err, _ := s.group.Do(hostname, func() (any, error) {
		return s.Inner.LookupIP(ctx, hostname)
	})
	if err != nil {
		return nil, err
	}
	return v.([]net.IP), nil
}
