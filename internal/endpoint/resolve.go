package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/joeycumines/logiface"
)

var ErrUnresolved = errors.New("endpoint: no ipv4 address")

// Endpoint is a resolved target. Immutable once built.
type Endpoint struct {
	URL  URL
	Addr [4]byte
	Port int
}

func (x Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", x.URL.Raw, net.JoinHostPort(net.IP(x.Addr[:]).String(), fmt.Sprint(x.Port)))
}

// Resolver looks up the IPv4 address of each target.
type Resolver struct {
	// LookupIP defaults to net.DefaultResolver.LookupIP.
	LookupIP func(ctx context.Context, network, host string) ([]net.IP, error)
	// Logger is optional.
	Logger *logiface.Logger[logiface.Event]
}

// Resolve resolves every URL, in order. Every endpoint is assigned the port
// of the first URL; a warning is logged for any URL that names another.
func (x *Resolver) Resolve(ctx context.Context, urls []URL) ([]Endpoint, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrUnresolved)
	}
	lookup := x.LookupIP
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIP
	}
	port := urls[0].Port
	endpoints := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		ips, err := lookup(ctx, "ip4", u.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnresolved, u.Host, err)
		}
		var (
			addr [4]byte
			ok   bool
		)
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				copy(addr[:], v4)
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, u.Host)
		}
		if u.Port != port && x.Logger != nil {
			x.Logger.Warning().
				Str("url", u.Raw).
				Int("port", u.Port).
				Int("using", port).
				Log("all targets use the port of the first url")
		}
		endpoints = append(endpoints, Endpoint{URL: u, Addr: addr, Port: port})
	}
	return endpoints, nil
}
