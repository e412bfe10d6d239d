// Package enrich pulls fresh web material into the vector store when the
// model admits it cannot answer from the indexed documents.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrSchemeNotAllowed = errors.New("url scheme must be http or https")
	ErrPrivateHost      = errors.New("host resolves to a private or local address")
	ErrHostUnresolvable = errors.New("host could not be resolved")
)

// URLValidator decides whether a URL may be fetched. Guard is the production
// implementation; tests substitute permissive ones.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (*url.URL, error)
}

// Guard rejects URLs that could be used to reach internal services: bad
// schemes, literal private addresses, and hostnames whose DNS resolution
// lands in a private range (the DNS-rebinding case).
type Guard struct {
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

func NewGuard() *Guard {
	return &Guard{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

func (g *Guard) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrHostUnresolvable)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateHost, host)
		}
		return u, nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrPrivateHost, host)
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHostUnresolvable, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrHostUnresolvable, host)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrPrivateHost, host, ip)
		}
	}
	return u, nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
