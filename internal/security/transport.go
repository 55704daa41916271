// Package security builds the HTTP client used to fetch ArcGIS change
// documents. The changesUrl comes from an unauthenticated request body, so
// the client refuses to dial loopback, private, link-local and other
// non-public ranges, and re-checks every redirect target.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"boommelding/internal/types"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 2 * time.Second

var (
	// ErrSSRFBlocked is returned when a request targets a blocked IP range.
	ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")
	// ErrSSRFDNSTimeout is returned when DNS resolution exceeds dnsTimeout.
	ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")
	// ErrSSRFDNSFailed is returned when DNS resolution fails entirely.
	ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")
	// ErrTooManyRedirects is returned when the redirect limit is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
)

var (
	blockedNets []*net.IPNet
	initOnce    sync.Once
	initErr     error
)

func initBlockedNets() {
	initOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(types.SSRFBlockedCIDRs))
		for _, cidr := range types.SSRFBlockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				initErr = fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
}

func isBlockedIP(ip net.IP) bool {
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// FeedClientOptions configures NewFeedHTTPClient.
type FeedClientOptions struct {
	Timeout      time.Duration
	MaxRedirects int
	// BlockPrivateNetworks enables the address guard. When false the client
	// only enforces the timeout and redirect limit.
	BlockPrivateNetworks bool
	// Resolver overrides net.DefaultResolver.
	Resolver Resolver
}

// NewFeedHTTPClient returns the http.Client used for change-feed fetches.
func NewFeedHTTPClient(opts FeedClientOptions) (*http.Client, error) {
	client := &http.Client{Timeout: opts.Timeout}

	if !opts.BlockPrivateNetworks {
		client.CheckRedirect = limitRedirects(opts.MaxRedirects, nil)
		return client, nil
	}

	initBlockedNets()
	if initErr != nil {
		return nil, initErr
	}

	g := &guard{resolver: opts.Resolver}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.dialContext

	client.Transport = transport
	client.CheckRedirect = limitRedirects(opts.MaxRedirects, g)
	return client, nil
}

type guard struct {
	resolver Resolver
}

// resolve returns the addresses for host, failing if any of them is
// blocked. Checking all of them defeats mixed public/private DNS answers.
func (g *guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if isBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// dialContext dials the first vetted address so the connection goes to the
// IP that was checked rather than a second lookup.
func (g *guard) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}

	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

func limitRedirects(maxRedirects int, g *guard) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		if g == nil {
			return nil
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}
		_, err := g.resolve(req.Context(), host)
		return err
	}
}
