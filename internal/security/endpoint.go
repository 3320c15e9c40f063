package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is wrapped by every rejection from HookURLPolicy.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Shared address space (RFC 6598) and NAT64 well-known prefix, which
// netip's predicates do not flag.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// HookURLPolicy decides whether the server may post signer notifications to
// an endpoint. Hosts that are, or resolve to, internal addresses are
// rejected.
type HookURLPolicy struct {
	RequireHTTPS bool
	Resolver     Resolver // defaults to net.DefaultResolver
}

// Check validates rawURL.
func (p HookURLPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case u.Scheme == "http":
		return fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not carry credentials", ErrBlockedEndpoint)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if blockedHosts[strings.ToLower(strings.TrimSuffix(host, "."))] {
		return fmt.Errorf("%w: URL host %q is not allowed", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve URL host %s", ErrBlockedEndpoint, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate():
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	case addr.IsMulticast():
		kind = "multicast"
	}
	for _, p := range blockedPrefixes {
		if kind == "" && p.Contains(addr) {
			kind = "shared"
		}
	}
	if kind != "" {
		return fmt.Errorf("%w: %s addresses are not allowed", ErrBlockedEndpoint, kind)
	}
	return nil
}
