// Package urlguard rejects webhook targets that point at loopback, private,
// link-local or cloud-metadata addresses. Validation runs before every send,
// so a hostname that later re-resolves to a private address is caught.
package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
)

// Result is the outcome of Validate. Reason is set when Valid is false.
type Result struct {
	Valid  bool
	Reason string
}

func ok() Result { return Result{Valid: true} }

func reject(reason string) Result { return Result{Reason: reason} }

// Resolver is the subset of *net.Resolver used for post-resolution checks.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedHostnames = map[string]struct{}{
	"localhost":                  {},
	"metadata":                   {},
	"metadata.google.internal":   {},
	"metadata.goog":              {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
	"metadata.azure.internal":    {},
	"metadata.tencentyun.com":    {},
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

type Validator struct {
	resolver Resolver
}

func New(resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

var defaultValidator = New(nil)

// Validate checks rawURL with the system resolver.
func Validate(ctx context.Context, rawURL string) Result {
	return defaultValidator.Validate(ctx, rawURL)
}

// Validate checks the scheme, rejects private literals and blocked hostnames,
// then resolves the host and rejects it if any resolved address is private.
// Results are never cached.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return reject("URL must use http or https")
	}
	if u.User != nil {
		return reject("URL must not contain credentials")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return reject("URL must include a hostname")
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject("localhost is not allowed")
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return reject("cloud metadata hostnames are not allowed")
	}

	if addr, isLiteral := parseLiteral(host); isLiteral {
		if IsPrivate(addr) {
			return reject(fmt.Sprintf("address %s is in a private or reserved range", addr))
		}
		return ok()
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return reject(fmt.Sprintf("could not resolve hostname %s", host))
	}
	if len(addrs) == 0 {
		return reject(fmt.Sprintf("hostname %s has no addresses", host))
	}
	for _, a := range addrs {
		addr, valid := netip.AddrFromSlice(a.IP)
		if !valid {
			return reject(fmt.Sprintf("hostname %s resolved to an invalid address", host))
		}
		if IsPrivate(addr) {
			return reject(fmt.Sprintf("hostname %s resolves to private address %s", host, addr.Unmap()))
		}
	}
	return ok()
}

// IsPrivate reports whether addr is loopback, private, link-local, unspecified
// or unique-local. IPv4-mapped and IPv4-compatible IPv6 forms are checked
// against the embedded IPv4 address.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.WithZone("")
	if addr.Is4In6() {
		addr = addr.Unmap()
	} else if addr.Is6() {
		b := addr.As16()
		compat := true
		for _, x := range b[:12] {
			if x != 0 {
				compat = false
				break
			}
		}
		if compat && !addr.IsLoopback() && !addr.IsUnspecified() {
			addr = netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
		}
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseLiteral(host string) (netip.Addr, bool) {
	if strings.Contains(host, ":") {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, false
		}
		return addr, true
	}
	return ParseIPv4Literal(host)
}

// ParseIPv4Literal parses the forms inet_aton accepts: one to four parts,
// each decimal, octal (leading 0) or hex (leading 0x). So 2130706433,
// 0x7f000001 and 0177.0.0.1 all parse to 127.0.0.1.
func ParseIPv4Literal(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		n, valid := parseIPv4Part(p)
		if !valid {
			return netip.Addr{}, false
		}
		vals[i] = n
	}

	var ip uint64
	last := len(vals) - 1
	for i := 0; i < last; i++ {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
		ip |= vals[i] << (24 - 8*uint(i))
	}
	// The final part fills the remaining bytes.
	maxLast := uint64(1)<<(8*uint(4-last)) - 1
	if vals[last] > maxLast {
		return netip.Addr{}, false
	}
	ip |= vals[last]

	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	digits := p
	switch {
	case strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X"):
		base = 16
		digits = p[2:]
		if digits == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		base = 8
		digits = p[1:]
	}
	n, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DialControl is a net.Dialer Control hook that refuses connections to private
// addresses after DNS resolution, closing the window between Validate and connect.
func DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("refusing to dial non-IP address %q", host)
	}
	if IsPrivate(addr) {
		return fmt.Errorf("refusing to dial private address %s", addr)
	}
	return nil
}
