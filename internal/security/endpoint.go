package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// lookupTimeout bounds the DNS lookup of a webhook host.
const lookupTimeout = 3 * time.Second

// blockedHosts are metadata and loopback names a subscriber URL may not use.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google":          true,
	"metadata.google.internal": true,
}

// blockedSuffixes cover cluster and mDNS names that only resolve inside the
// network escrowd runs in.
var blockedSuffixes = []string{".localhost", ".local", ".internal", ".svc.cluster.local"}

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598), which
// net.IP.IsPrivate does not cover.
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// lookupHost is replaced in tests.
var lookupHost = net.DefaultResolver.LookupHost

// ValidateWebhookURL rejects escrow event subscriber URLs that would make
// the dispatcher call into the platform's own network. It is checked when a
// subscription is created and again before every delivery, since DNS for a
// registered host can change.
func ValidateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if blockedHosts[host] {
		return fmt.Errorf("URL host %q is not allowed", host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := lookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate(), sharedAddressSpace.Contains(ip):
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	case ip.IsMulticast():
		return fmt.Errorf("multicast addresses are not allowed")
	}
	return nil
}
