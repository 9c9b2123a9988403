// Package ipallow matches client addresses against per-key allow-lists of
// literal addresses and CIDR ranges.
package ipallow

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// IsAllowed reports whether clientIP may use a key restricted to allowList.
// An empty list allows everyone. Entries are expected to have passed
// ValidateAllowList; entries that fail to parse never match.
func IsAllowed(clientIP string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	addr, err := parseAddr(clientIP)
	if err != nil {
		return false
	}

	for _, entry := range allowList {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		lit, err := parseAddr(entry)
		if err != nil {
			continue
		}
		if lit == addr {
			return true
		}
	}
	return false
}

// ValidateAllowList checks each entry is a literal address or a CIDR range.
// The returned error joins one error per malformed entry.
func ValidateAllowList(entries []string) error {
	var errs []error
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			errs = append(errs, fmt.Errorf("entry %d: empty", i))
			continue
		}
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				errs = append(errs, fmt.Errorf("entry %d: invalid CIDR %q", i, entry))
			}
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: invalid address %q", i, entry))
		}
	}
	return errors.Join(errs...)
}

// parseAddr parses s and folds IPv4-mapped IPv6 addresses to IPv4 so
// "::ffff:10.0.0.1" matches "10.0.0.0/8".
func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap().WithZone(""), nil
}
