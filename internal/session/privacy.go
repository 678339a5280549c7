package session

import (
	"crypto/sha256"
	"fmt"
	"net"
	"path"
)

// PrivacyFilter applies masking and client-id filtering to session records
// before they are served by the query API. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskRemoteAddrs bool
	MaskSocketIDs   bool
	AllowedClients  []string
	BlockedClients  []string
}

// IsAllowed reports whether the record for clientID may be served. When
// AllowedClients is non-empty the id must match at least one glob. If it
// passes the allowlist, it must not match any BlockedClients glob.
func (f *PrivacyFilter) IsAllowed(clientID string) bool {
	if len(f.AllowedClients) > 0 && !matchAny(f.AllowedClients, clientID) {
		return false
	}
	return !matchAny(f.BlockedClients, clientID)
}

func matchAny(patterns []string, s string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, s); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of the record with sensitive fields masked according
// to the filter configuration.
func (f *PrivacyFilter) Apply(r Record) Record {
	masked := r.Clone()

	if f.MaskRemoteAddrs && masked.RemoteAddr != "" {
		masked.RemoteAddr = maskAddr(masked.RemoteAddr)
	}

	if f.MaskSocketIDs && masked.TransportSessionID != "" {
		masked.TransportSessionID = shortHash(masked.TransportSessionID)
	}

	return masked
}

// FilterSlice returns a new slice containing only the allowed records,
// with masking applied to each.
func (f *PrivacyFilter) FilterSlice(records []Record) []Record {
	result := make([]Record, 0, len(records))
	for _, r := range records {
		if !f.IsAllowed(r.ClientID) {
			continue
		}
		result = append(result, f.Apply(r))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskRemoteAddrs && !f.MaskSocketIDs &&
		len(f.AllowedClients) == 0 && len(f.BlockedClients) == 0
}

// maskAddr keeps the network of an IP (/24 for IPv4, /48 for IPv6) and
// hashes anything that does not parse as one.
func maskAddr(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return shortHash(addr)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
