// Package keyspace derives storage keys and log-safe identifiers.
//
// keyspace.go -- Key layout for every record Bastion writes to the backend.
// Emails are never stored raw: they are hashed before they become part of a key,
// and masked before they reach a log line or audit event.
package keyspace

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// emailHashLen is the number of hex chars of the SHA-256 digest kept in keys.
const emailHashLen = 16

// HashEmail returns the first 16 hex chars of SHA-256(lowercase(trimmed email)).
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])[:emailHashLen]
}

// MaskEmail keeps at most the first 3 characters of email and appends "***".
// Used for every email that ends up in a log line or audit event.
func MaskEmail(email string) string {
	r := []rune(email)
	if len(r) > 3 {
		r = r[:3]
	}
	return string(r) + "***"
}

// MaskKey hides most of an engine key for logging.
//   - emails keep 2 chars of the local part plus the domain: "ab***@example.com"
//   - IPv4 addresses keep the first two octets: "10.0.***.**"
//   - anything longer than 8 chars keeps 4 chars on each end
//   - everything else becomes "***"
func MaskKey(key string) string {
	if at := strings.IndexByte(key, '@'); at > 0 {
		local := []rune(key[:at])
		if len(local) > 2 {
			local = local[:2]
		}
		return string(local) + "***" + key[at:]
	}
	if ip := net.ParseIP(key); ip != nil && ip.To4() != nil && strings.Count(key, ".") == 3 {
		parts := strings.Split(key, ".")
		return parts[0] + "." + parts[1] + ".***.**"
	}
	if r := []rune(key); len(r) > 8 {
		return string(r[:4]) + "***" + string(r[len(r)-4:])
	}
	return "***"
}

// WindowKey is the sliding-window key for a (scope, key) pair of the global engine.
func WindowKey(scope, key string) string {
	return "ratelimit:" + scope + ":" + key
}

// BlockKey is the block record key for a (scope, key) pair of the global engine.
func BlockKey(scope, key string) string {
	return "ratelimit:block:" + scope + ":" + key
}

// OffenseKey holds the offense history that outlives a block record.
func OffenseKey(blockKey string) string {
	return blockKey + ":offenses"
}

// --- Auth limiter keys ---

// AuthAttemptsIP is the attempt counter for an IP and auth type.
func AuthAttemptsIP(authType, ip string) string {
	return "auth:ratelimit:ip:" + authType + ":" + ip
}

// AuthAttemptsEmail is the attempt counter for a hashed email and auth type.
func AuthAttemptsEmail(authType, emailHash string) string {
	return "auth:ratelimit:email:" + authType + ":" + emailHash
}

// AuthBlockIP is the block record for an IP and auth type.
func AuthBlockIP(authType, ip string) string {
	return "auth:block:ip:" + authType + ":" + ip
}

// AuthBlockEmail is the block record for a hashed email and auth type.
func AuthBlockEmail(authType, emailHash string) string {
	return "auth:block:email:" + authType + ":" + emailHash
}

// --- Abuse detector keys ---

// AbuseIPsForEmail is the set of IPs seen for a hashed email.
func AbuseIPsForEmail(emailHash string) string {
	return "abuse:ips:" + emailHash
}

// AbuseEmailsForIP is the set of hashed emails seen from an IP.
func AbuseEmailsForIP(ip string) string {
	return "abuse:emails:" + ip
}

// AbuseBurst is the short-window attempt counter.
func AbuseBurst(ip, emailHash, authType string) string {
	return "abuse:burst:" + ip + ":" + emailHash + ":" + authType
}

// AbuseSlow is the long-window attempt counter.
func AbuseSlow(ip, emailHash, authType string) string {
	return "abuse:slow:" + ip + ":" + emailHash + ":" + authType
}
