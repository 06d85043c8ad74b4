// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"reflect"
	"strings"

	"github.com/palimpsest-io/palimpsest/internal/config"
	"github.com/palimpsest-io/palimpsest/internal/metrics"
)

// RedactionMarker replaces the value of any denylisted key.
const RedactionMarker = "[REDACTED]"

// truncationMarker replaces subtrees the sanitizer refuses to enter:
// past the depth bound, or a container already on the current path.
const truncationMarker = "[TRUNCATED]"

// emailDigestLen is the hex length of the email digest. 64 bits of the
// SHA-256 keeps repeated events from one actor correlatable without
// exposing the address.
const emailDigestLen = 16

// sensitiveKeys is the case-insensitive denylist, stored lowercase.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"api_key":       {},
	"authorization": {},
	"cookie":        {},
	"jwt":           {},
	"privatekey":    {},
	"accesstoken":   {},
	"refreshtoken":  {},
}

// Sanitizer applies privacy transformations to events before they are
// buffered. Sanitize never fails: values it cannot interpret pass
// through unchanged rather than aborting the entry.
type Sanitizer struct {
	anonymizeIP bool
	hashEmails  bool
	maxDepth    int
}

// NewSanitizer builds a sanitizer from the audit config gates.
func NewSanitizer(cfg config.AuditConfig) *Sanitizer {
	maxDepth := cfg.SanitizeMaxDepth
	if maxDepth <= 0 {
		maxDepth = 32
	}
	return &Sanitizer{
		anonymizeIP: cfg.AnonymizeIP,
		hashEmails:  cfg.HashEmails,
		maxDepth:    maxDepth,
	}
}

// Sanitize returns a sanitized copy of the event. The input is never
// mutated; payloads are rebuilt during the redaction walk, so caller
// and pipeline never share payload containers.
func (s *Sanitizer) Sanitize(event Event) Event {
	out := event

	if len(event.Changes) > 0 {
		out.Changes = s.sanitizeMap(event.Changes, 0, map[uintptr]struct{}{})
	}
	if len(event.Metadata) > 0 {
		out.Metadata = s.sanitizeMap(event.Metadata, 0, map[uintptr]struct{}{})
	}
	if s.anonymizeIP {
		out.Network.IP = anonymizeIP(event.Network.IP)
	}
	if s.hashEmails {
		out.Actor.Email = digestEmail(event.Actor.Email)
	}

	return out
}

// sanitizeMap copies a payload map, redacting denylisted keys and
// recursing into nested containers. seen tracks containers on the
// current path so caller-supplied cycles terminate.
func (s *Sanitizer) sanitizeMap(m map[string]any, depth int, seen map[uintptr]struct{}) map[string]any {
	ptr := reflect.ValueOf(m).Pointer()
	if _, onPath := seen[ptr]; onPath {
		return map[string]any{"_": truncationMarker}
	}
	seen[ptr] = struct{}{}
	defer delete(seen, ptr)

	out := make(map[string]any, len(m))
	for key, value := range m {
		if _, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
			out[key] = RedactionMarker
			metrics.SanitizerRedactions.Inc()
			continue
		}
		out[key] = s.sanitizeValue(value, depth+1, seen)
	}
	return out
}

// sanitizeValue recurses into nested maps and slices up to the depth
// bound. Scalars and unrecognized types pass through as-is.
func (s *Sanitizer) sanitizeValue(value any, depth int, seen map[uintptr]struct{}) any {
	if depth > s.maxDepth {
		return truncationMarker
	}

	switch v := value.(type) {
	case map[string]any:
		return s.sanitizeMap(v, depth, seen)
	case []any:
		ptr := reflect.ValueOf(v).Pointer()
		if _, onPath := seen[ptr]; onPath {
			return truncationMarker
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)

		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = s.sanitizeValue(elem, depth+1, seen)
		}
		return out
	default:
		return value
	}
}

// anonymizeIP zeroes the host part of an address: the last octet for
// IPv4, the last four groups for IPv6. Unparseable input passes
// through unchanged.
func anonymizeIP(raw string) string {
	if raw == "" {
		return raw
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}

	if addr.Is4() {
		b := addr.As4()
		b[3] = 0
		return netip.AddrFrom4(b).String()
	}

	b := addr.As16()
	for i := 8; i < 16; i++ {
		b[i] = 0
	}
	return netip.AddrFrom16(b).String()
}

// digestEmail replaces an email with a fixed-length one-way digest.
// Values without an "@" are not treated as emails and pass through.
func digestEmail(raw string) string {
	if raw == "" || !strings.Contains(raw, "@") {
		return raw
	}

	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(raw))))
	return hex.EncodeToString(sum[:])[:emailDigestLen]
}
