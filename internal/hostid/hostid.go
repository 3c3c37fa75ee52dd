// Package hostid validates and decomposes client host identifiers.
//
// A HostId is a lowercase, fully-qualified DNS name: it must contain at
// least one dot, the part before the first dot is the short name, and the
// remainder is the domain.
package hostid

import (
	"fmt"
	"strings"
)

// ID is a validated host identifier (always lowercase, always contains a dot).
type ID string

// Parse validates raw and returns the canonical ID, or an error describing
// why raw is not a valid host id. Validation happens synchronously at the
// public surface, per spec: invalid values are rejected before any work
// begins.
func Parse(raw string) (ID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("hostid: empty host id")
	}
	if !strings.Contains(s, ".") {
		return "", fmt.Errorf("hostid: %q is not fully qualified (missing domain)", raw)
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return "", fmt.Errorf("hostid: %q has a leading or trailing dot", raw)
	}
	return ID(s), nil
}

// Short returns the part of the host id before the first dot.
func (id ID) Short() string {
	s := string(id)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Domain returns the part of the host id after the first dot.
func (id ID) Domain() string {
	s := string(id)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (id ID) String() string { return string(id) }
