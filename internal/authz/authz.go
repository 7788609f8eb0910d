// Package authz implements the sender allow-list the router consults
// before any message leaves the pipeline toward the assistant or the
// archive.
package authz

import (
	"log/slog"
	"strings"
)

// Allowlist is a case-insensitive set of sender identifiers (phone
// numbers or UUIDs). It is built once at startup and never mutated, so
// lookups need no locking.
type Allowlist struct {
	members map[string]struct{}
}

// New builds an Allowlist from the configured identifiers. Entries are
// trimmed and lowercased; empty entries are discarded. An empty list
// denies everything, which is logged loudly because it is almost always
// a deployment mistake.
func New(entries []string, logger *slog.Logger) *Allowlist {
	if logger == nil {
		logger = slog.Default()
	}

	members := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		members[e] = struct{}{}
	}

	if len(members) == 0 {
		logger.Warn("authorization allow-list is empty, every sender will be denied")
	} else {
		logger.Info("authorization allow-list loaded", "entries", len(members))
	}

	return &Allowlist{members: members}
}

// Allowed reports whether the identifier is on the allow-list. The
// queried value is trimmed and compared case-insensitively.
func (a *Allowlist) Allowed(id string) bool {
	_, ok := a.members[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// Len returns the number of distinct allow-list entries.
func (a *Allowlist) Len() int {
	return len(a.members)
}
