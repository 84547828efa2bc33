package jsonb

import "slices"

// Default limits.
const (
	DefaultMaxDepth     = 10
	DefaultMaxSizeBytes = 100 * 1024
)

// Policy bounds one structured input. The zero value means the defaults
// and no key whitelist.
type Policy struct {
	// MaxDepth is the deepest nesting level allowed; the root's immediate
	// children are at depth 1.
	MaxDepth int

	// MaxSizeBytes bounds the compact JSON serialization of the value.
	MaxSizeBytes int

	// AllowedKeys, when non-empty, whitelists the root object's keys.
	// Nested objects are not checked.
	AllowedKeys []string
}

var (
	// DefaultPolicy applies when a field declares no limits.
	DefaultPolicy = Policy{MaxDepth: DefaultMaxDepth, MaxSizeBytes: DefaultMaxSizeBytes}

	// MetadataPolicy is for free-form metadata fields.
	MetadataPolicy = Policy{MaxDepth: 5, MaxSizeBytes: 50 * 1024}
)

// SettingsPolicy is for user or admin settings objects, optionally limited
// to a fixed set of top-level keys.
func SettingsPolicy(allowedKeys ...string) Policy {
	return Policy{MaxDepth: 8, MaxSizeBytes: 100 * 1024, AllowedKeys: allowedKeys}
}

func (p Policy) withDefaults() Policy {
	if p.MaxDepth <= 0 {
		p.MaxDepth = DefaultMaxDepth
	}
	if p.MaxSizeBytes <= 0 {
		p.MaxSizeBytes = DefaultMaxSizeBytes
	}
	return p
}

func (p Policy) allows(key string) bool {
	return slices.Contains(p.AllowedKeys, key)
}
