package jupitercache

import "strings"

// CachePolicy is a bitset controlling how a cache operation may interact with
// local and remote stores.
type CachePolicy uint8

const (
	// PolicyQueryLocal allows reads from local stores.
	PolicyQueryLocal CachePolicy = 1 << iota
	// PolicyQueryRemote allows reads from remote stores.
	PolicyQueryRemote
	// PolicyStoreLocal allows writes to local stores.
	PolicyStoreLocal
	// PolicyStoreRemote allows writes to remote stores.
	PolicyStoreRemote
	// PolicySkipData requests structural info only: values come back without
	// their payload, but with RawHash and RawSize intact.
	PolicySkipData
	// PolicySkipMeta drops the record meta object on read.
	PolicySkipMeta

	// PolicyNone disables all access.
	PolicyNone CachePolicy = 0

	// PolicyDefault allows full read/write access with data.
	PolicyDefault = PolicyQueryLocal | PolicyQueryRemote | PolicyStoreLocal | PolicyStoreRemote
)

// Has reports whether any of the given flags are set.
func (p CachePolicy) Has(flags CachePolicy) bool {
	return p&flags != 0
}

// String returns a pipe-separated list of set flags, for logging.
func (p CachePolicy) String() string {
	if p == PolicyNone {
		return "None"
	}
	names := []struct {
		flag CachePolicy
		name string
	}{
		{PolicyQueryLocal, "QueryLocal"},
		{PolicyQueryRemote, "QueryRemote"},
		{PolicyStoreLocal, "StoreLocal"},
		{PolicyStoreRemote, "StoreRemote"},
		{PolicySkipData, "SkipData"},
		{PolicySkipMeta, "SkipMeta"},
	}
	var parts []string
	for _, n := range names {
		if p.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// RecordPolicy carries a default policy for a record plus per-value overrides.
type RecordPolicy struct {
	Default   CachePolicy
	overrides map[ValueID]CachePolicy
}

// NewRecordPolicy creates a RecordPolicy with the given default.
func NewRecordPolicy(def CachePolicy) RecordPolicy {
	return RecordPolicy{Default: def}
}

// WithValuePolicy returns a copy with an override for one value ID.
func (p RecordPolicy) WithValuePolicy(id ValueID, policy CachePolicy) RecordPolicy {
	overrides := make(map[ValueID]CachePolicy, len(p.overrides)+1)
	for k, v := range p.overrides {
		overrides[k] = v
	}
	overrides[id] = policy
	return RecordPolicy{Default: p.Default, overrides: overrides}
}

// ValuePolicy returns the effective policy for a value ID.
func (p RecordPolicy) ValuePolicy(id ValueID) CachePolicy {
	if policy, ok := p.overrides[id]; ok {
		return policy
	}
	return p.Default
}
