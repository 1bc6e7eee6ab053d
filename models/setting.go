package models

// TypeSetting is the canonical entity type name for [Setting].
const TypeSetting = "setting"

// Setting is the simplest mutable entity: a key/value pair with no client-only
// fields, references or navigation collections. It exercises the engine with
// nothing but the baseline exclusion sets.
type Setting struct {
	SyncMeta

	Key   string `json:"key"`
	Value string `json:"value"`
}

// EntityType implements [Entity].
func (s *Setting) EntityType() string { return TypeSetting }
