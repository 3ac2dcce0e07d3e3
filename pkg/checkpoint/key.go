package checkpoint

import "strings"

// KeyPrefix namespaces every key the Redis store writes.
const KeyPrefix = "harvester"

// Key identifies one Redis document of a source.
type Key struct {
	// Kind is the document type: "checkpoint", "errors" or "stats".
	Kind string

	// SourceID is the source the document belongs to. Empty for the index set.
	SourceID string
}

// String generates a deterministic Redis key.
// Format: harvester:kind:source
//
// Example:
//
//	harvester:checkpoint:KAFKA
func (k Key) String() string {
	parts := []string{KeyPrefix, k.Kind}
	if id := strings.TrimSpace(k.SourceID); id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ":")
}

func checkpointKey(sourceID string) string { return Key{Kind: "checkpoint", SourceID: sourceID}.String() }
func errorsKey(sourceID string) string     { return Key{Kind: "errors", SourceID: sourceID}.String() }
func statsKey(sourceID string) string      { return Key{Kind: "stats", SourceID: sourceID}.String() }

// indexKey is the set of source IDs that have a checkpoint.
var indexKey = Key{Kind: "checkpoints"}.String()
