package partition

import "hash/fnv"

// Count is the fixed number of logical partitions.
// Never changes after initial deployment — it's a capacity decision, not a
// scaling decision. Partitions are the unit of failure isolation and
// per-partition result reporting in the compute pass.
const Count = 256

// For returns the partition ID for a given entity ID.
// Stable and deterministic: same entity always maps to the same partition.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32()) % Count
}
