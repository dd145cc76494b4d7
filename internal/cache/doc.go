// Package cache implements the capacity-bounded resource store: a small LRU
// memory tier in front of a persistent disk tier rooted at StoragePath. Disk
// entries are payload blob files named by the blake3 hash of the resource id
// plus a sqlite index carrying response metadata and access times for LRU
// eviction. Writes pass an explicit admission policy first; an oversized entry
// is refused with ErrAdmissionRejected unless the caller forces admission.
// Every operation is fail-soft: I/O problems are logged and reported as a miss
// or a false return, never as a panic.
package cache
