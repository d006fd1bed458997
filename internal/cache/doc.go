// Package cache defines the partitioned response store behind the offline
// gateway. A Store holds named partitions (static shell assets and runtime
// entries, both versioned by name); each partition maps a canonical request
// identity (method + absolute URL) to an immutable stored response. Entries
// are replaced wholesale on re-cache and carry a Sw-Cache-Date header stamped
// once at write time, which higher layers use for TTL decisions.
//
// Two backends are provided: a filesystem store that writes through temp file
// + rename so a failed Put never clobbers the previous entry, and a Redis
// store that keeps one hash per partition plus a creation-ordered index.
package cache
