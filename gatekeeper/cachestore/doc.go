// Component for mirroring short-lived state (as strings) with a per-key TTL.
//
// Includes an interface and implementations using redis, in-process memory, and a no-op implementation for deployments without a cache.
//
// The strike tracker uses this to mirror probation deadlines, so membership checks can skip the durable store. Entries are only ever positive hints; a miss never implies the negative.
package cachestore
