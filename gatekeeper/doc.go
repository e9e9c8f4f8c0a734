// Admission control and reconciliation engine for the splguard chat bot.
//
// This package (`github.com/splshield/splguard/gatekeeper`) holds the vocabulary shared by the engine's components: the [Subject] being tracked, the canonical [Instant] representation of time, and the error conditions surfaced to callers. The components themselves live in sub-packages: `ratelimit` (fixed-window counters), `strikes` (infractions and probation), `campaign` (the external campaign record monitor) and `admission` (the facade consumed by the chat transport).
//
// Low-latency state lives in `countstore` and `cachestore`, each of which has a Redis implementation, an in-process implementation, and an "absent" implementation which always misses. The authoritative state lives in `store`. Correctness never depends on the cache being present.
//
// See `cmd/splguard` for a daemon built on this package.
package gatekeeper
