// Package pool implements the session pool: one engine handle per model id,
// loaded lazily, shared through exclusive leases and evicted in LRU order
// under memory pressure.
//
// Lifecycle of a handle:
//
//	unloaded -> loading -> ready <-> busy
//	                 |        |       |
//	                 v        v       v
//	             (removed) unloading  failed -> (removed on release)
//
// A load failure removes the handle, so the descriptor reads as unloaded and
// the next Acquire starts a fresh load. Busy handles are never unloaded under
// their holder: eviction marks them and the unload happens at release.
package pool
