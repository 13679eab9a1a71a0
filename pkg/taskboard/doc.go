// Package taskboard provides type-safe Go definitions and Redis schema
// patterns for Kiln's shared task state. The task board is where every Kiln
// component (daemon workers, CLI, web proxy) reads and writes task records:
// the per-instance pending queue, the running marker, task history and the
// event channels that back `kiln watch`.
//
// All Redis keys and channels are namespaced by instance ID so that several
// isolated instances can share a single Redis server. Task records survive a
// daemon restart; the worker recovers queue state from them on startup.
package taskboard
