// Package memory provides an in-memory implementation of storage.KV.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Per-key TTLs checked on read and purged by a background cleanup loop
//   - Change notifications (storage.Watchable), delivered to every watcher
//     including the writer, the way storage events reach sibling tabs
//   - Optional OpenTelemetry instrumentation
//
// A single Store shared by several clients in one process models durable
// shared storage; a Store per client models tab-scoped storage.
//
// Example usage:
//
//	shared := memory.New()
//	defer shared.Stop()
package memory
