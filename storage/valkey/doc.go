// Package valkey provides a Valkey storage backend for tokensync.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. Use it as the durable KV when contexts run on different machines or
// in containers that do not share a filesystem.
//
// # Key Schema
//
// Every KV key is stored under a configurable prefix (default "tokensync:")
// to avoid conflicts with other applications sharing the same instance:
//
//	{prefix}{key} -> value (with PX expiry when a TTL is given)
//
// # Sharing the connection
//
// Client returns the underlying valkey-go client so bus/valkey can publish
// session events over the same connection pool.
//
// # Testing
//
// Tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are skipped
// when no server is reachable.
package valkey
