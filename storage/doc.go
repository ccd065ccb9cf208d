// Package storage provides the KV interface used for all persistence in
// tokensync.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory store with TTLs and change notifications.
//     One Store shared by several contexts in a process behaves like
//     localStorage; a private Store behaves like sessionStorage.
//   - storage/file: one file per key in a private directory, durable across
//     processes on the same machine
//   - storage/valkey: Valkey/Redis-compatible distributed store
//   - storage/postgres: PostgreSQL table store
//   - storage/mock: function-field mock for unit tests
package storage
