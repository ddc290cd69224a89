// Package storage provides the key/value persistence substrate shared by the
// identity store, the license manager and the evidence log.
//
// Three backends are available:
//
//   - MemoryStore: process-local map, used in tests and ephemeral runs
//   - FileStore: one file per key under a directory, written with 0600
//     permissions through a temp file and atomic rename
//   - RedisStore: go-redis v9 client with a key prefix, for deployments that
//     keep protection state outside the host
//
// All backends return ErrNotFound for a missing key.
package storage
