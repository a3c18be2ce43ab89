// Package store is the SQLite-backed local store of the till.
//
// It holds four tables:
//   - records: the local mirror of every entity, keyed by (entity_type, id)
//   - operations: the durable offline queue
//   - id_mappings: temporary ids and the server ids they resolved to
//   - stock_snapshots: last known inventory quantities for offline validation
//
// # Ordering
//
// Queue reads always ORDER BY seq ASC, id ASC so drains are replayed in
// enqueue order after a restart.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// The connection pool is capped at one connection. Inside RunInTransaction
// use only the *Tx handed to the callback; calling back into the Store from
// there blocks on the pool.
package store
