// Package harness runs scripted sync scenarios against a real engine.
//
// Each scenario gets its own in-memory SQLite store, an in-process remote
// (remote/memory), a virtual clock and sequential operation ids, so runs
// are reproducible and can be compared against golden files.
//
// # Scenario Format
//
//	name: offline_sale_syncs
//	description: "A sale made offline reaches the server on reconnect"
//	online: false
//	inventory:
//	  - { id: inv-1, quantity: 10 }
//	steps:
//	  - sale:
//	      sale: { register: front }
//	      items:
//	        - { inventory_id: inv-1, quantity: 2, unit_price: 250 }
//	    expect: { offline: true }
//	  - online: true
//	assertions:
//	  - { type: queue_length, count: 0 }
//	  - { type: remote_stock, id: inv-1, quantity: 8 }
//
// Step kinds: online, remote_down, store, sale, drain, advance and
// fail_next. A store, sale or drain step may carry an expect clause; a
// step that fails without one fails the scenario.
//
// # Assertion Types
//
//   - queue_length, failed_count: operation counts by state
//   - operations: count of operations for an entity type in a status
//   - local_stock, remote_stock: an inventory quantity on either side
//   - remote_rows, remote_calls: server table sizes and call counts
//   - trace_count: steps of a kind that succeeded or failed with a code
//   - online: connectivity after the last step
package harness
