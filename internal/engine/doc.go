// Package engine is the sync orchestrator: the one entry point the app
// layer calls to write data, record sales and ask for sync status.
//
// Writes land in the local store first so the UI sees them at once. When
// the device is online the remote call is attempted inline; otherwise, or
// when that call fails transiently, the write becomes an Operation in the
// durable queue and the retry scheduler replays it once connectivity
// returns.
//
// Sync actions are handlers registered by name, not closures, so an
// operation reloaded after a restart still knows how to sync itself:
//
//	create  -> remote.Insert (client_ref = operation id)
//	update  -> remote.Update
//	delete  -> remote.Delete
//	processSale -> sale insert, sale item inserts, inventory decrements
//
// Every remote call made by a drain goes through execute, which first
// swaps resolved temporary ids for server ids and refuses to send
// operations that still depend on an unsynced create.
package engine
