// Package network tracks whether the remote data service is reachable.
//
// A ConnectivityProvider reports raw platform signals. The Monitor turns
// them into state transitions: it drops duplicate signals, flips the state
// under a lock, runs the reconnect hook on every offline to online edge,
// then notifies listeners in subscription order.
package network
