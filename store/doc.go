// Package store is the synchronization and caching layer between an
// end-to-end encryption engine and a pluggable persistent key store.
//
// It gives many concurrent callers a consistent, low-latency view of
// cryptographic state (account, sessions, device and identity records,
// tracked users, room keys, secrets) while guaranteeing a single in-flight
// load of expensive state, a single concurrent mutator of the account,
// correct ordering between "mark stale" and "mark fresh" transitions of the
// key-query tracking state machine, and lossless ordered fan-out of change
// notifications.
//
// The package performs no cryptographic operations itself and ships two
// backends for the CryptoStore capability interface: an in-memory one in
// this package and a PostgreSQL one in store/postgres.
package store
