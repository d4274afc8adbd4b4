// Package registry is the durable task store backing the control
// plane. It persists tasks, their append-only event log, approvals,
// dispatch leases, and idempotency keys in a single embedded database;
// every mutating operation writes its audit event in the same
// transaction as the row change, so the log never disagrees with the
// state it describes.
package registry
