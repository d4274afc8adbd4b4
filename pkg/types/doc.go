// Package types defines the shared data model of the control plane:
// tasks and their lifecycle state machine, append-only task events,
// approvals, dispatch leases, idempotency keys, and the typed error
// taxonomy used across package boundaries.
package types
