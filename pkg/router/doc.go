// Package router classifies tasks into worker tiers, enforces the
// policy, review, and approval gates, and dispatches cleared tasks to
// the worker wrappers under a lease and an idempotency fence.
package router
