// Package metrics exposes the Prometheus collectors for the control
// plane and builds the windowed operational report from the registry,
// the artifact store, and the ingress audit log.
package metrics
