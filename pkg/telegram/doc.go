// Package telegram is the chat ingress for the control plane: a
// single-writer long-poll loop that authorises, rate-limits, and
// deduplicates updates, then executes slash commands against the
// registry and router. Every update leaves exactly one audit line.
package telegram
