// Package config loads the control-plane configuration from the
// environment: database and storage paths, policy file locations,
// dispatch tuning, cost lookup settings, and the Telegram ingress
// parameters. Numeric values are clamped to safe minimums and fall
// back to defaults when malformed.
package config
