// Package config provides centralized configuration management for the
// TradeWarden daemon: account credentials and secrets, custodian policy
// parameters, platform/pricing/queue driver selection, and logging options,
// loaded from a single JSON file with sensible defaults.
package config
