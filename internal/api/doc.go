// Package api exposes the read-only operations surface of the daemon:
// health, session status, redistribution batch listing and statistics,
// plus Prometheus-style metrics.
package api
