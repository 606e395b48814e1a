// Package steam is the boundary to the trading platform. Adapter bundles
// every capability the daemon needs from the platform, Hooks carries the
// event callbacks the daemon registers on it. The package ships a scripted
// sim adapter for integration rehearsals; production adapters are injected
// at deploy time.
package steam
