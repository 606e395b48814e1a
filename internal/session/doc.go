// Package session owns the authentication lifecycle of the operating
// identity: clock-offset measurement against the platform reference time,
// one-time login-code derivation, initial login, and transparent
// re-establishment of a lapsed web session. The active credential is replaced
// atomically and read by every component performing stateful actions.
package session
