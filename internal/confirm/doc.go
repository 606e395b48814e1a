// Package confirm derives the time-bound confirmation credentials the
// platform demands for sensitive actions such as accepting or sending trade
// offers. Signing is pure and synchronous; nothing in this package performs
// network calls or retains state.
package confirm
