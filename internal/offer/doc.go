// Package offer holds the trade-offer data model with its monotonic state
// machine, and the evaluator that applies the accept/decline policy to
// inbound offers and drives the corresponding platform actions, including the
// mobile-confirmation step for pending accepts.
package offer
