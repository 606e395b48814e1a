// Package redistribute forwards qualifying assets from settled offers to a
// holding identity. Settlement jobs arrive through a queue (memory, redis or
// rabbitmq driver), each job runs the workflow: wait for the platform to
// finish bookkeeping, price every received item concurrently, keep those at
// or above the configured threshold, then send the batch and confirm if the
// platform marks the send as pending. In-flight batch state is persisted
// through a pluggable store (memory or mysql).
package redistribute
