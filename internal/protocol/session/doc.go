// Package session owns the reliability layer shared by nodes and stations.
//
// Ownership boundary:
// - outbox of sent-but-unconfirmed messages and their retry timers
// - session timing defaults and connect backoff
// - framed, single-writer connection wrapper
//
// Retry policy: fixed interval, hop-count ttl. Every timer tick either
// retransmits the same message id with ttl-1 or, once ttl is spent,
// evicts the entry and reports ErrDeliveryExpired.
package session
