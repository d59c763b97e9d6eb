// Package protocol owns the bus wire contract and its parsing primitives.
//
// Ownership boundary:
// - context table and address codec
// - envelope shape and serialized errors
// - connect-name codec and id minting
//
// Subpackages:
// - ledger: waiting-reply receipts
// - session: hub<->endpoint control wire, backlog, reconnect backoff
package protocol
