// Package rentd brokers temporary access to shared accounts. An inventory
// of leasable credentials is checked out to buyers for a fixed duration,
// watched for expiry warnings and an optional one-time bonus extension, and
// reclaimed with credential rotation when the lease ends.
//
// The package is library-first: NewServer wires the inventory, the lease
// registry, and the lifecycle engine, and a marketplace transport adapter
// feeds it events through SubmitOrder and SubmitMessage. The cmd/rentd CLI
// is a thin cobra wrapper around the same server.
package rentd
