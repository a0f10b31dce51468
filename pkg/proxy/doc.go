// Package proxy is the request-forwarding core: it matches requests
// against the active snapshot's route table, selects a healthy upstream,
// and streams the exchange both ways, including protocol upgrades.
//
// Configuration is consumed as immutable, reference-counted snapshots
// with monotonically increasing generations. Connections pin the snapshot
// that was active when they were accepted; a reload publishes a new
// snapshot for new connections while in-flight work finishes under the
// old one.
package proxy
