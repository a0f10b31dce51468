// Sentinel is an identity-aware TLS-terminating reverse proxy for
// fronting an identity provider cluster.
//
// It terminates TLS with a configurable protocol floor and cipher
// policy, routes requests to health-checked upstream groups with
// round-robin or weighted selection, and reloads its configuration
// without dropping in-flight traffic or upgraded sessions.
//
// Usage:
//
//	# Start with a configuration file
//	sentinel run --config /etc/sentinel/config.yaml
//
//	# Validate a configuration file without starting
//	sentinel validate --config /etc/sentinel/config.yaml
//
//	# Show version information
//	sentinel version
package main

func main() {
	Execute()
}
