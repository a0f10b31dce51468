/*
Package security groups the transport-security concerns of the gateway.

# TLS Termination

The tls subpackage loads and validates key material, builds the
server-side TLS configuration with a minimum protocol version and cipher
allow-list, and watches the active certificate for approaching expiry:

	settings := tls.Settings{
		CertFile:   "/etc/sentinel/certs/server.crt",
		KeyFile:    "/etc/sentinel/certs/server.key",
		MinVersion: "1.2",
	}

	tlsConfig, material, err := settings.Build()
	if err != nil {
		log.Fatal(err)
	}

Missing or unreadable key material is fatal when a snapshot is built; an
expiring certificate only degrades the admin health report.
*/
package security
