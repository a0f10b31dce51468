// Package middleware provides HTTP middleware for cross-cutting concerns
// on the proxy's data path.
//
// # Middleware Chain
//
// Middleware functions are chained in a fixed order:
//
//	handler = Recovery(Logging(RequestID(forwarder)))
//
// Order (innermost to outermost):
//  1. RequestID: Generate and propagate a request ID
//  2. Logging: Log request/response details
//  3. Recovery: Recover from panics
//
// # Request ID
//
// RequestID generates a UUID v4 for each request unless the client already
// supplied one:
//
//	X-Request-ID: 550e8400-e29b-41d4-a716-446655440000
//
// The ID is stored in the request context, echoed in the response headers,
// and attached to every log line emitted for the request.
//
// # Logging
//
// Logging records one structured line per completed request:
//
//	{
//	  "time": "2026-08-31T10:30:00Z",
//	  "level": "INFO",
//	  "msg": "request completed",
//	  "method": "POST",
//	  "path": "/auth/realms/main/protocol/openid-connect/token",
//	  "status": 200,
//	  "latency_ms": 12,
//	  "request_id": "550e8400-e29b-41d4-a716-446655440000"
//	}
//
// 4xx responses log at warn, 5xx at error.
//
// # Recovery
//
// Recovery converts a handler panic into a plain 500 response. The stack
// trace is logged but never exposed to clients.
package middleware
