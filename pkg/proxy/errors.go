package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// statusForUpstreamError maps a forwarding failure to the client-visible
// status code. Timeouts become 504, everything else 502. Internal detail
// never reaches the client body.
func statusForUpstreamError(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; 499-style. StatusBadGateway would be wrong
		// but nobody is listening anyway.
		return statusClientClosedRequest
	}
	return http.StatusBadGateway
}

// statusClientClosedRequest mirrors nginx's non-standard 499.
const statusClientClosedRequest = 499

// writeStatus answers with a fixed status line and its canonical text.
func writeStatus(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}
