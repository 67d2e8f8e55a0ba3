package chain

import (
	"context"
	"errors"
	"net"
	"strings"
)

// rangeTooLargeMarkers are substrings providers use to reject a log
// query whose block range or response is over their limit. There is no
// standard error code for this, so matching message text is the only
// portable signal.
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"block range is too large",
	"block range is too wide",
	"exceed maximum block range",
	"response size exceeded",
	"query timeout exceeded",
	"request entity too large",
}

var transientMarkers = []string{
	"too many requests",
	"rate limit",
	"429",
	"503",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"eof",
	"try again",
}

var rateLimitMarkers = []string{
	"too many requests",
	"rate limit",
	"429",
}

// IsRangeTooLarge reports whether the remote rejected a log scan for
// covering too many blocks or too much response data. The caller should
// halve the range and retry.
func IsRangeTooLarge(err error) bool {
	return matchesAny(err, rangeTooLargeMarkers)
}

// IsTransient reports whether the error is worth retrying with backoff:
// rate limiting, timeouts, or connection-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return matchesAny(err, transientMarkers)
}

// IsRateLimited reports whether the remote explicitly signalled
// overload, which should shrink the throttle budget.
func IsRateLimited(err error) bool {
	return matchesAny(err, rateLimitMarkers)
}

func matchesAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
