package ivxp

import (
	"net/http"
	"time"

	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
)

type Option func(*IVXP)

func WithLogger(l logger.Logger) Option {
	return func(x *IVXP) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *IVXP) {
		x.metrics = r
	}
}

// WithTimeout bounds single provider requests and ledger verifications.
func WithTimeout(t time.Duration) Option {
	return func(x *IVXP) {
		if t > 0 {
			x.timeout = t
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(x *IVXP) {
		x.httpClient = c
	}
}
