package util

import (
	"net/http"
	"time"

	"github.com/replicate/go/httpclient"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ProbeClient returns the HTTP client used for server liveness probes.
// Each attempt is bounded by the client timeout; retries across probes are
// driven by the caller's probe loop, not the client.
func ProbeClient() *http.Client {
	return httpclient.ApplyRetryPolicy(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   10 * time.Second,
	})
}
