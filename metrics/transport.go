package metrics

import (
	"fmt"
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var requestTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "ca_request_time",
		Help: "Time taken for the CA HTTP client to receive a response",
	},
	[]string{"endpoint", "method", "code"})

func init() {
	prometheus.MustRegister(requestTime)
}

// MeasuredTransport wraps an http.RoundTripper and records request
// latency per endpoint/method/status-code, the client-side counterpart
// of a server wrapping its handlers for the same purpose.
type MeasuredTransport struct {
	next     http.RoundTripper
	clk      clock.Clock
	endpoint string
	// stat is requestTime, as set by NewMeasuredTransport.
	stat *prometheus.HistogramVec
}

// NewMeasuredTransport wraps next, labeling every observation with
// endpoint.
func NewMeasuredTransport(next http.RoundTripper, clk clock.Clock, endpoint string) *MeasuredTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &MeasuredTransport{next: next, clk: clk, endpoint: endpoint, stat: requestTime}
}

// RoundTrip implements http.RoundTripper.
func (t *MeasuredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	begin := t.clk.Now()
	resp, err := t.next.RoundTrip(req)
	code := "error"
	if resp != nil {
		code = fmt.Sprintf("%d", resp.StatusCode)
	}
	t.stat.With(prometheus.Labels{
		"endpoint": t.endpoint,
		"method":   req.Method,
		"code":     code,
	}).Observe(t.clk.Since(begin).Seconds())
	return resp, err
}
