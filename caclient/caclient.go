// Package caclient is a typed HTTP client for the three endpoints the
// bootstrap state machine speaks to: the CA certificate bundle, the CRL
// bundle, and the certificate_request/certificate pair used to submit a
// CSR and poll for issuance. Every method takes peer-verification as an
// explicit per-call argument rather than a connection-level flag, so the
// "the first /certificate/ca fetch may run unverified, everything after
// it must not" invariant is checkable at each call site instead of being
// buried in client construction.
package caclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmhodges/clock"

	bserrors "github.com/nodeagent/sslboot/errors"
	"github.com/nodeagent/sslboot/metrics"
)

const apiPrefix = "/puppet-ca/v1"

// SubmitOutcome is the result of submitting a CSR.
type SubmitOutcome int

const (
	// Accepted means the CA took the CSR as a new request.
	Accepted SubmitOutcome = iota
	// AlreadyExists means the CA already had a request, signed cert, or
	// revoked cert for this certname; treated as success.
	AlreadyExists
)

// idempotencySubstrings are the 400-response body fragments that mean
// "there is already a CSR or cert on file for this node" rather than a
// genuine failure.
var idempotencySubstrings = []string{
	"already has a requested certificate",
	"already has a signed certificate",
	"already has a revoked certificate",
}

// Client talks to a single CA server.
type Client struct {
	baseURL        string
	requestTimeout time.Duration
	scope          metrics.Scope
	clk            clock.Clock
}

// New returns a Client for the CA at baseURL (e.g.
// "https://ca.example.com:8140"). scope may be metrics.NewNoopScope().
func New(baseURL string, requestTimeout time.Duration, scope metrics.Scope, clk clock.Clock) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		requestTimeout: requestTimeout,
		scope:          scope,
		clk:            clk,
	}
}

// httpClient builds a transient *http.Client configured for a single
// logical request: TLS verification against caCerts when verifyPeer is
// true, or no verification at all when it's false (only ever legal for
// the very first /certificate/ca fetch of a run).
func (c *Client) httpClient(verifyPeer bool, caCerts []*x509.Certificate, endpoint string) *http.Client {
	tlsConfig := &tls.Config{InsecureSkipVerify: !verifyPeer} //nolint:gosec // explicit, gated by verifyPeer
	if verifyPeer {
		pool := x509.NewCertPool()
		for _, cert := range caCerts {
			pool.AddCert(cert)
		}
		tlsConfig.RootCAs = pool
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	return &http.Client{
		Transport: metrics.NewMeasuredTransport(transport, c.clk, endpoint),
		Timeout:   c.requestTimeout,
	}
}

// doWithRetry issues req, retrying only on transport-level (network)
// failures with a bounded exponential backoff. HTTP responses, even
// error ones, are never retried here — that decision belongs to the
// state machine's Wait semantics, not to this client. Every call
// increments the scope's Requests counter and records its latency,
// regardless of outcome.
func (c *Client) doWithRetry(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	begin := c.clk.Now()
	defer func() {
		_ = c.scope.Inc("Requests", 1)
		_ = c.scope.TimingDuration("Requests", c.clk.Since(begin))
	}()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var resp *http.Response
	op := func() error {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			attempt.Body = body
		}
		r, err := client.Do(attempt)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, bserrors.NetworkError("request to %s failed: %s", req.URL, err)
	}
	return resp, nil
}

// FetchCACerts performs GET /certificate/ca.
func (c *Client) FetchCACerts(ctx context.Context, verifyPeer bool, caCerts []*x509.Certificate) ([]byte, error) {
	const endpoint = "/certificate/ca"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+endpoint, nil)
	if err != nil {
		return nil, bserrors.InternalServerError("building CA certificate request: %s", err)
	}

	resp, err := c.doWithRetry(ctx, c.httpClient(verifyPeer, caCerts, endpoint), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, bserrors.ServerError("CA certificate is missing from the server")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, bserrors.ServerError("Could not download CA certificate: %s", statusReason(resp, body))
	}
	return body, nil
}

// FetchCRLs performs GET /certificate_revocation_list/ca.
func (c *Client) FetchCRLs(ctx context.Context, verifyPeer bool, caCerts []*x509.Certificate) ([]byte, error) {
	const endpoint = "/certificate_revocation_list/ca"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+endpoint, nil)
	if err != nil {
		return nil, bserrors.InternalServerError("building CRL request: %s", err)
	}

	resp, err := c.doWithRetry(ctx, c.httpClient(verifyPeer, caCerts, endpoint), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, bserrors.ServerError("CRL is missing from the server")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, bserrors.ServerError("Could not download CRLs: %s", statusReason(resp, body))
	}
	return body, nil
}

// SubmitCSR performs PUT /certificate_request/{certname}.
func (c *Client) SubmitCSR(ctx context.Context, certname string, csrPEM []byte, caCerts []*x509.Certificate) (SubmitOutcome, error) {
	const endpointPattern = "/certificate_request/:certname"
	url := fmt.Sprintf("%s%s/certificate_request/%s", c.baseURL, apiPrefix, certname)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(csrPEM)))
	if err != nil {
		return 0, bserrors.InternalServerError("building CSR submission request: %s", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.doWithRetry(ctx, c.httpClient(true, caCerts, endpointPattern), req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Accepted, nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		bodyStr := string(body)
		for _, substr := range idempotencySubstrings {
			if strings.Contains(bodyStr, substr) {
				return AlreadyExists, nil
			}
		}
	}
	return 0, bserrors.ServerError("Failed to submit the CSR, HTTP response was %d", resp.StatusCode)
}

// FetchClientCert performs GET /certificate/{certname}. A non-2xx
// response is reported as errors.NotReady, never as a hard failure: the
// state machine routes that into Wait.
func (c *Client) FetchClientCert(ctx context.Context, certname string, caCerts []*x509.Certificate) ([]byte, error) {
	endpoint := "/certificate/:certname"
	url := fmt.Sprintf("%s%s/certificate/%s", c.baseURL, apiPrefix, certname)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, bserrors.InternalServerError("building client certificate request: %s", err)
	}

	resp, err := c.doWithRetry(ctx, c.httpClient(true, caCerts, endpoint), req)
	if err != nil {
		return nil, bserrors.NotReadyError("certificate for %s is not yet available: %s", certname, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, bserrors.NotReadyError("certificate for %s is not yet available: HTTP %d", certname, resp.StatusCode)
	}
	return body, nil
}

func statusReason(resp *http.Response, body []byte) string {
	reason := http.StatusText(resp.StatusCode)
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	if excerpt == "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, reason)
	}
	return fmt.Sprintf("%d %s: %s", resp.StatusCode, reason, excerpt)
}
