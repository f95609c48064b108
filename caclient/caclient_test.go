package caclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	bserrors "github.com/nodeagent/sslboot/errors"
	"github.com/nodeagent/sslboot/internal/assert"
	"github.com/nodeagent/sslboot/metrics"
)

func newTestClient(baseURL string) *Client {
	return New(baseURL, 5*time.Second, metrics.NewNoopScope(), clock.NewFake())
}

func TestFetchCACertsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equals(t, r.URL.Path, "/puppet-ca/v1/certificate/ca", "unexpected path")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.FetchCACerts(context.Background(), false, nil)
	assert.NotError(t, err, "FetchCACerts failed")
	assert.True(t, len(body) > 0, "expected a non-empty body")
}

func TestFetchCACertsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FetchCACerts(context.Background(), false, nil)
	assert.Error(t, err, "expected an error for 404")
	assert.True(t, strings.Contains(err.Error(), "CA certificate is missing from the server"), "unexpected error message: "+err.Error())
}

func TestFetchCACertsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FetchCACerts(context.Background(), false, nil)
	assert.Error(t, err, "expected an error for 500")
	assert.True(t, strings.Contains(err.Error(), "Could not download CA certificate"), "unexpected error message: "+err.Error())
}

func TestFetchCRLsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equals(t, r.URL.Path, "/puppet-ca/v1/certificate_revocation_list/ca", "unexpected path")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FetchCRLs(context.Background(), true, nil)
	assert.Error(t, err, "expected an error for 404")
	assert.True(t, strings.Contains(err.Error(), "CRL is missing from the server"), "unexpected error message: "+err.Error())
}

func TestSubmitCSRAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equals(t, r.Method, http.MethodPut, "expected PUT")
		assert.Equals(t, r.URL.Path, "/puppet-ca/v1/certificate_request/node1", "unexpected path")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, err := c.SubmitCSR(context.Background(), "node1", []byte("csr-pem"), nil)
	assert.NotError(t, err, "SubmitCSR failed")
	assert.Equals(t, outcome, Accepted, "expected Accepted")
}

func TestSubmitCSRAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("node1 already has a requested certificate"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	outcome, err := c.SubmitCSR(context.Background(), "node1", []byte("csr-pem"), nil)
	assert.NotError(t, err, "SubmitCSR should treat idempotency response as success")
	assert.Equals(t, outcome, AlreadyExists, "expected AlreadyExists")
}

func TestSubmitCSROtherBadRequestIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("malformed CSR"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.SubmitCSR(context.Background(), "node1", []byte("csr-pem"), nil)
	assert.Error(t, err, "expected an error for a non-idempotency 400")
	assert.True(t, strings.Contains(err.Error(), "Failed to submit the CSR"), "unexpected error message: "+err.Error())
}

func TestFetchClientCertSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equals(t, r.URL.Path, "/puppet-ca/v1/certificate/node1", "unexpected path")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cert-pem"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.FetchClientCert(context.Background(), "node1", nil)
	assert.NotError(t, err, "FetchClientCert failed")
	assert.Equals(t, string(body), "cert-pem", "unexpected body")
}

func TestFetchClientCertNotReadyIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.FetchClientCert(context.Background(), "node1", nil)
	assert.Error(t, err, "expected a not-ready error")
	assert.True(t, bserrors.Is(err, bserrors.NotReady), "expected a not-ready error, got: "+err.Error())
}

