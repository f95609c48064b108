// Package sslcontext defines the immutable value the state machine hands
// to callers once a bootstrap run reaches Done.
package sslcontext

import (
	"crypto/rsa"
	"crypto/x509"
)

// Context is the trust material and, once available, the client identity
// a higher layer needs to open a TLS connection to the CA-fronted
// protocol. It is built up incrementally by the state machine but is
// never mutated in place: each state produces a new Context value for
// its successor.
type Context struct {
	// CACerts is the ordered certificate chain trusted for verifying the
	// CA server's own TLS certificate, root last.
	CACerts []*x509.Certificate
	// CRLs is the set of certificate revocation lists aligned with
	// CACerts. Empty when certificate_revocation is disabled.
	CRLs []*x509.RevocationList
	// VerifyPeer reports whether TLS connections made with this Context
	// should validate the peer's certificate against CACerts.
	VerifyPeer bool
	// PrivateKey is this node's key pair, set once NeedKey completes.
	PrivateKey *rsa.PrivateKey
	// ClientCert is this node's signed end-entity certificate, set once
	// NeedCert completes.
	ClientCert *x509.Certificate
}

// WithCACerts returns a copy of c with CACerts and VerifyPeer replaced.
func (c Context) WithCACerts(certs []*x509.Certificate, verifyPeer bool) Context {
	c.CACerts = certs
	c.VerifyPeer = verifyPeer
	return c
}

// WithCRLs returns a copy of c with CRLs replaced.
func (c Context) WithCRLs(crls []*x509.RevocationList) Context {
	c.CRLs = crls
	return c
}

// WithPrivateKey returns a copy of c with PrivateKey replaced.
func (c Context) WithPrivateKey(key *rsa.PrivateKey) Context {
	c.PrivateKey = key
	return c
}

// WithClientCert returns a copy of c with ClientCert replaced.
func (c Context) WithClientCert(cert *x509.Certificate) Context {
	c.ClientCert = cert
	return c
}
