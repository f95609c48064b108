// Package statemachine drives a node from an empty on-disk credential set
// through CA-bundle acquisition, CRL acquisition, key generation, CSR
// submission, and certificate polling, producing an immutable
// sslcontext.Context on success. It is the piece that wires CertProvider,
// CAClient, CSRBuilder, and SSLContext together; none of those packages
// know about each other except through this one.
//
// States are modeled as a closed tagged variant (an interface with an
// unexported marker method) rather than a shared mutable "machine" object:
// each state carries exactly the sslcontext.Context it has built so far,
// and Step produces the next state's value rather than mutating one in
// place. Exit is a terminal variant standing in for process termination,
// so tests can observe it without trapping os.Exit.
package statemachine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/jmhodges/clock"

	"github.com/nodeagent/sslboot/blog"
	"github.com/nodeagent/sslboot/caclient"
	"github.com/nodeagent/sslboot/certprovider"
	"github.com/nodeagent/sslboot/csrattrs"
	"github.com/nodeagent/sslboot/csrbuilder"
	"github.com/nodeagent/sslboot/goodkey"
	"github.com/nodeagent/sslboot/metrics"
	"github.com/nodeagent/sslboot/sslcontext"
)

// State is implemented only by the variants in this package; the
// unexported marker method closes it against external implementations.
type State interface {
	isState()
}

// NeedCACerts is the initial state: obtain a trusted CA bundle, from disk
// or from the server.
type NeedCACerts struct{ Ctx sslcontext.Context }

// NeedCRLs obtains the CRL bundle aligned with the CA bundle, unless
// revocation checking is disabled.
type NeedCRLs struct{ Ctx sslcontext.Context }

// NeedKey obtains this node's RSA key pair, generating one if absent, and
// short-circuits to Done if a matching client certificate is already on
// disk.
type NeedKey struct{ Ctx sslcontext.Context }

// NeedSubmitCSR builds and submits a CSR for the node's key.
type NeedSubmitCSR struct{ Ctx sslcontext.Context }

// NeedCert polls the CA for the signed client certificate.
type NeedCert struct{ Ctx sslcontext.Context }

// Wait is entered when NeedCert finds no usable certificate yet. It either
// sleeps and loops back to NeedCACerts, or terminates the run.
type Wait struct{ Ctx sslcontext.Context }

// Done is the terminal success state; Ctx is the finished SSLContext.
type Done struct{ Ctx sslcontext.Context }

// Exit is the terminal failure variant, standing in for process
// termination: a fatal error (Code != 0, non-empty Message) or the
// deliberate "waitforcert is disabled" exit. Fatal distinguishes the two
// so a caller can route the message to stderr or stdout accordingly: a
// fatal error belongs on stderr, the expected "no cert found yet and
// polling is disabled" exit belongs on stdout.
type Exit struct {
	Code    int
	Message string
	Fatal   bool
}

func (NeedCACerts) isState()   {}
func (NeedCRLs) isState()      {}
func (NeedKey) isState()       {}
func (NeedSubmitCSR) isState() {}
func (NeedCert) isState()      {}
func (Wait) isState()          {}
func (Done) isState()          {}
func (Exit) isState()          {}

// Config carries the subset of the agent's configuration the state
// machine needs to make transition decisions. It is read-only during a
// run.
type Config struct {
	Certname              string
	DNSAltNames           string
	CSRAttributesPath     string
	CertificateRevocation bool
	WaitForCert           time.Duration
	Onetime               bool
	RSAKeySize            int
}

// Machine holds the collaborators a run of the state machine needs:
// CertProvider for disk I/O, CAClient for the network, a weak-key
// checker for freshly generated keys, a logger, and a clock so Wait's
// sleep is fakeable in tests.
type Machine struct {
	cfg      Config
	certs    *certprovider.Provider
	ca       *caclient.Client
	weakKeys goodkey.WeakKeyChecker
	log      blog.Logger
	clk      clock.Clock
	scope    metrics.Scope
}

// New returns a Machine ready to Run. weakKeys may be nil, in which case
// generated keys are never screened. scope may be metrics.NewNoopScope().
func New(cfg Config, certs *certprovider.Provider, ca *caclient.Client, weakKeys goodkey.WeakKeyChecker, log blog.Logger, clk clock.Clock, scope metrics.Scope) *Machine {
	if cfg.RSAKeySize == 0 {
		cfg.RSAKeySize = 4096
	}
	return &Machine{cfg: cfg, certs: certs, ca: ca, weakKeys: weakKeys, log: log, clk: clk, scope: scope}
}

// Initial returns the state a fresh run starts from.
func Initial() State {
	return NeedCACerts{}
}

// Run drives the machine from Initial to a terminal state (Done or Exit).
func (m *Machine) Run(ctx context.Context) State {
	state := Initial()
	for {
		switch state.(type) {
		case Done, Exit:
			return state
		}
		state = m.Step(ctx, state)
	}
}

// Step executes exactly one state and returns its successor. It never
// panics and never returns a Go error: every failure this package can
// encounter is folded into an Exit state, since a fatal condition in this
// machine always means "stop the run and report," whether that happens
// in a test harness or a real process.
func (m *Machine) Step(ctx context.Context, s State) State {
	_ = m.scope.Inc(fmt.Sprintf("state_transitions.%T", s), 1)
	switch st := s.(type) {
	case NeedCACerts:
		return m.stepNeedCACerts(ctx, st)
	case NeedCRLs:
		return m.stepNeedCRLs(ctx, st)
	case NeedKey:
		return m.stepNeedKey(ctx, st)
	case NeedSubmitCSR:
		return m.stepNeedSubmitCSR(ctx, st)
	case NeedCert:
		return m.stepNeedCert(ctx, st)
	case Wait:
		return m.stepWait(ctx, st)
	case Done:
		return st
	case Exit:
		return st
	default:
		return m.fatal("statemachine: unknown state %T", s)
	}
}

func (m *Machine) stepNeedCACerts(ctx context.Context, st NeedCACerts) State {
	_, certs, err := m.certs.LoadCACerts()
	if err != nil {
		return m.fatal("loading CA certificate bundle: %s", err)
	}
	if certs != nil {
		m.log.Info("using cached CA certificate bundle")
		return NeedCRLs{Ctx: st.Ctx.WithCACerts(certs, true)}
	}

	m.log.Info("fetching CA certificate bundle")
	pemBytes, err := m.ca.FetchCACerts(ctx, false, nil)
	if err != nil {
		return m.fatal("%s", err)
	}
	if err := m.certs.SaveCACerts(pemBytes); err != nil {
		return m.fatal("%s", err)
	}
	_, certs, err = m.certs.LoadCACerts()
	if err != nil {
		return m.fatal("loading just-saved CA certificate bundle: %s", err)
	}
	m.log.Info("fetched and saved CA certificate bundle")
	return NeedCRLs{Ctx: st.Ctx.WithCACerts(certs, true)}
}

func (m *Machine) stepNeedCRLs(ctx context.Context, st NeedCRLs) State {
	if !m.cfg.CertificateRevocation {
		m.log.Info("certificate_revocation disabled, skipping CRL bundle")
		return NeedKey{Ctx: st.Ctx.WithCRLs(nil)}
	}

	_, crls, err := m.certs.LoadCRLs()
	if err != nil {
		return m.fatal("loading CRL bundle: %s", err)
	}
	if crls != nil {
		m.log.Info("using cached CRL bundle")
		return NeedKey{Ctx: st.Ctx.WithCRLs(crls)}
	}

	m.log.Info("fetching CRL bundle")
	pemBytes, err := m.ca.FetchCRLs(ctx, true, st.Ctx.CACerts)
	if err != nil {
		return m.fatal("%s", err)
	}
	if err := m.certs.SaveCRLs(pemBytes); err != nil {
		return m.fatal("%s", err)
	}
	_, crls, err = m.certs.LoadCRLs()
	if err != nil {
		return m.fatal("loading just-saved CRL bundle: %s", err)
	}
	m.log.Info("fetched and saved CRL bundle")
	return NeedKey{Ctx: st.Ctx.WithCRLs(crls)}
}

func (m *Machine) stepNeedKey(ctx context.Context, st NeedKey) State {
	key, err := m.certs.LoadPrivateKey()
	if err != nil {
		return m.fatal("loading private key: %s", err)
	}

	if key == nil {
		m.log.Infof("generating a new %d-bit RSA private key", m.cfg.RSAKeySize)
		newKey, err := rsa.GenerateKey(rand.Reader, m.cfg.RSAKeySize)
		if err != nil {
			return m.fatal("generating private key: %s", err)
		}
		if m.weakKeys != nil && m.weakKeys.Known(newKey.PublicKey.N.Bytes()) {
			return m.fatal("generated private key matched a known-weak modulus, refusing to use it")
		}
		if err := m.certs.SavePrivateKey(newKey); err != nil {
			return m.fatal("saving private key: %s", err)
		}
		return NeedSubmitCSR{Ctx: st.Ctx.WithPrivateKey(newKey)}
	}

	ctxWithKey := st.Ctx.WithPrivateKey(key)
	cert, err := m.certs.LoadClientCert()
	if err != nil {
		return m.fatal("loading client certificate: %s", err)
	}
	if cert == nil {
		m.log.Info("using cached private key, no client certificate on disk")
		return NeedSubmitCSR{Ctx: ctxWithKey}
	}
	if !publicKeysEqual(cert.PublicKey, &key.PublicKey) {
		return m.fatal("The certificate for '%s' does not match its private key", cert.Subject.CommonName)
	}
	m.log.Info("on-disk client certificate matches private key, nothing to do")
	return Done{Ctx: ctxWithKey.WithClientCert(cert)}
}

func (m *Machine) stepNeedSubmitCSR(ctx context.Context, st NeedSubmitCSR) State {
	attrs, err := csrattrs.Load(m.cfg.CSRAttributesPath)
	if err != nil {
		return m.fatal("loading csr_attributes: %s", err)
	}
	pemCSR, err := csrbuilder.Build(st.Ctx.PrivateKey, csrbuilder.Config{
		Certname:    m.cfg.Certname,
		DNSAltNames: m.cfg.DNSAltNames,
		Attributes:  attrs,
	})
	if err != nil {
		return m.fatal("building CSR: %s", err)
	}

	outcome, err := m.ca.SubmitCSR(ctx, m.cfg.Certname, pemCSR, st.Ctx.CACerts)
	if err != nil {
		return m.fatal("%s", err)
	}
	if outcome == caclient.AlreadyExists {
		m.log.Info("CA already has a request or certificate on file for this node")
	} else {
		m.log.Info("submitted CSR")
	}
	return NeedCert{Ctx: st.Ctx}
}

func (m *Machine) stepNeedCert(ctx context.Context, st NeedCert) State {
	pemBytes, err := m.ca.FetchClientCert(ctx, m.cfg.Certname, st.Ctx.CACerts)
	if err != nil {
		m.log.Infof("certificate not yet available: %s", err)
		return Wait{Ctx: st.Ctx}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		m.log.Info("CA response did not contain a parseable certificate yet")
		return Wait{Ctx: st.Ctx}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		m.log.Infof("CA response did not contain a parseable certificate yet: %s", err)
		return Wait{Ctx: st.Ctx}
	}
	if !publicKeysEqual(cert.PublicKey, &st.Ctx.PrivateKey.PublicKey) {
		m.log.Info("fetched certificate does not yet match our private key")
		return Wait{Ctx: st.Ctx}
	}

	if err := m.certs.SaveClientCert(pemBytes); err != nil {
		return m.fatal("saving client certificate: %s", err)
	}
	m.log.Info("received and saved client certificate")
	return Done{Ctx: st.Ctx.WithClientCert(cert)}
}

func (m *Machine) stepWait(_ context.Context, st Wait) State {
	if m.cfg.Onetime || m.cfg.WaitForCert == 0 {
		const msg = "Exiting; no certificate found and waitforcert is disabled"
		m.log.Info(msg)
		return Exit{Code: 1, Message: msg}
	}
	m.log.Infof("waiting %s before retrying", m.cfg.WaitForCert)
	m.clk.Sleep(m.cfg.WaitForCert)
	return NeedCACerts{}
}

func (m *Machine) fatal(format string, args ...interface{}) State {
	msg := fmt.Sprintf(format, args...)
	m.log.AuditErr(msg)
	return Exit{Code: 1, Message: msg, Fatal: true}
}

// publicKeysEqual reports whether a and b are the same RSA public key. It
// is the only place this package compares keys, so the match invariant
// has a single implementation to audit.
func publicKeysEqual(a, b interface{}) bool {
	aKey, ok := a.(*rsa.PublicKey)
	if !ok {
		return false
	}
	bKey, ok := b.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return aKey.E == bKey.E && aKey.N.Cmp(bKey.N) == 0
}
