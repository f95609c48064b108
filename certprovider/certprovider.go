// Package certprovider reads and writes the credential artifacts the
// bootstrap state machine consumes from the local filesystem: the CA
// bundle, the CRL bundle, the node's private key, and its client
// certificate. Every write is atomic (temp file + rename) so a crash
// mid-write never leaves a partially written PEM file visible to a
// concurrent reader, mirroring the all-or-nothing PEM handling in the
// teacher's own cmd.LoadCert.
package certprovider

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	bserrors "github.com/nodeagent/sslboot/errors"
)

// Paths names the on-disk location of every artifact this provider
// manages.
type Paths struct {
	LocalCACert string
	HostCRL     string
	HostPrivKey string
	HostCert    string
}

// Provider is the filesystem-backed implementation of the load/save
// pairs the state machine uses. The zero value is not usable; construct
// with New.
type Provider struct {
	paths Paths
}

// New returns a Provider rooted at the given artifact paths.
func New(paths Paths) *Provider {
	return &Provider{paths: paths}
}

// LoadCACerts reads the CA bundle. A missing file returns (nil, nil, nil)
// per spec: absence is not an error. A present but unparseable file
// returns a Malformed error and is never overwritten by the caller.
func (p *Provider) LoadCACerts() (pemBytes []byte, certs []*x509.Certificate, err error) {
	return loadCertChain(p.paths.LocalCACert)
}

// SaveCACerts atomically writes the CA bundle. Callers must not invoke
// this with data that does not parse as at least one certificate.
func (p *Provider) SaveCACerts(pemBytes []byte) error {
	if len(pemBytes) == 0 {
		return bserrors.InternalServerError("certprovider: refusing to save an empty CA bundle")
	}
	if _, err := parseCertChain(pemBytes); err != nil {
		return bserrors.InternalServerError("certprovider: refusing to save an unparseable CA bundle: %s", err)
	}
	return atomicWrite(p.paths.LocalCACert, pemBytes, 0o644)
}

// LoadCRLs reads the CRL bundle. A missing file returns (nil, nil, nil).
func (p *Provider) LoadCRLs() (pemBytes []byte, crls []*x509.RevocationList, err error) {
	raw, err := os.ReadFile(p.paths.HostCRL)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	parsed, err := parseCRLChain(raw)
	if err != nil {
		return nil, nil, bserrors.MalformedError("certprovider: %s is not a valid CRL bundle: %s", p.paths.HostCRL, err)
	}
	return raw, parsed, nil
}

// SaveCRLs atomically writes the CRL bundle.
func (p *Provider) SaveCRLs(pemBytes []byte) error {
	if len(pemBytes) == 0 {
		return bserrors.InternalServerError("certprovider: refusing to save an empty CRL bundle")
	}
	if _, err := parseCRLChain(pemBytes); err != nil {
		return bserrors.InternalServerError("certprovider: refusing to save an unparseable CRL bundle: %s", err)
	}
	return atomicWrite(p.paths.HostCRL, pemBytes, 0o644)
}

// LoadPrivateKey reads the node's RSA private key. A missing file
// returns (nil, nil).
func (p *Provider) LoadPrivateKey() (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(p.paths.HostPrivKey)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, bserrors.MalformedError("certprovider: %s does not contain PEM data", p.paths.HostPrivKey)
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, bserrors.MalformedError("certprovider: %s is not a valid RSA private key: %s", p.paths.HostPrivKey, err)
	}
	return key, nil
}

// SavePrivateKey atomically writes key with owner-only permissions.
// Callers are responsible for never calling this a second time for the
// same node; the machine does not rotate keys.
func (p *Provider) SavePrivateKey(key *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return atomicWrite(p.paths.HostPrivKey, pem.EncodeToMemory(block), 0o600)
}

// LoadClientCert reads the node's client certificate. A missing file
// returns (nil, nil).
func (p *Provider) LoadClientCert() (*x509.Certificate, error) {
	raw, err := os.ReadFile(p.paths.HostCert)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, bserrors.MalformedError("certprovider: %s does not contain a PEM certificate", p.paths.HostCert)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, bserrors.MalformedError("certprovider: %s is not a valid certificate: %s", p.paths.HostCert, err)
	}
	return cert, nil
}

// SaveClientCert atomically writes the node's client certificate.
// Callers must only do so after verifying its public key matches the
// node's private key.
func (p *Provider) SaveClientCert(pemBytes []byte) error {
	if len(pemBytes) == 0 {
		return bserrors.InternalServerError("certprovider: refusing to save an empty client certificate")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return bserrors.InternalServerError("certprovider: refusing to save an unparseable client certificate")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return bserrors.InternalServerError("certprovider: refusing to save an unparseable client certificate: %s", err)
	}
	return atomicWrite(p.paths.HostCert, pemBytes, 0o644)
}

func loadCertChain(path string) ([]byte, []*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	certs, err := parseCertChain(raw)
	if err != nil {
		return nil, nil, bserrors.MalformedError("certprovider: %s is not a valid certificate bundle: %s", path, err)
	}
	return raw, certs, nil
}

func parseCertChain(raw []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificates found")
	}
	return certs, nil
}

func parseCRLChain(raw []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "X509 CRL" {
			continue
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, err
		}
		crls = append(crls, crl)
	}
	if len(crls) == 0 {
		return nil, fmt.Errorf("no PEM CRLs found")
	}
	return crls, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// atomicWrite writes data to a temp file in path's directory, sets its
// permissions, and renames it over path. This guarantees a concurrent
// reader never observes a partially written file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
