package certprovider

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeagent/sslboot/internal/assert"
)

func testPaths(t *testing.T) Paths {
	dir := t.TempDir()
	return Paths{
		LocalCACert: filepath.Join(dir, "ca.pem"),
		HostCRL:     filepath.Join(dir, "crl.pem"),
		HostPrivKey: filepath.Join(dir, "key.pem"),
		HostCert:    filepath.Join(dir, "cert.pem"),
	}
}

func selfSignedCert(t *testing.T, key *rsa.PrivateKey) []byte {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.NotError(t, err, "failed to create self-signed cert")
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestLoadAbsentArtifactsReturnNilNoError(t *testing.T) {
	p := New(testPaths(t))

	pemBytes, certs, err := p.LoadCACerts()
	assert.NotError(t, err, "absent CA bundle should not be an error")
	assert.True(t, pemBytes == nil && certs == nil, "absent CA bundle should yield nils")

	key, err := p.LoadPrivateKey()
	assert.NotError(t, err, "absent private key should not be an error")
	assert.True(t, key == nil, "absent private key should yield nil")

	cert, err := p.LoadClientCert()
	assert.NotError(t, err, "absent client cert should not be an error")
	assert.True(t, cert == nil, "absent client cert should yield nil")
}

func TestSaveAndLoadCACertsRoundTrips(t *testing.T) {
	p := New(testPaths(t))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NotError(t, err, "keygen failed")
	certPEM := selfSignedCert(t, key)

	assert.NotError(t, p.SaveCACerts(certPEM), "save CA certs failed")
	raw, certs, err := p.LoadCACerts()
	assert.NotError(t, err, "load CA certs failed")
	assert.True(t, len(certs) == 1, "expected one certificate in the chain")
	assert.True(t, string(raw) == string(certPEM), "round-tripped PEM should be byte identical")
}

func TestSaveCACertsRejectsUnparseableInput(t *testing.T) {
	p := New(testPaths(t))
	err := p.SaveCACerts([]byte("not a certificate"))
	assert.Error(t, err, "expected an error saving unparseable CA bundle")
	_, err = os.Stat(p.paths.LocalCACert)
	assert.True(t, os.IsNotExist(err), "no file should have been created for rejected input")
}

func TestLoadCACertsSurfacesMalformedWithoutDeleting(t *testing.T) {
	paths := testPaths(t)
	assert.NotError(t, os.WriteFile(paths.LocalCACert, []byte("garbage"), 0o644), "setup write failed")
	p := New(paths)

	_, _, err := p.LoadCACerts()
	assert.Error(t, err, "expected malformed error")

	// the invalid artifact must still be on disk; the machine never
	// deletes it itself.
	data, rerr := os.ReadFile(paths.LocalCACert)
	assert.NotError(t, rerr, "file should still exist")
	assert.True(t, string(data) == "garbage", "file contents should be unchanged")
}

func TestSavePrivateKeyPermissions(t *testing.T) {
	paths := testPaths(t)
	p := New(paths)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NotError(t, err, "keygen failed")

	assert.NotError(t, p.SavePrivateKey(key), "save private key failed")
	info, err := os.Stat(paths.HostPrivKey)
	assert.NotError(t, err, "stat failed")
	assert.True(t, info.Mode().Perm() == 0o600, "private key should be owner-only readable")

	loaded, err := p.LoadPrivateKey()
	assert.NotError(t, err, "load private key failed")
	assert.True(t, loaded.D.Cmp(key.D) == 0, "loaded key should match saved key")
}

func TestSaveAndLoadClientCertRoundTrips(t *testing.T) {
	p := New(testPaths(t))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NotError(t, err, "keygen failed")
	certPEM := selfSignedCert(t, key)

	assert.NotError(t, p.SaveClientCert(certPEM), "save client cert failed")
	cert, err := p.LoadClientCert()
	assert.NotError(t, err, "load client cert failed")
	assert.True(t, cert.Subject.CommonName == "test-node", "unexpected subject")
}
