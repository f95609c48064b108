package csrattrs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nodeagent/sslboot/internal/assert"
)

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.NotError(t, err, "missing csr_attributes should not error")
	assert.True(t, len(doc.CustomAttributes) == 0, "expected no custom attributes")
	assert.True(t, len(doc.ExtensionRequests) == 0, "expected no extension requests")
}

func TestLoadEmptyPathReturnsEmptyDocument(t *testing.T) {
	doc, err := Load("")
	assert.NotError(t, err, "empty path should not error")
	assert.True(t, doc != nil, "expected a non-nil empty document")
}

func TestLoadParsesAttributesAndExtensionRequests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "csr_attributes.yaml")
	contents := "custom_attributes:\n" +
		"  1.2.840.113549.1.9.7: 342thbjkt82094y0uthhor289jnqthpi2306\n" +
		"extension_requests:\n" +
		"  1.3.6.1.4.1.34380.1.1.1: ED803750-E3C7-44F5-BB08-41A04433FE2E\n"
	assert.NotError(t, os.WriteFile(path, []byte(contents), 0o644), "failed to write test fixture")

	doc, err := Load(path)
	assert.NotError(t, err, "Load failed")
	assert.True(t, len(doc.CustomAttributes) == 1, "expected one custom attribute")
	assert.True(t, len(doc.ExtensionRequests) == 1, "expected one numeric-OID extension request")
}

func TestLoadRejectsNonNumericOID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "csr_attributes.yaml")
	contents := "extension_requests:\n  pp_service_version: 1.0\n"
	assert.NotError(t, os.WriteFile(path, []byte(contents), 0o644), "failed to write test fixture")

	// Non-numeric keys that aren't dotted-decimal OIDs fail to parse as
	// the OID type; this document only has one such key, so Load must
	// fail on it rather than silently dropping it.
	_, err := Load(path)
	assert.Error(t, err, "expected a non-numeric extension-request key to fail to parse as an OID")
}

func TestParseOID(t *testing.T) {
	oid, err := ParseOID("1.3.6.1.4.1.34380.1.1.1")
	assert.NotError(t, err, "ParseOID failed")
	assert.Equals(t, len(oid), 10, "unexpected OID component count")

	_, err = ParseOID("not-an-oid")
	assert.Error(t, err, "expected an error for a non-numeric OID")
}
