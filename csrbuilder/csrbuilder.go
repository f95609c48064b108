// Package csrbuilder produces the PKCS#10 certificate signing request the
// state machine submits to the CA: subject CN bound to the node's
// certname, DNS/IP subject alternative names, and both PKCS#9 custom
// attributes and X.509 extension requests sourced from an optional
// csrattrs.Document.
package csrbuilder

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net"
	"strings"

	"github.com/nodeagent/sslboot/csrattrs"
)

// oidExtensionRequest is the PKCS#9 attribute OID carrying the
// extensionRequest SEQUENCE OF Extension (1.2.840.113549.1.9.14).
var oidExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}

var oidSignatureSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

// Config describes the inputs csrbuilder needs beyond the private key
// itself.
type Config struct {
	// Certname is used as both the CSR's subject CN and the node's
	// identity for alt-name purposes.
	Certname string
	// DNSAltNames is the raw, comma-separated configuration value, e.g.
	// "DNS:foo.example.com,192.0.2.1,IP:192.0.2.2".
	DNSAltNames string
	// Attributes is the optional parsed csr_attributes document. May be
	// nil.
	Attributes *csrattrs.Document
}

// Build produces a PEM-encoded PKCS#10 CSR signed by key.
func Build(key *rsa.PrivateKey, cfg Config) ([]byte, error) {
	dnsNames, ipAddrs, err := parseAltNames(cfg.Certname, cfg.DNSAltNames)
	if err != nil {
		return nil, fmt.Errorf("csrbuilder: %w", err)
	}

	extraExtensions, err := extensionRequestExtensions(cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("csrbuilder: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: cfg.Certname},
		DNSNames:           dnsNames,
		IPAddresses:        ipAddrs,
		ExtraExtensions:    extraExtensions,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("csrbuilder: failed to create CSR: %w", err)
	}

	if cfg.Attributes != nil && len(cfg.Attributes.CustomAttributes) > 0 {
		der, err = addCustomAttributes(der, key, cfg.Attributes.CustomAttributes)
		if err != nil {
			return nil, fmt.Errorf("csrbuilder: failed to add custom attributes: %w", err)
		}
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// parseAltNames implements the dns_alt_names grammar from the
// configuration reference: a comma-separated list of "DNS:<name>",
// "IP:<ip>", or bare names (defaulting to DNS). The certname itself is
// always added as a DNS alt name whenever any alt names are configured.
func parseAltNames(certname, raw string) (dnsNames []string, ips []net.IP, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}

	tokens := strings.Split(raw, ",")
	sawCertname := false
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch {
		case strings.HasPrefix(tok, "DNS:"):
			name := strings.TrimPrefix(tok, "DNS:")
			dnsNames = append(dnsNames, name)
			if name == certname {
				sawCertname = true
			}
		case strings.HasPrefix(tok, "IP:"):
			ipStr := strings.TrimPrefix(tok, "IP:")
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return nil, nil, fmt.Errorf("invalid IP alt name %q", ipStr)
			}
			ips = append(ips, ip)
		default:
			dnsNames = append(dnsNames, tok)
			if tok == certname {
				sawCertname = true
			}
		}
	}

	if !sawCertname {
		dnsNames = append([]string{certname}, dnsNames...)
	}
	return dnsNames, ips, nil
}

// extensionRequestExtensions turns the extension_requests map of the
// optional csr_attributes document into X.509 extensions, each value
// DER-encoded as a UTF8String, so they ride along in the CSR's
// extensionRequest attribute.
func extensionRequestExtensions(doc *csrattrs.Document) ([]pkix.Extension, error) {
	if doc == nil || len(doc.ExtensionRequests) == 0 {
		return nil, nil
	}
	exts := make([]pkix.Extension, 0, len(doc.ExtensionRequests))
	for oid, value := range doc.ExtensionRequests {
		der, err := asn1.MarshalWithParams(value, "utf8")
		if err != nil {
			return nil, fmt.Errorf("encoding extension request %s: %w", asn1.ObjectIdentifier(oid), err)
		}
		exts = append(exts, pkix.Extension{
			Id:    asn1.ObjectIdentifier(oid),
			Value: der,
		})
	}
	return exts, nil
}

// The following types mirror the unexported shapes the standard library
// uses internally to parse and build PKCS#10 requests (RFC 2986), so
// that a CSR produced by x509.CreateCertificateRequest can be decoded,
// have additional PKCS#9 attributes appended to its attribute set, and
// be re-signed.

type publicKeyInfo struct {
	Raw       asn1.RawContent
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type tbsCertificateRequest struct {
	Raw           asn1.RawContent
	Version       int
	Subject       asn1.RawValue
	PublicKey     publicKeyInfo
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type certificateRequest struct {
	Raw                asn1.RawContent
	TBSCSR             tbsCertificateRequest
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// addCustomAttributes decodes der, appends one PKCS#9 attribute per
// entry in attrs (each value DER-encoded as a UTF8String inside a SET
// OF ANY), and re-signs the result with key.
func addCustomAttributes(der []byte, key *rsa.PrivateKey, attrs map[csrattrs.OID]string) ([]byte, error) {
	var csr certificateRequest
	if _, err := asn1.Unmarshal(der, &csr); err != nil {
		return nil, fmt.Errorf("decoding generated CSR: %w", err)
	}

	for oid, value := range attrs {
		valueDER, err := asn1.MarshalWithParams(value, "utf8")
		if err != nil {
			return nil, fmt.Errorf("encoding custom attribute %s: %w", asn1.ObjectIdentifier(oid), err)
		}
		attr := pkcs10Attribute{
			Type:   asn1.ObjectIdentifier(oid),
			Values: []asn1.RawValue{{FullBytes: valueDER}},
		}
		attrDER, err := asn1.Marshal(attr)
		if err != nil {
			return nil, fmt.Errorf("encoding custom attribute %s: %w", asn1.ObjectIdentifier(oid), err)
		}
		csr.TBSCSR.RawAttributes = append(csr.TBSCSR.RawAttributes, asn1.RawValue{FullBytes: attrDER})
	}

	// asn1.Marshal short-circuits a struct whose leading field is a
	// non-empty RawContent: it re-emits the captured bytes verbatim and
	// ignores every other field. Clear it so the appended attributes
	// above actually make it into the re-encoded TBS.
	csr.TBSCSR.Raw = nil

	tbsDER, err := asn1.Marshal(csr.TBSCSR)
	if err != nil {
		return nil, fmt.Errorf("re-encoding CSR info: %w", err)
	}

	hashed := sha256.Sum256(tbsDER)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("re-signing CSR: %w", err)
	}

	signed := certificateRequest{
		TBSCSR: csr.TBSCSR,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidSignatureSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		},
		SignatureValue: asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	}
	return asn1.Marshal(signed)
}
