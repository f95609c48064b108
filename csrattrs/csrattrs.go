// Package csrattrs loads the optional csr_attributes document: a YAML
// file mapping OIDs to custom PKCS#9 attribute values and to X.509
// extension-request values, both folded into the CSR that csrbuilder
// produces. The document format (OID-keyed YAML) mirrors the config
// package's ConfigSecret/ConfigDuration idiom of giving a plain string
// field in the file a richer, validated Go type on unmarshal.
package csrattrs

import (
	"encoding/asn1"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the parsed form of a csr_attributes.yaml file.
type Document struct {
	CustomAttributes  map[OID]string `yaml:"custom_attributes"`
	ExtensionRequests map[OID]string `yaml:"extension_requests"`
}

// OID is a dotted-decimal object identifier that round-trips through
// YAML as a plain scalar string.
type OID asn1.ObjectIdentifier

// UnmarshalYAML parses a dotted-decimal string into an OID.
func (o *OID) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseOID(s)
	if err != nil {
		return fmt.Errorf("csrattrs: invalid OID %q: %w", s, err)
	}
	*o = parsed
	return nil
}

// MarshalYAML renders the OID back to its dotted-decimal string form.
func (o OID) MarshalYAML() (interface{}, error) {
	return asn1.ObjectIdentifier(o).String(), nil
}

// ParseOID parses a dotted-decimal object identifier string such as
// "1.3.6.1.4.1.34380.1.1.1" into an OID.
func ParseOID(s string) (OID, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("OID must have at least two components")
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		oid[i] = n
	}
	return OID(oid), nil
}

// Load reads and parses the csr_attributes document at path. A missing
// file is not an error: it returns an empty Document, since
// csr_attributes is always optional.
func Load(path string) (*Document, error) {
	if path == "" {
		return &Document{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("csrattrs: %s: %w", path, err)
	}
	return &doc, nil
}
