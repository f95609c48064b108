// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd provides the app shell utilities shared by the module's
// command-line entrypoints: JSON config loading, signal handling,
// logging/metrics wiring, and the small self-describing config types
// (ConfigDuration, ConfigSecret) that let a plain JSON config file carry
// richer Go types than encoding/json gives you for free.
package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"
)

// Config is the on-disk shape of an ssl-agent run: everything
// statemachine.Config needs plus the artifact paths, the CA server
// address, and the ambient logging/metrics settings.
//
// Note: NO DEFAULTS are baked into the JSON tags here; RSAKeySize and
// RequestTimeout fall back to sane values in cmd/ssl-agent if left zero.
type Config struct {
	// Certname is this node's identity: the CSR's subject CN and the
	// path component used in every CA request.
	Certname string
	// CAServerURL is the base URL of the CA server, e.g.
	// "https://ca.example.com:8140".
	CAServerURL string

	// DNSAltNames is a comma-separated list of DNS:/IP:/bare alt-name
	// tokens folded into the CSR's SAN extension.
	DNSAltNames string
	// CSRAttributes is the path to an optional csr_attributes.yaml-style
	// document of custom_attributes/extension_requests.
	CSRAttributes string

	// CertificateRevocation disables CRL loading/fetching when false.
	// Defaults to true when absent from the JSON (see
	// Config.CertificateRevocationOrDefault).
	CertificateRevocation *bool
	// WaitForCert is how long the Wait state sleeps before retrying.
	// Zero disables polling.
	WaitForCert ConfigDuration
	// Onetime, if true, makes Wait exit immediately instead of sleeping.
	Onetime bool

	// LocalCACert, HostCRL, HostPrivKey, HostCert are the on-disk
	// artifact paths certprovider reads and writes.
	LocalCACert string
	HostCRL     string
	HostPrivKey string
	HostCert    string

	// RSAKeySize is the bit length for a freshly generated key. Zero
	// means "use the package default."
	RSAKeySize int
	// RequestTimeout bounds every individual HTTP request to the CA.
	// Zero means "use the package default."
	RequestTimeout ConfigDuration
	// WeakKeyDir, if set, points at a directory of known-weak RSA
	// modulus fingerprints a freshly generated key is screened against.
	WeakKeyDir string

	// Syslog configures the audit logger's syslog sink.
	Syslog SyslogConfig
	// MetricsListenAddr, if set, serves Prometheus metrics at /metrics
	// on this address.
	MetricsListenAddr string
}

// CertificateRevocationOrDefault reports whether CRL handling should run,
// defaulting to true when the config left the field unset.
func (c Config) CertificateRevocationOrDefault() bool {
	if c.CertificateRevocation == nil {
		return true
	}
	return *c.CertificateRevocation
}

// SyslogConfig configures the audit logger's syslog sink. An empty
// Network/Server dials the local syslog socket.
type SyslogConfig struct {
	Network     string
	Server      string
	StdoutLevel *int
}

// ConfigDuration is an alias for time.Duration that unmarshals from the
// same human-readable strings time.ParseDuration accepts (e.g. "30s"),
// rather than requiring a raw integer nanosecond count in the JSON file.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration. If the input does not unmarshal as a string, then
// UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a byte array.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// ConfigSecret represents a string-valued config field. It may be
// specified directly in the config or, if it starts with "secret:", its
// contents are read from the filename that comes after "secret:", with
// trailing newlines removed. Unused by the agent today but kept for any
// future field (e.g. an HTTP auth token) that shouldn't live in plaintext
// config.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret.
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return errSecretMustBeString
		}
		return err
	}
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := os.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}
