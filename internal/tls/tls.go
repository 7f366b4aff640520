// Package tls terminates TLS on the gateway listeners.
//
// Certificates are read from PEM files and reloaded when the files change, so
// renewals do not need a restart. The admin listener may additionally require
// client certificates signed by a configured CA.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCertificateInvalid marks certificate material that cannot be served.
var ErrCertificateInvalid = errors.New("certificate invalid")

// Config contains the TLS settings of one listener.
type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile enables mutual TLS against the given PEM bundle.
	ClientCAFile string
	// MinVersion is "1.2" (default) or "1.3".
	MinVersion string
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks that the settings are complete.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.ClientCAFile != "" {
			return errors.New("client_ca_file requires cert_file and key_file")
		}
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("both cert_file and key_file are required")
	}
	if _, err := parseMinVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// BuildServer constructs the listener configuration. Certificates are served
// from certs so that reloads take effect on the next handshake.
func BuildServer(cfg Config, certs *CertificateReloader) (*tls.Config, error) {
	minVersion, err := parseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	serverConfig := &tls.Config{
		GetCertificate: certs.GetCertificate,
		MinVersion:     minVersion,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

func parseMinVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported min_version %q (want 1.2 or 1.3)", v)
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)

	//nolint:gosec // CA bundle path is controlled by the operator
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrCertificateInvalid, cleanPath)
	}
	return pool, nil
}
