package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	gatetls "github.com/polisai/assetgate/internal/tls"
)

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and inspect listener certificates for development",
	}
	cmd.AddCommand(newCertGenerateCmd(), newCertInspectCmd())
	return cmd
}

func newCertGenerateCmd() *cobra.Command {
	var (
		commonName string
		dnsNames   string
		ipAddrs    string
		validFor   time.Duration
		isCA       bool
		outDir     string
		certName   string
		keyName    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a self-signed certificate and key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := gatetls.CertificateOptions{
				CommonName: commonName,
				DNSNames:   splitList(dnsNames),
				ValidFor:   validFor,
				IsCA:       isCA,
			}
			for _, raw := range splitList(ipAddrs) {
				ip := net.ParseIP(raw)
				if ip == nil {
					return fmt.Errorf("invalid IP address %q", raw)
				}
				opts.IPAddresses = append(opts.IPAddresses, ip)
			}

			certPEM, keyPEM, err := gatetls.GenerateSelfSignedCertificate(opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o750); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			certFile := filepath.Join(outDir, certName)
			keyFile := filepath.Join(outDir, keyName)
			if err := gatetls.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nprivate key: %s\n", certFile, keyFile)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&commonName, "cn", "localhost", "Common name")
	f.StringVar(&dnsNames, "dns", "", "Comma-separated DNS names (SANs)")
	f.StringVar(&ipAddrs, "ips", "", "Comma-separated IP addresses (SANs)")
	f.DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Validity period")
	f.BoolVar(&isCA, "ca", false, "Generate a CA certificate for admin client authentication")
	f.StringVar(&outDir, "output-dir", ".", "Output directory")
	f.StringVar(&certName, "cert", "tls.crt", "Certificate file name")
	f.StringVar(&keyName, "key", "tls.key", "Private key file name")
	return cmd
}

func newCertInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <cert-file>",
		Short: "Print the subject, validity and SANs of a PEM certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}
			cert, err := gatetls.ParseCertificatePEM(data)
			if err != nil {
				return err
			}

			ips := make([]string, 0, len(cert.IPAddresses))
			for _, ip := range cert.IPAddresses {
				ips = append(ips, ip.String())
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Subject:    %s\n", cert.Subject)
			fmt.Fprintf(w, "Issuer:     %s\n", cert.Issuer)
			fmt.Fprintf(w, "Not before: %s\n", cert.NotBefore.UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "Not after:  %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "DNS names:  %s\n", strings.Join(cert.DNSNames, ", "))
			fmt.Fprintf(w, "IPs:        %s\n", strings.Join(ips, ", "))
			fmt.Fprintf(w, "CA:         %t\n", cert.IsCA)
			if time.Now().After(cert.NotAfter) {
				return fmt.Errorf("%w: expired at %s", gatetls.ErrCertificateInvalid, cert.NotAfter.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
