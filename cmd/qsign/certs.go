package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var certsPEM bool

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Show the certificates of the configured credential",
	Long: `Show the signing certificate and the rest of the credential chain.

With --pem the chain is written as PEM, signing certificate first.

Examples:
  qsign certs --key signer.key --cert signer.crt
  qsign certs --hsm-config hsm.yaml --pem > chain.pem`,
	RunE: runCerts,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the engine version and limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd, engineOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "qsign:           %s (commit: %s, built: %s)\n", version, commit, date)
		fmt.Fprintf(out, "Engine:          %s\n", e.Version())
		fmt.Fprintf(out, "Signature limit: %d\n", e.SignatureLimit())
		return nil
	},
}

func init() {
	certsCmd.Flags().BoolVar(&certsPEM, "pem", false, "Write the chain as PEM")
}

func runCerts(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cmd, engineOptions{credential: true})
	if err != nil {
		return err
	}
	defer e.Close()

	chain, err := e.Certificates(cmd.Context(), 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if certsPEM {
		for _, c := range chain.All() {
			if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}); err != nil {
				return err
			}
		}
		return nil
	}

	printCert(out, "Signing", chain.Signing)
	if chain.Authentication != nil && !chain.Authentication.Equal(chain.Signing) {
		printCert(out, "Authentication", chain.Authentication)
	}
	if chain.Encryption != nil && !chain.Encryption.Equal(chain.Signing) {
		printCert(out, "Encryption", chain.Encryption)
	}
	for _, c := range chain.Intermediates {
		printCert(out, "Intermediate", c)
	}
	return nil
}

func printCert(w io.Writer, role string, c *x509.Certificate) {
	if c == nil {
		return
	}
	fmt.Fprintf(w, "%s certificate:\n", role)
	fmt.Fprintf(w, "  Subject:    %s\n", c.Subject)
	fmt.Fprintf(w, "  Issuer:     %s\n", c.Issuer)
	fmt.Fprintf(w, "  Serial:     %X\n", c.SerialNumber)
	fmt.Fprintf(w, "  Not Before: %s\n", c.NotBefore.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Not After:  %s\n", c.NotAfter.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(w)
}
