package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/cli"
)

var (
	cryptIn         string
	cryptOut        string
	cryptRecipients []string
	cryptForce      bool
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt data for recipients (CMS EnvelopedData)",
	Long: `Encrypt a file for one or more recipient certificates.

No signing credential is needed. RSA recipients use key transport, EC
recipients use ECDH key agreement.

Examples:
  qsign encrypt --in report.pdf --out report.pdf.p7m --recipient alice.crt`,
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt CMS EnvelopedData with the configured credential",
	Long: `Decrypt an envelope addressed to the configured credential.

Examples:
  qsign decrypt --in report.pdf.p7m --out report.pdf --key alice.key --cert alice.crt`,
	RunE: runDecrypt,
}

func init() {
	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().StringVarP(&cryptIn, "in", "i", "", "Input file (required)")
		c.Flags().StringVarP(&cryptOut, "out", "o", "", "Output file (required)")
		c.Flags().BoolVar(&cryptForce, "force", false, "Overwrite an existing output file")
		_ = c.MarkFlagRequired("in")
		_ = c.MarkFlagRequired("out")
	}
	encryptCmd.Flags().StringArrayVarP(&cryptRecipients, "recipient", "r", nil, "Recipient certificate file (repeatable, required)")
	_ = encryptCmd.MarkFlagRequired("recipient")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(cryptIn)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	recipients, err := loadCertificateFiles(cryptRecipients)
	if err != nil {
		return err
	}

	e, err := newEngine(cmd, engineOptions{})
	if err != nil {
		return err
	}
	defer e.Close()

	env, err := e.EncryptOnly(cmd.Context(), data, recipients)
	if err != nil {
		return err
	}
	if err := cli.WriteOutput(cryptOut, env, cryptForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Encrypted for %d recipient(s): %s\n", len(recipients), cryptOut)
	return nil
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	env, err := os.ReadFile(cryptIn)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	e, err := newEngine(cmd, engineOptions{credential: true})
	if err != nil {
		return err
	}
	defer e.Close()

	data, err := e.Decrypt(cmd.Context(), env, 0)
	if err != nil {
		return err
	}
	if err := cli.WriteOutput(cryptOut, data, cryptForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Decrypted: %s (%d bytes)\n", cryptOut, len(data))
	return nil
}
