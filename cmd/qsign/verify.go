package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/pkg/document"
	"github.com/remiblancher/qsign/pkg/engine"
)

// Verify command flags
var (
	verifyData          string
	verifyFormat        string
	verifyOCSP          string
	verifyERS           []string
	verifyIntermediates []string
	verifyOCSPMandatory bool
	verifyAllowResign   bool
	verifyRequireTS     bool
	verifyReport        bool
	verifySaveOCSP      bool
	verifyExtract       string
	verifyForce         bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <signature-file>",
	Short: "Verify a signature",
	Long: `Verify a CMS, PDF, XML-DSig or COSE_Sign1 signature.

The format is detected from the signature unless --format is given. Detached
signatures need the signed document (--data). The signer chain is validated
against the configured trust anchors and --trust-anchor files, and OCSP status
is taken from --ocsp, from the signature, or from the responder.

Artifacts:
  --report     writes <signature-file>-verify-report.html
  --save-ocsp  writes the OCSP response used to <signature-file>.ocsp

Examples:
  qsign verify hello.txt.pkcs7 --data hello.txt --trust-anchor ca.crt
  qsign verify contract-signed.pdf --report --ocsp-mandatory
  qsign verify invoice-signed.xml --ers invoice.ers`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	f := verifyCmd.Flags()
	f.StringVarP(&verifyData, "data", "d", "", "Signed document for detached signatures")
	f.StringVarP(&verifyFormat, "format", "f", "auto", "Signature format (default: detect)")
	f.StringVar(&verifyOCSP, "ocsp", "", "DER OCSP response to use for the signer certificate")
	f.StringArrayVar(&verifyERS, "ers", nil, "RFC 4998 evidence record over the signature (repeatable)")
	f.StringArrayVar(&verifyIntermediates, "intermediate", nil, "Additional intermediate certificates (repeatable)")
	f.BoolVar(&verifyOCSPMandatory, "ocsp-mandatory", false, "Fail when no OCSP status can be obtained")
	f.BoolVar(&verifyAllowResign, "allow-resign", false, "Accept PDF changes after the last signature")
	f.BoolVar(&verifyRequireTS, "require-timestamp", false, "Fail when the signature carries no valid timestamp")
	f.BoolVar(&verifyReport, "report", false, "Write the HTML verification report")
	f.BoolVar(&verifySaveOCSP, "save-ocsp", false, "Write the OCSP response used")
	f.StringVar(&verifyExtract, "extract", "", "Write the signed content to this file")
	f.BoolVar(&verifyForce, "force", false, "Overwrite existing output files")
}

func runVerify(cmd *cobra.Command, args []string) error {
	sigPath := args[0]
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	format, err := document.ParseFormat(verifyFormat)
	if err != nil {
		return err
	}
	req := document.VerificationRequest{
		Signature:      sig,
		Format:         format,
		OCSPMandatory:  verifyOCSPMandatory || appCfg.OCSP.Mandatory,
		AllowResign:    verifyAllowResign,
		ExtractContent: verifyExtract != "",
		Report:         verifyReport,
	}
	if verifyData != "" {
		if req.Document, err = os.ReadFile(verifyData); err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}
	}
	if verifyOCSP != "" {
		if req.OCSPResponse, err = os.ReadFile(verifyOCSP); err != nil {
			return fmt.Errorf("failed to read OCSP response: %w", err)
		}
	}
	for _, p := range verifyERS {
		er, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read evidence record: %w", err)
		}
		req.EvidenceRecords = append(req.EvidenceRecords, er)
	}
	intermediates, err := loadCertificateFiles(verifyIntermediates)
	if err != nil {
		return err
	}

	e, err := newEngine(cmd, engineOptions{})
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.Verify(cmd.Context(), req, nil, engine.VerifyOptions{
		Intermediates:    intermediates,
		RequireTimestamp: verifyRequireTS,
	})
	if res == nil {
		return err
	}
	printVerification(cmd, sigPath, res)

	if verifyReport && res.ReportHTML != nil {
		path := cli.ReportName(sigPath)
		if werr := cli.WriteOutput(path, res.ReportHTML, verifyForce); werr != nil {
			return werr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report:      %s\n", path)
	}
	if verifySaveOCSP && res.OCSPResponse != nil {
		path := cli.OCSPName(sigPath)
		if werr := cli.WriteOutput(path, res.OCSPResponse, verifyForce); werr != nil {
			return werr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OCSP:        %s\n", path)
	}
	if verifyExtract != "" && res.Content != nil {
		if werr := cli.WriteOutput(verifyExtract, res.Content, verifyForce); werr != nil {
			return werr
		}
	}
	return err
}

func printVerification(cmd *cobra.Command, sigPath string, res *engine.VerificationResult) {
	out := cmd.OutOrStdout()
	state := "valid"
	if !res.Valid() {
		state = "invalid"
	}
	fmt.Fprintf(out, "Signature:   %s\n", sigPath)
	fmt.Fprintf(out, "Format:      %s\n", res.Format)
	fmt.Fprintf(out, "Status:      %s\n", cli.FormatStatus(state))
	for _, cert := range res.Signers {
		fmt.Fprintf(out, "Signer:      %s\n", cert.Subject)
	}
	if !res.SigningTime.IsZero() {
		fmt.Fprintf(out, "Signed at:   %s\n", res.SigningTime.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if !res.TimestampTime.IsZero() {
		fmt.Fprintf(out, "Timestamp:   %s\n", res.TimestampTime.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if res.Report != nil {
		fmt.Fprintln(out)
		for _, f := range res.Report.Findings {
			fmt.Fprintf(out, "  %s %-12s %s\n", cli.FormatSeverity(f.Severity), f.Check, f.Message)
		}
	}
}
