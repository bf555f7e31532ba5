package main

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/document"
)

// Sign command flags
var (
	signFormat     string
	signHash       string
	signKind       string
	signTimestamp  bool
	signPSS        bool
	signOutDir     string
	signForce      bool
	signRecipients []string
	signPrior      string

	signPDFPosition int
	signPDFReason   string
	signPDFLocation string
	signPDFContact  string
	signPDFShowDate bool
	signPDFField    string

	signXMLID   string
	signXMLNode string
)

var signCmd = &cobra.Command{
	Use:   "sign <file>...",
	Short: "Sign one or more documents",
	Long: `Sign documents with the configured credential.

All files are signed in one batch. The signature of each file is written next
to it, or into --out-dir:
  - CMS signatures:      <file>.pkcs7
  - PDF and XML:         <name>-signed.<ext>
  - COSE_Sign1:          <file>.cose
  - with --recipient:    <file>_encrypted.pkcs7 (signature as EnvelopedData)
  - with --timestamp:    <file>.tsr (RFC 3161 token over the signature value)

Without --format, PDF files get a PDF signature, XML files an enveloped
XML-DSig signature and everything else a detached CMS signature.

Examples:
  # Detached CMS signature
  qsign sign hello.txt --key signer.key --cert signer.crt

  # Visible PDF signature at the bottom left of the first page
  qsign sign contract.pdf --pdf-position 4 --pdf-reason "Approved"

  # Co-sign an existing CMS signature
  qsign sign hello.txt --prior hello.txt.pkcs7 --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSign,
}

func init() {
	f := signCmd.Flags()
	f.StringVarP(&signFormat, "format", "f", "auto", "Signature format: auto, cms-detached, cms-embedded, pdf, xmldsig, cose-sign1")
	f.StringVar(&signHash, "hash", "", "Digest algorithm (default: chosen from the key)")
	f.StringVar(&signKind, "kind", "", "Document kind (default: from the file name)")
	f.BoolVar(&signTimestamp, "timestamp", false, "Request an RFC 3161 timestamp from the configured TSA")
	f.BoolVar(&signPSS, "pss", false, "Use RSASSA-PSS padding with an RSA credential")
	f.StringVarP(&signOutDir, "out-dir", "o", "", "Directory for the signatures")
	f.BoolVar(&signForce, "force", false, "Overwrite existing signature files")
	f.StringArrayVar(&signRecipients, "recipient", nil, "Encrypt the signature for this certificate (repeatable)")
	f.StringVar(&signPrior, "prior", "", "Existing CMS signature to add this signature to")

	f.IntVar(&signPDFPosition, "pdf-position", 0, "Visible PDF signature position 1-12 (0: invisible)")
	f.StringVar(&signPDFReason, "pdf-reason", "", "PDF signature reason")
	f.StringVar(&signPDFLocation, "pdf-location", "", "PDF signature location")
	f.StringVar(&signPDFContact, "pdf-contact", "", "PDF signer contact information")
	f.BoolVar(&signPDFShowDate, "pdf-show-date", false, "Show the signing date in the visible signature")
	f.StringVar(&signPDFField, "pdf-field", "", "Existing PDF signature field to fill")

	f.StringVar(&signXMLID, "xml-id", "", "Id attribute of the XML Signature element")
	f.StringVar(&signXMLNode, "xml-node", "", "Path of the element the XML signature is inserted into")
}

func runSign(cmd *cobra.Command, args []string) error {
	format, err := document.ParseFormat(signFormat)
	if err != nil {
		return err
	}
	var kind document.Kind
	if signKind != "" {
		if kind, err = document.ParseKind(signKind); err != nil {
			return err
		}
	}
	certs, err := loadCertificateFiles(signRecipients)
	if err != nil {
		return err
	}
	var prior []byte
	if signPrior != "" {
		if prior, err = os.ReadFile(signPrior); err != nil {
			return fmt.Errorf("failed to read prior signature: %w", err)
		}
	}

	reqs := make([]document.SignatureRequest, len(args))
	for i, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}
		doc := document.Document{Name: filepath.Base(path), Data: data, Kind: kind}
		if signKind == "" {
			doc.Kind = document.KindFromName(path, data)
		}
		reqs[i] = document.SignatureRequest{
			Document:       doc,
			Format:         format,
			Hash:           document.HashAlgorithm(signHash),
			PriorSignature: prior,
			Timestamp:      signTimestamp,
			PSS:            signPSS,
			Annotation:     pdfAnnotation(),
			XML:            xmlOptions(),
		}
	}

	e, err := newEngine(cmd, engineOptions{credential: true})
	if err != nil {
		return err
	}
	defer e.Close()

	results, err := e.Sign(cmd.Context(), reqs, certs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var failed error
	for i, res := range results {
		path := args[i]
		if res.Err != nil {
			fmt.Fprintf(out, "%s  %s: %v\n", cli.FormatStatus("failed"), path, res.Err)
			if failed == nil {
				failed = res.Err
			}
			continue
		}
		sigPath := cli.InDir(signOutDir, cli.SignatureName(path, res.Format))
		if err := cli.WriteOutput(sigPath, res.Signature, signForce); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s -> %s (%s, id %s)\n", cli.FormatStatus("valid"), path, sigPath, res.Format, res.ID)
		if res.EncryptedSignature != nil {
			encPath := cli.InDir(signOutDir, cli.EncryptedSignatureName(path))
			if err := cli.WriteOutput(encPath, res.EncryptedSignature, signForce); err != nil {
				return err
			}
			fmt.Fprintf(out, "       encrypted for %d recipient(s) -> %s\n", len(certs), encPath)
		}
		if res.TimestampToken != nil {
			tsrPath := cli.InDir(signOutDir, cli.TimestampName(path))
			if err := cli.WriteOutput(tsrPath, res.TimestampToken, signForce); err != nil {
				return err
			}
			fmt.Fprintf(out, "       timestamp -> %s\n", tsrPath)
		}
	}
	return failed
}


func pdfAnnotation() *document.PDFAnnotation {
	if signPDFPosition == 0 && signPDFReason == "" && signPDFLocation == "" && signPDFContact == "" && signPDFField == "" {
		return nil
	}
	return &document.PDFAnnotation{
		Display:       signPDFPosition != 0,
		Reason:        signPDFReason,
		Location:      signPDFLocation,
		ContactInfo:   signPDFContact,
		Position:      document.Position(signPDFPosition),
		ShowDate:      signPDFShowDate,
		FormFieldName: signPDFField,
	}
}

func xmlOptions() *document.XMLOptions {
	if signXMLID == "" && signXMLNode == "" {
		return nil
	}
	return &document.XMLOptions{SignatureID: signXMLID, NodePath: signXMLNode}
}

func loadCertificateFiles(paths []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for _, p := range paths {
		certs, err := credential.LoadCertificates(p)
		if err != nil {
			return nil, err
		}
		out = append(out, certs...)
	}
	return out, nil
}
