package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/remiblancher/qsign/pkg/document"
)

// SignatureName returns the artifact path for the signature of doc. CMS
// signatures are written next to the document as <doc>.pkcs7; signed PDF
// and XML documents keep their extension.
func SignatureName(doc string, format document.Format) string {
	switch format {
	case document.FormatPDF, document.FormatXMLDSig:
		ext := filepath.Ext(doc)
		return strings.TrimSuffix(doc, ext) + "-signed" + ext
	case document.FormatCOSESign1:
		return doc + ".cose"
	default:
		return doc + ".pkcs7"
	}
}

// EncryptedSignatureName returns <doc>_encrypted.pkcs7.
func EncryptedSignatureName(doc string) string { return doc + "_encrypted.pkcs7" }

// TimestampName returns <doc>.tsr.
func TimestampName(doc string) string { return doc + ".tsr" }

// ReportName returns <sig>-verify-report.html.
func ReportName(sig string) string { return sig + "-verify-report.html" }

// OCSPName returns <sig>.ocsp.
func OCSPName(sig string) string { return sig + ".ocsp" }

// InDir moves path into dir, keeping its base name. An empty dir keeps path.
func InDir(dir, path string) string {
	if dir == "" {
		return path
	}
	return filepath.Join(dir, filepath.Base(path))
}

// WriteOutput writes an artifact, refusing to replace an existing file
// unless force is set.
func WriteOutput(path string, data []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
