// Package document holds the request model of the signature engine: the
// documents to sign or verify, their kinds, the signature formats and the
// format-specific options (PDF annotation, XML-DSig placement and filters).
package document

import (
	"bytes"
	"crypto"
	"encoding/asn1"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind is the document type. Values match the document type codes of the
// legacy engine interface.
type Kind int

const (
	KindPlaintext   Kind = 0
	KindHTML        Kind = 1
	KindBinary      Kind = 2
	KindImage       Kind = 3
	KindPDF         Kind = 4
	KindXML         Kind = 12
	KindRTF         Kind = 13
	KindZIP         Kind = 14
	KindProprietary Kind = 15
)

var kindNames = map[Kind]string{
	KindPlaintext:   "plaintext",
	KindHTML:        "html",
	KindBinary:      "binary",
	KindImage:       "image",
	KindPDF:         "pdf",
	KindXML:         "xml",
	KindRTF:         "rtf",
	KindZIP:         "zip",
	KindProprietary: "proprietary",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses a kind name as printed by String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown document kind %q", s)
}

// KindFromName guesses the document kind from a file name and its content.
func KindFromName(name string, data []byte) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".xml":
		return KindXML
	case ".htm", ".html":
		return KindHTML
	case ".txt":
		return KindPlaintext
	case ".rtf":
		return KindRTF
	case ".zip":
		return KindZIP
	case ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp":
		return KindImage
	case ".zks":
		return KindProprietary
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return KindPDF
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte("<?xml")):
		return KindXML
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return KindZIP
	case bytes.HasPrefix(data, []byte("{\\rtf")):
		return KindRTF
	}
	return KindBinary
}

// Format is the signature container format. The zero value asks the
// engine to choose: by document kind when signing, from the signature
// bytes when verifying.
type Format int

const (
	FormatAuto Format = iota
	FormatCMSDetached
	FormatPDF
	FormatXMLDSig
	FormatCMSEmbedded
	FormatCOSESign1
)

// legacyFormatCodes are the signature format codes of the legacy engine
// interface.
var legacyFormatCodes = map[Format]int{
	FormatAuto:        -1,
	FormatCMSDetached: 0,
	FormatPDF:         3,
	FormatXMLDSig:     4,
	FormatCMSEmbedded: 5,
	FormatCOSESign1:   6,
}

// Code returns the legacy numeric format code.
func (f Format) Code() int {
	if c, ok := legacyFormatCodes[f]; ok {
		return c
	}
	return -1
}

// FormatFromCode maps a legacy numeric format code back to a Format.
func FormatFromCode(code int) (Format, error) {
	for f, c := range legacyFormatCodes {
		if c == code {
			return f, nil
		}
	}
	return FormatAuto, fmt.Errorf("unknown signature format code %d", code)
}

var formatNames = map[Format]string{
	FormatAuto:        "auto",
	FormatCMSDetached: "cms-detached",
	FormatPDF:         "pdf",
	FormatXMLDSig:     "xmldsig",
	FormatCMSEmbedded: "cms-embedded",
	FormatCOSESign1:   "cose-sign1",
}

// String returns the format name.
func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// IsCMS reports whether f produces a CMS SignedData container.
func (f Format) IsCMS() bool {
	return f == FormatCMSDetached || f == FormatCMSEmbedded
}

// ParseFormat parses a format name as printed by String. "pkcs7" and
// "pkcs7-embedded" are accepted as aliases.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "pkcs7", "p7s", "cms":
		return FormatCMSDetached, nil
	case "pkcs7-embedded", "p7m":
		return FormatCMSEmbedded, nil
	case "xml", "xades":
		return FormatXMLDSig, nil
	case "cose":
		return FormatCOSESign1, nil
	}
	for f, n := range formatNames {
		if n == s {
			return f, nil
		}
	}
	return FormatAuto, fmt.Errorf("unknown signature format %q", s)
}

// DefaultFormat is the format used to sign a document of kind k when the
// request leaves it to the engine.
func (k Kind) DefaultFormat() Format {
	switch k {
	case KindPDF:
		return FormatPDF
	case KindXML:
		return FormatXMLDSig
	}
	return FormatCMSDetached
}

// DetectFormat infers the container format from signature bytes. CMS
// SignedData is reported as embedded when it carries eContent. It returns
// FormatAuto when nothing matches.
func DetectFormat(sig []byte) Format {
	trimmed := bytes.TrimLeft(sig, " \t\r\n\xef\xbb\xbf")
	switch {
	case bytes.HasPrefix(sig, []byte("%PDF-")):
		return FormatPDF
	case len(trimmed) > 0 && trimmed[0] == '<':
		return FormatXMLDSig
	case len(sig) > 0 && sig[0] == 0xd2:
		return FormatCOSESign1
	case len(sig) > 0 && sig[0] == 0x30:
		if hasEContent(sig) {
			return FormatCMSEmbedded
		}
		return FormatCMSDetached
	}
	return FormatAuto
}

// hasEContent walks ContentInfo / SignedData / EncapsulatedContentInfo far
// enough to see whether the optional [0] eContent is present.
func hasEContent(der []byte) bool {
	var ci struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return false
	}
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &seq); err != nil {
		return false
	}
	return encapHasContent(seq.Bytes)
}

// encapHasContent skips version and digestAlgorithms of a SignedData body.
func encapHasContent(signedData []byte) bool {
	rest := signedData
	for i := 0; i < 3 && len(rest) > 0; i++ {
		var field asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &field); err != nil {
			return false
		}
		if i < 2 {
			continue
		}
		// EncapsulatedContentInfo ::= SEQUENCE { eContentType, [0] eContent OPTIONAL }
		var oid asn1.ObjectIdentifier
		inner, err := asn1.Unmarshal(field.Bytes, &oid)
		return err == nil && len(inner) > 0
	}
	return false
}

// HashAlgorithm names the digest algorithm used for signing. The empty
// value selects the credential default (SHA-256).
type HashAlgorithm string

const (
	HashDefault HashAlgorithm = ""
	HashSHA256  HashAlgorithm = "sha256"
	HashSHA384  HashAlgorithm = "sha384"
	HashSHA512  HashAlgorithm = "sha512"
	HashSHA3256 HashAlgorithm = "sha3-256"
	HashSHA3512 HashAlgorithm = "sha3-512"
)

// Hash returns the crypto.Hash for h.
func (h HashAlgorithm) Hash() (crypto.Hash, error) {
	switch strings.ToLower(string(h)) {
	case "", "sha256", "sha-256":
		return crypto.SHA256, nil
	case "sha384", "sha-384":
		return crypto.SHA384, nil
	case "sha512", "sha-512":
		return crypto.SHA512, nil
	case "sha3-256":
		return crypto.SHA3_256, nil
	case "sha3-512":
		return crypto.SHA3_512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", string(h))
	}
}

// Document is an input document.
type Document struct {
	Name     string
	Data     []byte
	Length   int // Declared length; zero means not declared
	Kind     Kind
	MIMEType string
}

// Position places a visible PDF signature. Zero lets the engine choose
// (invisible unless a form field is named).
type Position int

const (
	PositionUnspecified Position = iota
	PositionFirstTopLeft
	PositionFirstTopCenter
	PositionFirstTopRight
	PositionFirstBottomLeft
	PositionFirstBottomCenter
	PositionFirstBottomRight
	PositionLastTopLeft
	PositionLastTopCenter
	PositionLastTopRight
	PositionLastBottomLeft
	PositionLastBottomCenter
	PositionLastBottomRight
)

// OnLastPage reports whether p targets the last page.
func (p Position) OnLastPage() bool { return p >= PositionLastTopLeft }

// Column returns 0, 1 or 2 for left, center and right.
func (p Position) Column() int { return int(p-1) % 3 }

// Bottom reports whether p is on the lower edge of the page.
func (p Position) Bottom() bool { return (int(p-1)/3)%2 == 1 }

// AnnotationLabels are the captions rendered in a visible signature.
type AnnotationLabels struct {
	Reason   string
	Location string
	Date     string
}

// PDFAnnotation configures the signature widget of a PDF signature.
type PDFAnnotation struct {
	Display       bool
	Reason        string
	Location      string
	ContactInfo   string
	Position      Position
	Width         float64
	Height        float64
	ShowDate      bool
	Labels        AnnotationLabels
	Transparent   bool
	FormFieldName string
	OutlineName   string
}

// FilterKind is an XPath Filter 2.0 set operation.
type FilterKind int

const (
	FilterIntersect FilterKind = 0
	FilterSubtract  FilterKind = 1
	FilterUnion     FilterKind = 2
)

// String returns the XPath Filter 2.0 attribute value.
func (k FilterKind) String() string {
	switch k {
	case FilterIntersect:
		return "intersect"
	case FilterSubtract:
		return "subtract"
	case FilterUnion:
		return "union"
	default:
		return fmt.Sprintf("filter(%d)", int(k))
	}
}

// ParseFilterKind parses an XPath Filter 2.0 attribute value.
func ParseFilterKind(s string) (FilterKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intersect":
		return FilterIntersect, nil
	case "subtract":
		return FilterSubtract, nil
	case "union":
		return FilterUnion, nil
	}
	return 0, fmt.Errorf("unknown filter kind %q", s)
}

// Filter is one XPath Filter 2.0 transform.
type Filter struct {
	Kind       FilterKind
	Expr       string
	Namespaces map[string]string // prefix -> namespace URI
}

// XMLOptions configures an enveloped XML-DSig signature.
type XMLOptions struct {
	SignatureID string
	// NodePath selects the element that receives the Signature. Empty means
	// the document element.
	NodePath string
	// NodeNamespaces resolves prefixes used in NodePath.
	NodeNamespaces map[string]string
	Filters        []Filter
	// Prefix is the namespace prefix of the signature elements ("ds" when empty).
	Prefix string
}
