package document

import (
	"github.com/remiblancher/qsign/pkg/status"
)

// SignatureRequest asks the engine to sign one document.
type SignatureRequest struct {
	Document Document
	Format   Format
	Hash     HashAlgorithm

	// PriorSignature is an existing CMS signature over the same document to
	// which a new signer is added.
	PriorSignature []byte

	Annotation *PDFAnnotation // PDF only
	XML        *XMLOptions    // XML-DSig only

	// OCSPResponse is a DER OCSP response for the signing certificate to embed.
	OCSPResponse []byte

	// Timestamp requests an RFC 3161 timestamp over the signature value.
	Timestamp bool

	// PSS signs RSA credentials with RSASSA-PSS instead of PKCS#1 v1.5.
	PSS bool

	// Capacity, when positive, bounds the size of the produced signature.
	Capacity int
}

// VerificationRequest asks the engine to verify one signature.
type VerificationRequest struct {
	// Document is the signed content for detached formats. It is ignored for
	// PDF and XML-DSig, whose signature bytes are the signed document itself.
	Document []byte

	Signature []byte
	Format    Format

	// OCSPResponse is a caller-supplied DER OCSP response for the signer.
	OCSPResponse []byte

	// EvidenceRecords are DER RFC 4998 evidence records over the signature.
	EvidenceRecords [][]byte

	OCSPMandatory bool
	AllowResign   bool

	ExtractContent bool
	// Report asks for the HTML rendering of the verification report.
	Report bool

	// Capacity, when positive, bounds the size of the extracted content and
	// of the rendered report.
	Capacity int
}

// Validate checks the request invariants.
func (r *SignatureRequest) Validate() error {
	const op = "validate"
	d := &r.Document

	if len(d.Data) == 0 {
		return status.New(status.KindInvalidRequest, op, "document %q is empty", d.Name)
	}
	if d.Length != 0 && d.Length != len(d.Data) {
		return status.New(status.KindInvalidRequest, op,
			"document %q declares %d bytes but carries %d", d.Name, d.Length, len(d.Data))
	}
	if !d.Kind.Valid() {
		return status.New(status.KindInvalidRequest, op, "unknown document kind %d", int(d.Kind))
	}
	if _, err := r.Hash.Hash(); err != nil {
		return status.Wrap(status.KindInvalidRequest, op, err)
	}
	if r.Capacity < 0 {
		return status.New(status.KindInvalidRequest, op, "negative capacity")
	}

	switch r.Format {
	case FormatCMSDetached, FormatCMSEmbedded, FormatCOSESign1:
		if d.Kind == KindPDF && r.Annotation != nil {
			return status.New(status.KindInvalidRequest, op, "PDF annotation requires the pdf format")
		}
	case FormatPDF:
		if d.Kind != KindPDF {
			return status.New(status.KindInvalidRequest, op, "pdf format requires a PDF document, got %s", d.Kind)
		}
	case FormatXMLDSig:
		if d.Kind != KindXML {
			return status.New(status.KindInvalidRequest, op, "xmldsig format requires an XML document, got %s", d.Kind)
		}
	default:
		return status.New(status.KindInvalidRequest, op, "unsupported signature format %s", r.Format)
	}

	if r.Annotation != nil {
		if r.Format != FormatPDF {
			return status.New(status.KindInvalidRequest, op, "annotation parameters only apply to pdf signatures")
		}
		if r.Annotation.Position < PositionUnspecified || r.Annotation.Position > PositionLastBottomRight {
			return status.New(status.KindInvalidRequest, op, "annotation position %d out of range", r.Annotation.Position)
		}
		if r.Annotation.Width < 0 || r.Annotation.Height < 0 {
			return status.New(status.KindInvalidRequest, op, "annotation size must not be negative")
		}
	}

	if r.XML != nil {
		if r.Format != FormatXMLDSig {
			return status.New(status.KindInvalidRequest, op, "xml options only apply to xmldsig signatures")
		}
		for i, f := range r.XML.Filters {
			if f.Kind < FilterIntersect || f.Kind > FilterUnion {
				return status.New(status.KindInvalidRequest, op, "filter %d has unknown kind %d", i, int(f.Kind))
			}
			if f.Expr == "" {
				return status.New(status.KindInvalidRequest, op, "filter %d has an empty expression", i)
			}
		}
	}

	if r.PSS && r.Format == FormatXMLDSig {
		return status.New(status.KindInvalidRequest, op, "PSS padding is not available for xmldsig signatures")
	}

	if len(r.PriorSignature) > 0 && !r.Format.IsCMS() {
		return status.New(status.KindInvalidRequest, op, "extending a signature requires a CMS format")
	}
	return nil
}

// Validate checks the verification request invariants.
func (r *VerificationRequest) Validate() error {
	const op = "validate"
	if len(r.Signature) == 0 {
		return status.New(status.KindNoSignaturePresent, op, "no signature supplied")
	}
	if r.Capacity < 0 {
		return status.New(status.KindInvalidRequest, op, "negative capacity")
	}
	switch r.Format {
	case FormatAuto, FormatCMSDetached, FormatCMSEmbedded, FormatPDF, FormatXMLDSig, FormatCOSESign1:
	default:
		return status.New(status.KindInvalidRequest, op, "unsupported signature format %s", r.Format)
	}
	return nil
}
