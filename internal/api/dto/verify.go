package dto

// VerifyRequest verifies one signature.
type VerifyRequest struct {
	Signature BinaryData `json:"signature"`

	// Data is the original content (required for detached signatures).
	Data *BinaryData `json:"data,omitempty"`

	// Format is detected when empty.
	Format string `json:"format,omitempty"`

	// TrustAnchors replace the configured anchors.
	TrustAnchors  []BinaryData `json:"trust_anchors,omitempty"`
	Intermediates []BinaryData `json:"intermediates,omitempty"`

	OCSPResponse     *BinaryData  `json:"ocsp_response,omitempty"`
	EvidenceRecords  []BinaryData `json:"evidence_records,omitempty"`
	OCSPMandatory    bool         `json:"ocsp_mandatory,omitempty"`
	AllowResign      bool         `json:"allow_resign,omitempty"`
	RequireTimestamp bool         `json:"require_timestamp,omitempty"`

	ExtractContent bool `json:"extract_content,omitempty"`
	// Report returns the HTML verification report.
	Report bool `json:"report,omitempty"`
}

// VerifyResponse is the outcome of a verification. A completed verification
// of an invalid signature is not an HTTP error: Valid is false and Error
// carries the reason.
type VerifyResponse struct {
	ID     string `json:"id"`
	Valid  bool   `json:"valid"`
	Format string `json:"format"`
	Status string `json:"status"`

	Error    *APIError         `json:"error,omitempty"`
	Signers  []CertificateInfo `json:"signers,omitempty"`
	Findings []Finding         `json:"findings,omitempty"`

	SigningTime   string `json:"signing_time,omitempty"`
	TimestampTime string `json:"timestamp_time,omitempty"`

	OCSPResponse *BinaryData `json:"ocsp_response,omitempty"`
	Content      *BinaryData `json:"content,omitempty"`
	ReportHTML   string      `json:"report_html,omitempty"`
}

// Finding is one verification step outcome.
type Finding struct {
	Severity string `json:"severity"`
	Check    string `json:"check"`
	Message  string `json:"message"`
}
