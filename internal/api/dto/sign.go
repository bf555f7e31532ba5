package dto

// SignRequest signs a batch of documents.
type SignRequest struct {
	Documents []SignDocument `json:"documents"`

	// Recipients, when set, receive each signature as CMS EnvelopedData.
	Recipients []BinaryData `json:"recipients,omitempty"`
}

// SignDocument is one document of a batch.
type SignDocument struct {
	Name string     `json:"name"`
	Data BinaryData `json:"data"`

	// Kind is the document kind ("plaintext", "pdf", "xml", ...). Detected
	// from the content when empty.
	Kind     string `json:"kind,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// Format is "cms-detached", "cms-embedded", "pdf", "xmldsig" or
	// "cose-sign1". When empty, PDF documents get "pdf", XML documents
	// "xmldsig" and the others "cms-detached".
	Format string `json:"format,omitempty"`
	// Hash is "sha256", "sha384", "sha512", "sha3-256" or "sha3-512".
	Hash string `json:"hash,omitempty"`

	PriorSignature *BinaryData `json:"prior_signature,omitempty"`
	OCSPResponse   *BinaryData `json:"ocsp_response,omitempty"`
	Timestamp      bool        `json:"timestamp,omitempty"`
	// PSS selects RSASSA-PSS padding for RSA credentials.
	PSS bool `json:"pss,omitempty"`

	Annotation *PDFAnnotation `json:"annotation,omitempty"`
	XML        *XMLOptions    `json:"xml,omitempty"`
}

// PDFAnnotation describes a visible PDF signature.
type PDFAnnotation struct {
	Display     bool    `json:"display"`
	Reason      string  `json:"reason,omitempty"`
	Location    string  `json:"location,omitempty"`
	ContactInfo string  `json:"contact_info,omitempty"`
	Position    int     `json:"position,omitempty"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	ShowDate    bool    `json:"show_date,omitempty"`
	Transparent bool    `json:"transparent,omitempty"`
	FormField   string  `json:"form_field,omitempty"`
	Outline     string  `json:"outline,omitempty"`

	ReasonLabel   string `json:"reason_label,omitempty"`
	LocationLabel string `json:"location_label,omitempty"`
	DateLabel     string `json:"date_label,omitempty"`
}

// XMLOptions selects what an XML signature covers.
type XMLOptions struct {
	SignatureID    string            `json:"signature_id,omitempty"`
	NodePath       string            `json:"node_path,omitempty"`
	NodeNamespaces map[string]string `json:"node_namespaces,omitempty"`
	Prefix         string            `json:"prefix,omitempty"`
	Filters        []XPathFilter     `json:"filters,omitempty"`
}

// XPathFilter is one XPath Filter 2.0 step.
type XPathFilter struct {
	// Kind is "intersect", "subtract" or "union".
	Kind       string            `json:"kind"`
	Expr       string            `json:"expr"`
	Namespaces map[string]string `json:"namespaces,omitempty"`
}

// SignResponse lists one result per document, in request order.
type SignResponse struct {
	Results []SignResult `json:"results"`
}

// SignResult is the outcome of one document.
type SignResult struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Format             string      `json:"format"`
	Signature          *BinaryData `json:"signature,omitempty"`
	EncryptedSignature *BinaryData `json:"encrypted_signature,omitempty"`
	TimestampToken     *BinaryData `json:"timestamp_token,omitempty"`
	Error              *APIError   `json:"error,omitempty"`
}
