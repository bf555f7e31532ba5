package dto

// EncryptRequest envelopes data for recipients.
type EncryptRequest struct {
	Data       BinaryData   `json:"data"`
	Recipients []BinaryData `json:"recipients"`
}

// EncryptResponse carries the CMS EnvelopedData.
type EncryptResponse struct {
	EncryptedData  BinaryData `json:"encrypted_data"`
	RecipientCount int        `json:"recipient_count"`
}

// DecryptRequest opens an EnvelopedData with the server credential.
type DecryptRequest struct {
	EncryptedData BinaryData `json:"encrypted_data"`
}

// DecryptResponse carries the plaintext.
type DecryptResponse struct {
	Data BinaryData `json:"data"`
}

// CertificatesResponse lists the server credential certificates.
type CertificatesResponse struct {
	Signing        CertificateInfo   `json:"signing"`
	Authentication *CertificateInfo  `json:"authentication,omitempty"`
	Encryption     *CertificateInfo  `json:"encryption,omitempty"`
	Intermediates  []CertificateInfo `json:"intermediates,omitempty"`
}
