package cms

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// rsaPSSParams is RSASSA-PSS-params (RFC 4055). The trailer field is always
// the default and is never encoded.
type rsaPSSParams struct {
	HashAlgorithm    pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MaskGenAlgorithm pkix.AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength       int                      `asn1:"optional,explicit,tag:2,default:20"`
	TrailerField     int                      `asn1:"optional,explicit,tag:3,default:1"`
}

// pssAlgorithmID returns the RSASSA-PSS signatureAlgorithm for h with MGF1
// over the same digest and a salt as long as the digest.
func pssAlgorithmID(h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	hashID, err := digestAlgorithmID(h)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	hashDER, err := asn1.Marshal(hashID)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	params, err := asn1.Marshal(rsaPSSParams{
		HashAlgorithm:    hashID,
		MaskGenAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: hashDER}},
		SaltLength:       h.Size(),
		TrailerField:     1,
	})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("failed to encode PSS parameters: %w", err)
	}
	return pkix.AlgorithmIdentifier{Algorithm: OIDRSASSAPSS, Parameters: asn1.RawValue{FullBytes: params}}, nil
}

// pssHash returns the digest named by RSASSA-PSS parameters. ok is false
// when the parameters are absent or cannot be parsed.
func pssHash(id pkix.AlgorithmIdentifier) (crypto.Hash, bool) {
	if len(id.Parameters.FullBytes) == 0 {
		return 0, false
	}
	var params rsaPSSParams
	rest, err := asn1.Unmarshal(id.Parameters.FullBytes, &params)
	if err != nil || len(rest) > 0 {
		return 0, false
	}
	h, err := oidToHash(params.HashAlgorithm.Algorithm)
	if err != nil {
		return 0, false
	}
	return h, true
}
