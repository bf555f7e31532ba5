// Package ers implements RFC 4998 Evidence Record Syntax: archive
// timestamps over reduced hash trees, timestamp and hash-tree renewal, and
// verification of evidence for signatures whose algorithms have aged.
package ers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/cms"
	"github.com/remiblancher/qsign/pkg/tsa"
)

var (
	// ErrMalformed indicates the evidence record could not be parsed.
	ErrMalformed = errors.New("malformed evidence record")

	// ErrHashMismatch indicates the data is not covered by the record.
	ErrHashMismatch = errors.New("evidence record does not cover the data")

	// ErrTimestamp indicates an archive timestamp did not verify.
	ErrTimestamp = errors.New("archive timestamp invalid")
)

// Timestamper issues RFC 3161 tokens over digests. tsa.Client and
// tsa.Authority implement it.
type Timestamper interface {
	TimestampDigest(ctx context.Context, hash crypto.Hash, digest []byte) (*tsa.Token, error)
}

// EvidenceRecord is the RFC 4998 top-level structure. CryptoInfos and
// EncryptionInfo are not produced and are skipped when present.
type EvidenceRecord struct {
	Version                  int
	DigestAlgorithms         []pkix.AlgorithmIdentifier
	ArchiveTimeStampSequence []ArchiveTimeStampChain
}

// ArchiveTimeStampChain is a sequence of archive timestamps using one
// digest algorithm, each renewing its predecessor.
type ArchiveTimeStampChain []ArchiveTimeStamp

// ArchiveTimeStamp binds a reduced hash tree to a timestamp token.
type ArchiveTimeStamp struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	ReducedHashtree [][][]byte // PartialHashtree ::= SEQUENCE OF OCTET STRING
	TimeStamp       []byte     // DER ContentInfo
}

// Marshal encodes the record as DER.
func (er *EvidenceRecord) Marshal() ([]byte, error) {
	seq, err := marshalSequence(er.ArchiveTimeStampSequence)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(struct {
		Version          int
		DigestAlgorithms []pkix.AlgorithmIdentifier
		ATSSeq           asn1.RawValue
	}{er.Version, er.DigestAlgorithms, asn1.RawValue{FullBytes: seq}})
}

func marshalSequence(chains []ArchiveTimeStampChain) ([]byte, error) {
	var body []byte
	for _, chain := range chains {
		var chainBody []byte
		for i := range chain {
			ats, err := chain[i].marshal()
			if err != nil {
				return nil, err
			}
			chainBody = append(chainBody, ats...)
		}
		enc, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: chainBody})
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	return asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: body})
}

func (ats *ArchiveTimeStamp) marshal() ([]byte, error) {
	var body []byte
	if len(ats.DigestAlgorithm.Algorithm) > 0 {
		alg, err := asn1.Marshal(ats.DigestAlgorithm)
		if err != nil {
			return nil, err
		}
		// digestAlgorithm [0] AlgorithmIdentifier, implicitly tagged.
		tagged, err := retag(alg, 0)
		if err != nil {
			return nil, err
		}
		body = append(body, tagged...)
	}
	if len(ats.ReducedHashtree) > 0 {
		var trees []byte
		for _, partial := range ats.ReducedHashtree {
			enc, err := asn1.Marshal(partial)
			if err != nil {
				return nil, err
			}
			trees = append(trees, enc...)
		}
		enc, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: trees})
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	body = append(body, ats.TimeStamp...)
	return asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: body})
}

func retag(der []byte, tag int) ([]byte, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: raw.IsCompound, Bytes: raw.Bytes})
}

// Parse decodes a DER evidence record.
func Parse(data []byte) (*EvidenceRecord, error) {
	var outer asn1.RawValue
	rest, err := asn1.Unmarshal(data, &outer)
	if err != nil || len(rest) > 0 || outer.Tag != asn1.TagSequence {
		return nil, fmt.Errorf("%w: not a SEQUENCE", ErrMalformed)
	}
	elems, err := elements(outer.Bytes)
	if err != nil || len(elems) < 3 {
		return nil, fmt.Errorf("%w: too few fields", ErrMalformed)
	}

	er := &EvidenceRecord{}
	if _, err := asn1.Unmarshal(elems[0].FullBytes, &er.Version); err != nil || er.Version != 1 {
		return nil, fmt.Errorf("%w: version", ErrMalformed)
	}
	if _, err := asn1.Unmarshal(elems[1].FullBytes, &er.DigestAlgorithms); err != nil {
		return nil, fmt.Errorf("%w: digestAlgorithms: %v", ErrMalformed, err)
	}
	last := elems[len(elems)-1]
	if last.Class != asn1.ClassUniversal || last.Tag != asn1.TagSequence {
		return nil, fmt.Errorf("%w: archiveTimeStampSequence", ErrMalformed)
	}
	chains, err := elements(last.Bytes)
	if err != nil || len(chains) == 0 {
		return nil, fmt.Errorf("%w: empty archiveTimeStampSequence", ErrMalformed)
	}
	for _, c := range chains {
		atsList, err := elements(c.Bytes)
		if err != nil || len(atsList) == 0 {
			return nil, fmt.Errorf("%w: empty archiveTimeStampChain", ErrMalformed)
		}
		var chain ArchiveTimeStampChain
		for _, a := range atsList {
			ats, err := parseATS(a.Bytes)
			if err != nil {
				return nil, err
			}
			chain = append(chain, *ats)
		}
		er.ArchiveTimeStampSequence = append(er.ArchiveTimeStampSequence, chain)
	}
	return er, nil
}

func parseATS(body []byte) (*ArchiveTimeStamp, error) {
	fields, err := elements(body)
	if err != nil || len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty ArchiveTimeStamp", ErrMalformed)
	}
	ats := &ArchiveTimeStamp{}
	for _, f := range fields {
		switch {
		case f.Class == asn1.ClassContextSpecific && f.Tag == 0:
			der, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: f.Bytes})
			if err == nil {
				_, err = asn1.Unmarshal(der, &ats.DigestAlgorithm)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: digestAlgorithm", ErrMalformed)
			}
		case f.Class == asn1.ClassContextSpecific && f.Tag == 1:
			// attributes are not interpreted
		case f.Class == asn1.ClassContextSpecific && f.Tag == 2:
			partials, err := elements(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: reducedHashtree", ErrMalformed)
			}
			for _, p := range partials {
				var values [][]byte
				if _, err := asn1.Unmarshal(p.FullBytes, &values); err != nil {
					return nil, fmt.Errorf("%w: partialHashtree: %v", ErrMalformed, err)
				}
				ats.ReducedHashtree = append(ats.ReducedHashtree, values)
			}
		case f.Class == asn1.ClassUniversal && f.Tag == asn1.TagSequence:
			ats.TimeStamp = f.FullBytes
		default:
			return nil, fmt.Errorf("%w: unexpected field [%d]", ErrMalformed, f.Tag)
		}
	}
	if ats.TimeStamp == nil {
		return nil, fmt.Errorf("%w: timeStamp missing", ErrMalformed)
	}
	return ats, nil
}

func elements(b []byte) ([]asn1.RawValue, error) {
	var out []asn1.RawValue
	for len(b) > 0 {
		var v asn1.RawValue
		rest, err := asn1.Unmarshal(b, &v)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

// nodeHash hashes the binary-sorted concatenation of values.
func nodeHash(h crypto.Hash, values [][]byte) ([]byte, error) {
	sorted := make([][]byte, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	return pkicrypto.Digest(h, bytes.Join(sorted, nil))
}

func hashOf(alg pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	h, err := cms.HashFromOID(alg.Algorithm)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

func algorithmID(h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	oid := cms.HashOID(h)
	if oid == nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("unsupported hash algorithm %v", h)
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
}
