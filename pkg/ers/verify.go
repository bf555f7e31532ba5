package ers

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/tsa"
)

// VerifyConfig contains options for verifying an evidence record.
type VerifyConfig struct {
	// Roots is the pool of trusted TSA roots.
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	// CurrentTime validates the newest archive timestamp (default: now).
	// Older ones are validated at the generation time of their successor.
	CurrentTime time.Time
}

// TimestampResult describes one verified archive timestamp.
type TimestampResult struct {
	Chain      int
	Index      int
	Hash       crypto.Hash
	GenTime    time.Time
	SignerCert *x509.Certificate
}

// VerifyResult summarizes a verified evidence record.
type VerifyResult struct {
	Timestamps []TimestampResult
	// ProofTime is when the data was first proven to exist.
	ProofTime time.Time
}

// Verify checks that er covers data and that every archive timestamp is
// valid and correctly linked to its predecessor.
func Verify(er *EvidenceRecord, data []byte, config *VerifyConfig) (*VerifyResult, error) {
	if er == nil || len(er.ArchiveTimeStampSequence) == 0 {
		return nil, fmt.Errorf("%w: no archive timestamp chain", ErrMalformed)
	}
	if config == nil {
		config = &VerifyConfig{}
	}
	now := config.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}

	// Generation times are needed ahead of validation, so parse first.
	tokens := make([][]*tsa.Token, len(er.ArchiveTimeStampSequence))
	for i, chain := range er.ArchiveTimeStampSequence {
		for j := range chain {
			token, err := tsa.ParseToken(chain[j].TimeStamp)
			if err != nil {
				return nil, fmt.Errorf("%w: chain %d timestamp %d: %v", ErrTimestamp, i, j, err)
			}
			tokens[i] = append(tokens[i], token)
		}
	}
	validationTime := func(i, j int) time.Time {
		if j+1 < len(tokens[i]) {
			return tokens[i][j+1].GenTime()
		}
		if i+1 < len(tokens) {
			return tokens[i+1][0].GenTime()
		}
		return now
	}

	result := &VerifyResult{}
	for i, chain := range er.ArchiveTimeStampSequence {
		h, err := chainHash(chain)
		if err != nil {
			return nil, err
		}
		for j := range chain {
			ats := &chain[j]
			leaf, err := expectedLeaf(h, er, data, i, j)
			if err != nil {
				return nil, err
			}
			root, err := reduce(h, ats.ReducedHashtree, leaf)
			if err != nil {
				return nil, fmt.Errorf("chain %d timestamp %d: %w", i, j, err)
			}
			if tokenHash, err := tokens[i][j].HashAlgorithm(); err != nil || tokenHash != h {
				return nil, fmt.Errorf("%w: chain %d timestamp %d imprint does not use %v", ErrTimestamp, i, j, h)
			}

			res, err := tsa.Verify(ats.TimeStamp, &tsa.VerifyConfig{
				Roots:         config.Roots,
				Intermediates: config.Intermediates,
				CurrentTime:   validationTime(i, j),
				Digest:        root,
			})
			if err != nil {
				if errors.Is(err, tsa.ErrHashMismatch) {
					return nil, fmt.Errorf("%w: chain %d timestamp %d", ErrHashMismatch, i, j)
				}
				return nil, fmt.Errorf("%w: chain %d timestamp %d: %v", ErrTimestamp, i, j, err)
			}
			if j > 0 && res.GenTime.Before(tokens[i][j-1].GenTime()) {
				return nil, fmt.Errorf("%w: chain %d timestamp %d predates its predecessor", ErrTimestamp, i, j)
			}
			result.Timestamps = append(result.Timestamps, TimestampResult{
				Chain:      i,
				Index:      j,
				Hash:       h,
				GenTime:    res.GenTime,
				SignerCert: res.SignerCert,
			})
		}
	}
	result.ProofTime = result.Timestamps[0].GenTime
	return result, nil
}

// expectedLeaf returns the value the archive timestamp at chain i, index j
// must cover before its reduced hash tree is applied.
func expectedLeaf(h crypto.Hash, er *EvidenceRecord, data []byte, i, j int) ([]byte, error) {
	chain := er.ArchiveTimeStampSequence[i]
	switch {
	case j > 0:
		return pkicrypto.Digest(h, chain[j-1].TimeStamp)
	case i == 0:
		return pkicrypto.Digest(h, data)
	default:
		return renewalLeaf(h, data, er.ArchiveTimeStampSequence[:i])
	}
}

// reduce walks a reduced hash tree from leaf to its root.
func reduce(h crypto.Hash, tree [][][]byte, leaf []byte) ([]byte, error) {
	if len(tree) == 0 {
		return leaf, nil
	}
	first := tree[0]
	if !contains(first, leaf) {
		return nil, ErrHashMismatch
	}
	current := leaf
	if len(first) > 1 {
		var err error
		if current, err = nodeHash(h, first); err != nil {
			return nil, err
		}
	}
	for _, partial := range tree[1:] {
		values := append(append([][]byte{}, partial...), current)
		next, err := nodeHash(h, values)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func contains(values [][]byte, v []byte) bool {
	for _, x := range values {
		if bytes.Equal(x, v) {
			return true
		}
	}
	return false
}
