package ers

import (
	"context"
	"crypto"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	pkicrypto "github.com/remiblancher/qsign/internal/crypto"
)

// Group timestamps objects under a single archive timestamp. It returns one
// evidence record per object, in input order; each carries the reduced hash
// tree linking that object's hash to the timestamped root.
func Group(ctx context.Context, ts Timestamper, h crypto.Hash, objects [][]byte) ([]*EvidenceRecord, error) {
	if ts == nil {
		return nil, errors.New("timestamper is required")
	}
	if len(objects) == 0 {
		return nil, errors.New("no data objects")
	}
	alg, err := algorithmID(h)
	if err != nil {
		return nil, err
	}

	leaves := make([][]byte, len(objects))
	for i, obj := range objects {
		if leaves[i], err = pkicrypto.Digest(h, obj); err != nil {
			return nil, err
		}
	}
	root, paths, err := hashTree(h, leaves)
	if err != nil {
		return nil, err
	}

	token, err := ts.TimestampDigest(ctx, h, root)
	if err != nil {
		return nil, fmt.Errorf("failed to timestamp hash tree: %w", err)
	}

	records := make([]*EvidenceRecord, len(objects))
	for i := range objects {
		ats := ArchiveTimeStamp{DigestAlgorithm: alg, TimeStamp: token.Raw}
		if len(objects) > 1 {
			ats.ReducedHashtree = paths[i]
		}
		records[i] = &EvidenceRecord{
			Version:                  1,
			DigestAlgorithms:         []pkix.AlgorithmIdentifier{alg},
			ArchiveTimeStampSequence: []ArchiveTimeStampChain{{ats}},
		}
	}
	return records, nil
}

// New builds an evidence record for a single data object.
func New(ctx context.Context, ts Timestamper, h crypto.Hash, data []byte) (*EvidenceRecord, error) {
	records, err := Group(ctx, ts, h, [][]byte{data})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// hashTree builds a binary Merkle tree over leaves. Parents hash the sorted
// concatenation of their two children; an unpaired node moves up unchanged.
// The reduced path for leaf i starts with the leaf and its sibling, then
// lists one sibling per level where one exists.
func hashTree(h crypto.Hash, leaves [][]byte) ([]byte, [][][][]byte, error) {
	paths := make([][][][]byte, len(leaves))
	// owners[j] lists the leaves under node j of the current level.
	owners := make([][]int, len(leaves))
	for i := range leaves {
		owners[i] = []int{i}
	}

	level := leaves
	first := true
	for len(level) > 1 || first {
		var next [][]byte
		var nextOwners [][]int
		for j := 0; j < len(level); j += 2 {
			if j+1 == len(level) {
				if first {
					for _, leaf := range owners[j] {
						paths[leaf] = append(paths[leaf], [][]byte{level[j]})
					}
				}
				next = append(next, level[j])
				nextOwners = append(nextOwners, owners[j])
				continue
			}
			left, right := level[j], level[j+1]
			for _, leaf := range owners[j] {
				if first {
					paths[leaf] = append(paths[leaf], [][]byte{left, right})
				} else {
					paths[leaf] = append(paths[leaf], [][]byte{right})
				}
			}
			for _, leaf := range owners[j+1] {
				if first {
					paths[leaf] = append(paths[leaf], [][]byte{right, left})
				} else {
					paths[leaf] = append(paths[leaf], [][]byte{left})
				}
			}
			parent, err := nodeHash(h, [][]byte{left, right})
			if err != nil {
				return nil, nil, err
			}
			next = append(next, parent)
			nextOwners = append(nextOwners, append(append([]int{}, owners[j]...), owners[j+1]...))
		}
		level, owners, first = next, nextOwners, false
	}
	return level[0], paths, nil
}

// RenewTimestamp appends an archive timestamp over the previous timestamp to
// the last chain. Use it before the TSA certificate or its key expires.
func RenewTimestamp(ctx context.Context, er *EvidenceRecord, ts Timestamper) error {
	if ts == nil {
		return errors.New("timestamper is required")
	}
	if er == nil || len(er.ArchiveTimeStampSequence) == 0 {
		return fmt.Errorf("%w: no archive timestamp chain", ErrMalformed)
	}
	last := len(er.ArchiveTimeStampSequence) - 1
	chain := er.ArchiveTimeStampSequence[last]
	h, err := chainHash(chain)
	if err != nil {
		return err
	}
	digest, err := pkicrypto.Digest(h, chain[len(chain)-1].TimeStamp)
	if err != nil {
		return err
	}
	token, err := ts.TimestampDigest(ctx, h, digest)
	if err != nil {
		return fmt.Errorf("failed to renew timestamp: %w", err)
	}
	er.ArchiveTimeStampSequence[last] = append(chain, ArchiveTimeStamp{TimeStamp: token.Raw})
	return nil
}

// RenewHashTree starts a new chain under h over the data and the complete
// existing sequence. Use it when the digest algorithm weakens.
func RenewHashTree(ctx context.Context, er *EvidenceRecord, data []byte, ts Timestamper, h crypto.Hash) error {
	if ts == nil {
		return errors.New("timestamper is required")
	}
	if er == nil || len(er.ArchiveTimeStampSequence) == 0 {
		return fmt.Errorf("%w: no archive timestamp chain", ErrMalformed)
	}
	alg, err := algorithmID(h)
	if err != nil {
		return err
	}
	leaf, err := renewalLeaf(h, data, er.ArchiveTimeStampSequence)
	if err != nil {
		return err
	}
	token, err := ts.TimestampDigest(ctx, h, leaf)
	if err != nil {
		return fmt.Errorf("failed to renew hash tree: %w", err)
	}
	er.ArchiveTimeStampSequence = append(er.ArchiveTimeStampSequence,
		ArchiveTimeStampChain{{DigestAlgorithm: alg, TimeStamp: token.Raw}})

	for _, known := range er.DigestAlgorithms {
		if known.Algorithm.Equal(alg.Algorithm) {
			return nil
		}
	}
	er.DigestAlgorithms = append(er.DigestAlgorithms, alg)
	return nil
}

// renewalLeaf is H(sorted(H(data) || H(DER of previous chains))).
func renewalLeaf(h crypto.Hash, data []byte, previous []ArchiveTimeStampChain) ([]byte, error) {
	ha, err := pkicrypto.Digest(h, data)
	if err != nil {
		return nil, err
	}
	seq, err := marshalSequence(previous)
	if err != nil {
		return nil, err
	}
	hc, err := pkicrypto.Digest(h, seq)
	if err != nil {
		return nil, err
	}
	return nodeHash(h, [][]byte{ha, hc})
}

// chainHash returns the digest algorithm declared by the chain's first
// archive timestamp.
func chainHash(chain ArchiveTimeStampChain) (crypto.Hash, error) {
	if len(chain) == 0 {
		return 0, fmt.Errorf("%w: empty chain", ErrMalformed)
	}
	if len(chain[0].DigestAlgorithm.Algorithm) == 0 {
		return 0, fmt.Errorf("%w: chain has no digest algorithm", ErrMalformed)
	}
	return hashOf(chain[0].DigestAlgorithm)
}
